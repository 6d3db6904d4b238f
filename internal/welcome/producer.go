package welcome

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

var _ ResponsePublisher = (*KafkaPublisher)(nil)

// KafkaPublisher emits welcome-coupon responses to the response topic,
// keyed by user id so responses for one user stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher wraps the given writer.
func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// PublishResponse writes the response and waits for broker acknowledgment.
func (p *KafkaPublisher) PublishResponse(ctx context.Context, resp Response) error {
	value, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "marshal response")
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(resp.UserID, 10)),
		Value: value,
	})
	if err != nil {
		return errors.Wrap(err, "write response message")
	}
	return nil
}
