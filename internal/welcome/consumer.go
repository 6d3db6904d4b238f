package welcome

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerConfig tunes the welcome-coupon consumer loop.
type ConsumerConfig struct {
	// Workers is the number of concurrent message handlers.
	Workers int
	// RetryBackoff is the initial delay before re-handling a message after a
	// transient failure; it doubles up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// MessageReader is the slice of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a new reader in the consumer group. Each worker gets
// its own reader: group offset commits are per-partition high-water marks,
// so a partition's offsets must be fetched and committed by a single owner.
// Sharing one reader between workers lets a fast worker commit past a slow
// worker's in-flight message, which silently drops that message on a crash
// or rebalance.
type ReaderFactory func() MessageReader

// MessageWriter is the slice of kafka.Writer the dead-letter path uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer reads welcome-coupon requests from the request topic and drives
// the workflow. Delivery semantics: a message offset is committed only after
// the workflow unit of work committed (or the message was routed to the
// dead-letter topic); transient failures keep the offset uncommitted and the
// same message is re-handled with backoff, so processing is at-least-once
// and relies on the workflow's idempotency.
type Consumer struct {
	newReader ReaderFactory
	dlq       MessageWriter
	workflow  *Workflow
	cfg       ConsumerConfig
}

// NewConsumer creates a Consumer. The dlq writer receives malformed and
// permanently-failed requests.
func NewConsumer(newReader ReaderFactory, dlq MessageWriter, workflow *Workflow, cfg ConsumerConfig) *Consumer {
	cfg.defaults()
	return &Consumer{newReader: newReader, dlq: dlq, workflow: workflow, cfg: cfg}
}

// Run blocks until the context is canceled. Every worker joins the consumer
// group with its own reader, so the group balances partitions across workers
// and each partition's offsets stay single-writer.
func (c *Consumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Welcome coupon consumer starting", zap.Int("workers", c.cfg.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			return c.worker(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) worker(ctx context.Context) error {
	reader := c.newReader()
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}

		if err := c.handleMessage(ctx, msg); err != nil {
			// Only context cancellation escapes handleMessage.
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "commit message")
		}
	}
}

// handleMessage drives one message to a committable outcome: workflow
// success, or dead-lettered. Transient failures are retried in place with
// exponential backoff, which is equivalent to transport redelivery for an
// uncommitted offset.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	lg := zctx.From(ctx).With(
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
	)

	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		lg.Warn("Malformed welcome request, dead-lettering", zap.Error(err))
		return c.deadLetter(ctx, msg, "malformed payload: "+err.Error())
	}

	backoff := c.cfg.RetryBackoff
	for {
		err := c.workflow.Handle(ctx, req)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			lg.Error("Welcome request permanently failed, dead-lettering", zap.Error(err))
			return c.deadLetter(ctx, msg, err.Error())
		}

		lg.Warn("Welcome request failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, reason string) error {
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(reason)},
			{Key: "source-topic", Value: []byte(msg.Topic)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "write dead letter")
	}
	return nil
}
