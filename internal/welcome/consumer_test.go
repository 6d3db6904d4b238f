package welcome

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
)

// fakeReader serves a fixed message sequence to a single worker, then blocks
// until the context is canceled. Commits are recorded per reader.
type fakeReader struct {
	msgs    []kafka.Message
	next    int
	commits []int64
	closed  bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.next >= len(r.msgs) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[r.next]
	r.next++
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeDLQ struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeDLQ) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeDLQ) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

type staticIssuer struct{}

func (staticIssuer) CreateCouponIdempotent(_ context.Context, _, _ int64) (issuance.IssueResult, error) {
	return issuance.IssueResult{CouponID: 1}, nil
}

// flakyIssuer fails the first N calls, then succeeds.
type flakyIssuer struct {
	failures int
	calls    int
}

func (m *flakyIssuer) CreateCouponIdempotent(_ context.Context, _, _ int64) (issuance.IssueResult, error) {
	m.calls++
	if m.calls <= m.failures {
		return issuance.IssueResult{}, errors.New("storage unavailable")
	}
	return issuance.IssueResult{CouponID: 9}, nil
}

type countingPublisher struct {
	mu sync.Mutex
	n  int
}

func (p *countingPublisher) PublishResponse(_ context.Context, _ Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

type passTxRunner struct{}

func (passTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func requestMessage(offset int64, body string) kafka.Message {
	return kafka.Message{
		Topic:  "coupon.welcome.request",
		Offset: offset,
		Value:  []byte(body),
	}
}

func testConsumer(w *Workflow, dlq MessageWriter) *Consumer {
	return NewConsumer(nil, dlq, w, ConsumerConfig{
		RetryBackoff: time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
	})
}

func TestHandleMessageDeadLettersUnavailablePolicy(t *testing.T) {
	// The reserved policy exists but has expired. Issuance fails the same way
	// on every attempt, so the message must go to the dead-letter topic in one
	// pass instead of being retried until the context dies.
	issuer := &mockIssuer{err: issuance.ErrPolicyUnavailable}
	w := NewWorkflow(&mockPolicyFinder{policy: welcomePolicy()}, issuer, &countingPublisher{}, passTxRunner{})
	dlq := &fakeDLQ{}
	c := testConsumer(w, dlq)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.handleMessage(ctx, requestMessage(3, `{"userId":42}`))
	require.NoError(t, err)

	assert.Equal(t, 1, issuer.calls)
	require.Equal(t, 1, dlq.len())
	headers := dlq.msgs[0].Headers
	require.Len(t, headers, 2)
	assert.Equal(t, "reason", headers[0].Key)
	assert.Contains(t, string(headers[0].Value), "unavailable")
}

func TestHandleMessageRetriesTransientThenSucceeds(t *testing.T) {
	issuer := &flakyIssuer{failures: 2}
	publisher := &countingPublisher{}
	w := NewWorkflow(&mockPolicyFinder{policy: welcomePolicy()}, issuer, publisher, passTxRunner{})
	dlq := &fakeDLQ{}
	c := testConsumer(w, dlq)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.handleMessage(ctx, requestMessage(0, `{"userId":42}`))
	require.NoError(t, err)

	assert.Equal(t, 3, issuer.calls)
	assert.Equal(t, 1, publisher.count())
	assert.Zero(t, dlq.len())
}

func TestHandleMessageDeadLettersMalformedPayload(t *testing.T) {
	issuer := &mockIssuer{}
	w := NewWorkflow(&mockPolicyFinder{policy: welcomePolicy()}, issuer, &countingPublisher{}, passTxRunner{})
	dlq := &fakeDLQ{}
	c := testConsumer(w, dlq)

	err := c.handleMessage(context.Background(), requestMessage(0, `{"userId":`))
	require.NoError(t, err)

	assert.Zero(t, issuer.calls)
	assert.Equal(t, 1, dlq.len())
}

func TestRunGivesEachWorkerItsOwnReader(t *testing.T) {
	// Offsets are per-partition high-water marks, so each partition must be
	// fetched and committed by exactly one reader. Workers sharing a reader
	// could commit past a slower worker's in-flight offset and lose it on a
	// rebalance.
	var (
		mu      sync.Mutex
		readers []*fakeReader
	)
	newReader := func() MessageReader {
		mu.Lock()
		defer mu.Unlock()
		r := &fakeReader{msgs: []kafka.Message{
			requestMessage(0, `{"userId":1}`),
			requestMessage(1, `{"userId":2}`),
		}}
		readers = append(readers, r)
		return r
	}

	publisher := &countingPublisher{}
	w := NewWorkflow(&mockPolicyFinder{policy: welcomePolicy()}, staticIssuer{}, publisher, passTxRunner{})
	c := NewConsumer(newReader, &fakeDLQ{}, w, ConsumerConfig{Workers: 3})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return publisher.count() == 6
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	require.Len(t, readers, 3)
	for _, r := range readers {
		assert.True(t, r.closed)
		assert.Equal(t, []int64{0, 1}, r.commits)
	}
}
