package kafka

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
)

func TestDecodeActivityEvent(t *testing.T) {
	ev, err := decodeActivityEvent([]byte(`{"user_id":"u1","surface":"/pricing","minutes":2.5,"timestamp":"2025-04-02T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "/pricing", ev.Surface)
	assert.Equal(t, 2.5, ev.Minutes)
	assert.Equal(t, time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestDecodeActivityEvent_Invalid(t *testing.T) {
	for name, payload := range map[string]string{
		"malformed":        `{"user_id":`,
		"missing user":     `{"surface":"/checklist","minutes":1}`,
		"missing surface":  `{"user_id":"u1","minutes":1}`,
		"negative minutes": `{"user_id":"u1","surface":"/checklist","minutes":-3}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeActivityEvent([]byte(payload))
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestCoalesce(t *testing.T) {
	t0 := time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)
	merged := coalesce([]domain.ActivityEvent{
		{UserID: "u1", Surface: "/checklist", Minutes: 2, Timestamp: t0},
		{UserID: "u2", Surface: "/checklist", Minutes: 1, Timestamp: t0},
		{UserID: "u1", Surface: "/checklist", Minutes: 3, Timestamp: t0.Add(time.Minute)},
		{UserID: "u1", Surface: "/pricing", Minutes: 1, Timestamp: t0},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, domain.ActivityEvent{UserID: "u1", Surface: "/checklist", Minutes: 5, Timestamp: t0.Add(time.Minute)}, merged[0])
	assert.Equal(t, "u2", merged[1].UserID)
	assert.Equal(t, "/pricing", merged[2].Surface)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
}

func (r *recordingTracker) TrackEvent(_ context.Context, ev domain.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTracker) tracked() []domain.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ActivityEvent(nil), r.events...)
}

// fakeSession implements the parts of sarama.ConsumerGroupSession the handler uses
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type claimRun struct {
	tracker  *recordingTracker
	session  *fakeSession
	messages chan *sarama.ConsumerMessage
	cancel   context.CancelFunc
	done     chan error
	offset   int64
}

func startClaim(t *testing.T, batchSize int, batchTimeout time.Duration) *claimRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	run := &claimRun{
		tracker:  &recordingTracker{},
		session:  &fakeSession{ctx: ctx},
		messages: make(chan *sarama.ConsumerMessage),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	handler := &consumerGroupHandler{
		consumer: &Consumer{
			config:  &config.KafkaConfig{BatchSize: batchSize, BatchTimeout: batchTimeout},
			tracker: run.tracker,
			logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
	go func() {
		run.done <- handler.ConsumeClaim(run.session, &fakeClaim{messages: run.messages})
	}()
	return run
}

func (r *claimRun) send(t *testing.T, payload string) {
	t.Helper()
	msg := &sarama.ConsumerMessage{Topic: "page-activity", Offset: r.offset, Value: []byte(payload)}
	r.offset++
	select {
	case r.messages <- msg:
	case <-time.After(time.Second):
		t.Fatal("handler stopped reading messages")
	}
}

func (r *claimRun) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not return")
	}
}

func TestConsumeClaim_FlushesFullBatch(t *testing.T) {
	run := startClaim(t, 2, time.Hour)

	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":1}`)
	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":2}`)

	require.Eventually(t, func() bool { return len(run.tracker.tracked()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, run.tracker.tracked()[0].Minutes)

	run.send(t, `{"user_id":"u2","surface":"/pricing","minutes":1}`)
	assert.Len(t, run.tracker.tracked(), 1, "partial batch waits for the timer")

	close(run.messages)
	run.wait(t)

	events := run.tracker.tracked()
	require.Len(t, events, 2)
	assert.Equal(t, "u2", events[1].UserID)
	assert.Equal(t, []int64{0, 1, 2}, run.session.markedOffsets())
}

func TestConsumeClaim_FlushesOnTimeout(t *testing.T) {
	run := startClaim(t, 100, 20*time.Millisecond)

	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":1.5}`)

	require.Eventually(t, func() bool { return len(run.tracker.tracked()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", run.tracker.tracked()[0].UserID)

	run.cancel()
	run.wait(t)
	assert.Len(t, run.tracker.tracked(), 1)
}

func TestConsumeClaim_FlushesPendingOnSessionEnd(t *testing.T) {
	run := startClaim(t, 100, time.Hour)

	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":1}`)
	run.send(t, `{"user_id":"u2","surface":"/checklist","minutes":1}`)
	assert.Empty(t, run.tracker.tracked())

	run.cancel()
	run.wait(t)
	assert.Len(t, run.tracker.tracked(), 2)
}

func TestConsumeClaim_SkipsInvalidMessages(t *testing.T) {
	run := startClaim(t, 100, time.Hour)

	run.send(t, `{"user_id":`)
	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":-1}`)
	run.send(t, `{"user_id":"u1","surface":"/checklist","minutes":1}`)

	close(run.messages)
	run.wait(t)

	events := run.tracker.tracked()
	require.Len(t, events, 1)
	assert.Equal(t, 1.0, events[0].Minutes)
	assert.Equal(t, []int64{0, 1, 2}, run.session.markedOffsets(), "invalid messages are still committed")
}
