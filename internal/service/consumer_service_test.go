package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	"github.com/noah-isme/sits-bridge-api/pkg/queue"
)

type mockReceiver struct {
	name     string
	batches  [][]queue.Message
	err      error
	receives int
	deleted  []string
}

func (m *mockReceiver) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]queue.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.receives >= len(m.batches) {
		return nil, nil
	}
	batch := m.batches[m.receives]
	m.receives++
	return batch, nil
}

func (m *mockReceiver) Delete(ctx context.Context, receiptHandle string) error {
	m.deleted = append(m.deleted, receiptHandle)
	return nil
}

func (m *mockReceiver) Name() string { return m.name }

type mockQueueHandler struct {
	rows    map[string][]models.ProcessingLog
	errs    map[string]error
	handled []string
}

func (m *mockQueueHandler) Handle(ctx context.Context, body string) ([]models.ProcessingLog, error) {
	m.handled = append(m.handled, body)
	return m.rows[body], m.errs[body]
}

type mockPlogStore struct {
	processed map[string]bool
	inserted  []models.ProcessingLog
}

func (m *mockPlogStore) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	return m.processed[messageID], nil
}

func (m *mockPlogStore) Insert(ctx context.Context, log *models.ProcessingLog) error {
	m.inserted = append(m.inserted, *log)
	return nil
}

func consumerConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxReceive:        10,
		VisibilityTimeout: 30 * time.Second,
		WaitTime:          0,
		MaxBatches:        10,
		MaxMessages:       100,
		MaxRunTime:        time.Minute,
	}
}

func msg(id, body string) queue.Message {
	return queue.Message{ID: id, Body: body, ReceiptHandle: "rh-" + id}
}

func TestConsumerDeletesProcessedMessages(t *testing.T) {
	handler := &mockQueueHandler{
		rows: map[string][]models.ProcessingLog{
			"a": {{StudentCode: "1", Status: models.QueueOutcomeProcessed}},
		},
	}
	receiver := &mockReceiver{name: "sora", batches: [][]queue.Message{{msg("m1", "a")}}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, consumerConfig(), nil)
	require.NoError(t, svc.Execute(context.Background()))

	assert.Equal(t, []string{"rh-m1"}, receiver.deleted)
	require.Len(t, plog.inserted, 1)
	assert.Equal(t, "m1", plog.inserted[0].MessageID)
	assert.Equal(t, "sora", plog.inserted[0].QueueName)
}

func TestConsumerSkipsDuplicates(t *testing.T) {
	handler := &mockQueueHandler{}
	receiver := &mockReceiver{name: "sora", batches: [][]queue.Message{{msg("m1", "a")}}}
	plog := &mockPlogStore{processed: map[string]bool{"m1": true}}

	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, consumerConfig(), nil)
	require.NoError(t, svc.Execute(context.Background()))

	assert.Empty(t, handler.handled)
	assert.Equal(t, []string{"rh-m1"}, receiver.deleted)
	assert.Empty(t, plog.inserted)
}

func TestConsumerLeavesFailedMessagesOnQueue(t *testing.T) {
	handler := &mockQueueHandler{
		rows: map[string][]models.ProcessingLog{
			"bad":  {{Status: models.QueueOutcomeFailed, Reason: "boom"}},
			"good": {{Status: models.QueueOutcomeProcessed}},
		},
		errs: map[string]error{"bad": fmt.Errorf("boom")},
	}
	receiver := &mockReceiver{name: "ec", batches: [][]queue.Message{{msg("m1", "bad"), msg("m2", "good")}}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, consumerConfig(), nil)
	require.NoError(t, svc.Execute(context.Background()))

	// The failure is logged but never deletes the message or stops the batch.
	assert.Equal(t, []string{"rh-m2"}, receiver.deleted)
	assert.Len(t, plog.inserted, 2)
	assert.Equal(t, []string{"bad", "good"}, handler.handled)
}

func TestConsumerHonoursMessageCeiling(t *testing.T) {
	handler := &mockQueueHandler{
		rows: map[string][]models.ProcessingLog{"a": {{Status: models.QueueOutcomeProcessed}}},
	}
	receiver := &mockReceiver{name: "sora", batches: [][]queue.Message{
		{msg("m1", "a"), msg("m2", "a"), msg("m3", "a")},
		{msg("m4", "a")},
	}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	cfg := consumerConfig()
	cfg.MaxMessages = 2
	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, cfg, nil)
	require.NoError(t, svc.Execute(context.Background()))

	assert.Len(t, handler.handled, 2)
	assert.Equal(t, 1, receiver.receives)
}

func TestConsumerHonoursBatchCeiling(t *testing.T) {
	handler := &mockQueueHandler{
		rows: map[string][]models.ProcessingLog{"a": {{Status: models.QueueOutcomeProcessed}}},
	}
	receiver := &mockReceiver{name: "sora", batches: [][]queue.Message{
		{msg("m1", "a")}, {msg("m2", "a")}, {msg("m3", "a")},
	}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	cfg := consumerConfig()
	cfg.MaxBatches = 2
	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, cfg, nil)
	require.NoError(t, svc.Execute(context.Background()))

	assert.Equal(t, 2, receiver.receives)
	assert.Len(t, handler.handled, 2)
}

func TestConsumerDrainsEverySource(t *testing.T) {
	handler := &mockQueueHandler{
		rows: map[string][]models.ProcessingLog{"a": {{Status: models.QueueOutcomeProcessed}}},
	}
	sora := &mockReceiver{name: "sora", batches: [][]queue.Message{{msg("m1", "a")}}}
	ec := &mockReceiver{name: "ec", batches: [][]queue.Message{{msg("m2", "a")}}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	svc := NewConsumerService([]ConsumerSource{
		{Receiver: sora, Handler: handler},
		{Receiver: ec, Handler: handler},
	}, plog, nil, consumerConfig(), nil)
	require.NoError(t, svc.Execute(context.Background()))

	require.Len(t, plog.inserted, 2)
	assert.Equal(t, "sora", plog.inserted[0].QueueName)
	assert.Equal(t, "ec", plog.inserted[1].QueueName)
}

func TestConsumerReceiveFailureEndsRun(t *testing.T) {
	handler := &mockQueueHandler{}
	receiver := &mockReceiver{name: "sora", err: fmt.Errorf("queue unreachable")}
	plog := &mockPlogStore{processed: map[string]bool{}}

	// A failed receive is a top-level error; it must surface so the
	// scheduler can alert instead of reporting a clean run.
	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, consumerConfig(), nil)
	err := svc.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue unreachable")
	assert.Empty(t, handler.handled)
}

func TestConsumerStopsOnCancelledContext(t *testing.T) {
	handler := &mockQueueHandler{}
	receiver := &mockReceiver{name: "sora", batches: [][]queue.Message{{msg("m1", "a")}}}
	plog := &mockPlogStore{processed: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewConsumerService([]ConsumerSource{{Receiver: receiver, Handler: handler}}, plog, nil, consumerConfig(), nil)
	require.Error(t, svc.Execute(ctx))
	assert.Empty(t, handler.handled)
}
