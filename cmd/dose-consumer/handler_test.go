package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/reminder"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
	"github.com/bhumireddy99/MediTrack/pkg/idempotency"
)

// memoryInbox remembers finished keys like the postgres inbox does
type memoryInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (i *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if res, ok := i.finished[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	if i.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	res, err := fn(ctx, payload)
	if err != nil {
		if reminder.IsRejection(err) {
			i.failed[key] = true
		}
		return nil, err
	}
	i.finished[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type countingMarker struct {
	calls int
	errs  []error
}

func (m *countingMarker) MarkTaken(ctx context.Context, ref record.DoseRef) error {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

type capturePublisher struct {
	topics []string
	values [][]byte
}

func (p *capturePublisher) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func newHandler(marker *countingMarker, dlq *capturePublisher) *commandHandler {
	return &commandHandler{
		marker:      marker,
		inbox:       newMemoryInbox(),
		deadLetters: dlq,
		logger:      zap.NewNop(),
		maxAttempts: 3,
	}
}

func command(t *testing.T, ref record.DoseRef) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseCommands, Key: []byte(ref.PatientID), Value: value}
}

func TestRedeliveredCommandAppliesOnce(t *testing.T) {
	marker := &countingMarker{}
	dlq := &capturePublisher{}
	h := newHandler(marker, dlq)

	msg := command(t, record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", DayIndex: 2})
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if marker.calls != 1 {
		t.Errorf("MarkTaken called %d times, want 1", marker.calls)
	}
	if len(dlq.topics) != 0 {
		t.Errorf("unexpected dead letters: %v", dlq.topics)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	marker := &countingMarker{errs: []error{&record.StoreUnavailableError{Err: errors.New("timeout")}}}
	dlq := &capturePublisher{}
	h := newHandler(marker, dlq)

	if err := h.Handle(context.Background(), command(t, record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if marker.calls != 2 || len(dlq.topics) != 0 {
		t.Errorf("calls = %d, dead letters = %d", marker.calls, len(dlq.topics))
	}
}

func TestRejectedCommandsAreDeadLettered(t *testing.T) {
	tests := []struct {
		name  string
		msg   func(t *testing.T) *redpanda.ConsumedMessage
		errs  []error
		calls int
	}{
		{
			name: "out of range",
			msg: func(t *testing.T) *redpanda.ConsumedMessage {
				return command(t, record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", DayIndex: 99})
			},
			errs:  []error{record.ErrDoseOutOfRange},
			calls: 1,
		},
		{
			name: "malformed",
			msg: func(t *testing.T) *redpanda.ConsumedMessage {
				return &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseCommands, Value: []byte("{")}
			},
		},
		{
			name: "missing ids",
			msg: func(t *testing.T) *redpanda.ConsumedMessage {
				return command(t, record.DoseRef{DayIndex: 1})
			},
		},
		{
			name: "store never recovers",
			msg: func(t *testing.T) *redpanda.ConsumedMessage {
				return command(t, record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1"})
			},
			errs:  []error{errors.New("down"), errors.New("down"), errors.New("down")},
			calls: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			marker := &countingMarker{errs: tt.errs}
			dlq := &capturePublisher{}
			h := newHandler(marker, dlq)

			if err := h.Handle(context.Background(), tt.msg(t)); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if marker.calls != tt.calls {
				t.Errorf("calls = %d, want %d", marker.calls, tt.calls)
			}
			if len(dlq.topics) != 1 || dlq.topics[0] != redpanda.TopicDeadLetter {
				t.Fatalf("dead letters = %v", dlq.topics)
			}
			var rejected rejectedCommand
			if err := json.Unmarshal(dlq.values[0], &rejected); err != nil || rejected.Error == "" {
				t.Errorf("dead letter = %s (%v)", dlq.values[0], err)
			}
		})
	}
}

// racingInbox reports that another delivery claimed the key first
type racingInbox struct{}

func (racingInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	return nil, idempotency.ErrDuplicateMessage
}

func TestConcurrentDuplicateIsAcknowledged(t *testing.T) {
	marker := &countingMarker{}
	dlq := &capturePublisher{}
	h := newHandler(marker, dlq)
	h.inbox = racingInbox{}

	if err := h.Handle(context.Background(), command(t, record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if marker.calls != 0 || len(dlq.topics) != 0 {
		t.Errorf("duplicate was re-applied (%d calls) or dead-lettered (%v)", marker.calls, dlq.topics)
	}
}
