package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/pkg/workerpool"
)

// watchState tracks re-resolution of one patient. While a task is queued
// or running, further notifications only set dirty, and the running task
// resolves once more before it finishes.
type watchState struct {
	pending bool
	dirty   bool
	// snap is the most recent pushed snapshot, nil when the store has to
	// be read
	snap *record.Snapshot
	// version of the newest snapshot seen; older pushes are dropped
	version int64
}

// Watcher keeps the latest resolved day per patient up to date as
// snapshot notifications arrive
type Watcher struct {
	service *Service
	pool    *workerpool.Pool
	logger  *zap.Logger

	mu     sync.Mutex
	states map[string]*watchState
	latest map[string]schedule.ResolvedDay
	hooks  []func(patientID string, day schedule.ResolvedDay)
}

// NewWatcher creates a watcher running re-resolution on a worker pool
func NewWatcher(service *Service, cfg workerpool.Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		service: service,
		logger:  logger,
		states:  make(map[string]*watchState),
		latest:  make(map[string]schedule.ResolvedDay),
	}

	pool, err := workerpool.New(cfg, w.resolveTask, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start launches the workers
func (w *Watcher) Start() {
	w.pool.Start()
}

// Stop waits for queued re-resolutions
func (w *Watcher) Stop() error {
	return w.pool.Stop()
}

// OnUpdate registers fn to be called with every newly resolved day. Must
// be called before Start.
func (w *Watcher) OnUpdate(fn func(patientID string, day schedule.ResolvedDay)) {
	w.hooks = append(w.hooks, fn)
}

// OnSnapshot accepts a full snapshot pushed by the store. It matches
// record.SnapshotFunc.
func (w *Watcher) OnSnapshot(snap record.Snapshot) {
	s := snap
	w.enqueue(snap.PatientID, &s)
}

// Notify schedules a re-resolution that reads the store
func (w *Watcher) Notify(patientID string) {
	w.enqueue(patientID, nil)
}

// HandleEvent accepts a SnapshotChanged event as published on the
// patient.snapshots topic. Other event types are ignored.
func (w *Watcher) HandleEvent(payload []byte) error {
	var ev record.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("invalid snapshot notification: %w", err)
	}
	if ev.EventType != record.EventSnapshotChanged {
		return nil
	}
	var data record.SnapshotChangedData
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		return fmt.Errorf("invalid snapshot notification data: %w", err)
	}
	patientID := data.PatientID
	if patientID == "" {
		patientID = ev.AggregateID
	}
	if patientID == "" {
		return fmt.Errorf("snapshot notification %s has no patient id", ev.ID)
	}
	w.Notify(patientID)
	return nil
}

// Healthy reports whether the refresh queue has headroom
func (w *Watcher) Healthy() bool {
	return w.pool.IsHealthy()
}

// Latest returns the last resolved day for a patient
func (w *Watcher) Latest(patientID string) (schedule.ResolvedDay, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	day, ok := w.latest[patientID]
	return day, ok
}

func (w *Watcher) enqueue(patientID string, snap *record.Snapshot) {
	w.mu.Lock()
	st, ok := w.states[patientID]
	if !ok {
		st = &watchState{}
		w.states[patientID] = st
	}
	if snap != nil {
		if snap.Version < st.version {
			w.mu.Unlock()
			return
		}
		st.version = snap.Version
		st.snap = snap
	}
	if st.pending {
		st.dirty = true
		w.mu.Unlock()
		return
	}
	st.pending = true
	w.mu.Unlock()

	if err := w.pool.Submit(&workerpool.Task{ID: patientID, Payload: patientID}); err != nil {
		w.mu.Lock()
		st.pending = false
		w.mu.Unlock()
		w.logger.Warn("dropping schedule refresh",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
	w.observeQueue()
}

func (w *Watcher) resolveTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	patientID := task.Payload.(string)

	for {
		w.mu.Lock()
		st := w.states[patientID]
		snap := st.snap
		st.snap = nil
		st.dirty = false
		w.mu.Unlock()

		var day schedule.ResolvedDay
		if snap != nil {
			day = w.service.ResolveSnapshot(*snap, w.service.Now())
		} else {
			var err error
			day, err = w.service.Today(ctx, patientID)
			if err != nil {
				w.mu.Lock()
				st.pending = false
				w.mu.Unlock()
				return &workerpool.Result{TaskID: task.ID, Error: err}
			}
		}

		w.mu.Lock()
		w.latest[patientID] = day
		again := st.dirty
		if !again {
			st.pending = false
		}
		w.mu.Unlock()

		for _, fn := range w.hooks {
			fn(patientID, day)
		}

		if !again {
			w.observeQueue()
			return &workerpool.Result{TaskID: task.ID, Success: true, Data: day}
		}
	}
}

func (w *Watcher) observeQueue() {
	if w.service.metrics != nil {
		w.service.metrics.WatcherQueueDepth.Set(float64(w.pool.Stats().QueueDepth))
	}
}
