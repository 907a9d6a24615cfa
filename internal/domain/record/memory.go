package record

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
)

// MemoryStore is an in-process Store that pushes full snapshots to
// subscribers on every change
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Snapshot
	subs     map[string]map[int]SnapshotFunc
	nextSub  int
	logger   *zap.Logger
	clock    func() time.Time
	events   []*Event
	maxEvent int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records:  make(map[string]*Snapshot),
		subs:     make(map[string]map[int]SnapshotFunc),
		logger:   logger,
		clock:    time.Now,
		maxEvent: 1000,
	}
}

// Snapshot returns a deep copy of the patient's snapshot
func (s *MemoryStore) Snapshot(ctx context.Context, patientID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, &StoreUnavailableError{PatientID: patientID, Op: "snapshot", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[patientID]
	if !ok {
		return Snapshot{PatientID: patientID, Prescriptions: []schedule.Prescription{}, TakenAt: s.clock()}, nil
	}
	out := rec.Clone()
	out.TakenAt = s.clock()
	return out, nil
}

// PutPrescription creates or replaces a prescription by id. Taken entries
// outside a medicine's course are dropped.
func (s *MemoryStore) PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error {
	if err := ctx.Err(); err != nil {
		return &StoreUnavailableError{PatientID: patientID, Op: "put", Err: err}
	}
	if err := Validate(p); err != nil {
		return err
	}

	stored := Normalize(p)

	s.mu.Lock()
	rec := s.recordLocked(patientID)
	replaced := false
	for i := range rec.Prescriptions {
		if rec.Prescriptions[i].ID == p.ID {
			rec.Prescriptions[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Prescriptions = append(rec.Prescriptions, stored)
	}
	rec.Version++
	s.appendEventLocked(patientID, EventPrescriptionStored, &PrescriptionStoredData{
		PatientID:      patientID,
		PrescriptionID: p.ID,
		Medicines:      len(p.Medicines),
	})
	snap, subs := s.publishLocked(patientID)
	s.mu.Unlock()

	s.notify(snap, subs)
	return nil
}

// MarkTaken sets taken[day][slot] for the referenced medicine. Only the
// first call for a ref changes state and notifies subscribers.
func (s *MemoryStore) MarkTaken(ctx context.Context, ref DoseRef) error {
	if err := ctx.Err(); err != nil {
		return &StoreUnavailableError{PatientID: ref.PatientID, Op: "mark_taken", Err: err}
	}

	s.mu.Lock()
	rec, ok := s.records[ref.PatientID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPrescriptionNotFound, ref.PrescriptionID)
	}
	m, err := Locate(rec.Prescriptions, ref)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if m.Taken.IsTaken(ref.DayIndex, ref.TimeIndex) {
		s.mu.Unlock()
		return nil
	}

	m.Taken = m.Taken.With(ref.DayIndex, ref.TimeIndex)
	rec.Version++
	s.appendEventLocked(ref.PatientID, EventDoseMarkedTaken, &DoseMarkedTakenData{Dose: ref, MarkedAt: s.clock().UTC()})
	snap, subs := s.publishLocked(ref.PatientID)
	s.mu.Unlock()

	s.logger.Debug("dose marked taken", zap.String("dose", ref.String()))
	s.notify(snap, subs)
	return nil
}

// Subscribe registers fn for full-snapshot updates of a patient. The
// returned function cancels the subscription.
func (s *MemoryStore) Subscribe(patientID string, fn SnapshotFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[patientID] == nil {
		s.subs[patientID] = make(map[int]SnapshotFunc)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[patientID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[patientID], id)
	}
}

// Events returns the most recent record events
func (s *MemoryStore) Events() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Event(nil), s.events...)
}

func (s *MemoryStore) recordLocked(patientID string) *Snapshot {
	rec, ok := s.records[patientID]
	if !ok {
		rec = &Snapshot{PatientID: patientID}
		s.records[patientID] = rec
	}
	return rec
}

func (s *MemoryStore) appendEventLocked(patientID string, eventType EventType, data interface{}) {
	event, err := NewEvent(patientID, eventType, data)
	if err != nil {
		s.logger.Error("event encoding failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	event.Version = s.records[patientID].Version
	s.events = append(s.events, event)
	if len(s.events) > s.maxEvent {
		s.events = s.events[len(s.events)-s.maxEvent:]
	}
}

func (s *MemoryStore) publishLocked(patientID string) (Snapshot, []SnapshotFunc) {
	snap := s.records[patientID].Clone()
	snap.TakenAt = s.clock()
	subs := make([]SnapshotFunc, 0, len(s.subs[patientID]))
	for _, fn := range s.subs[patientID] {
		subs = append(subs, fn)
	}
	return snap, subs
}

// notify runs outside the lock so subscribers may call back into the store
func (s *MemoryStore) notify(snap Snapshot, subs []SnapshotFunc) {
	for _, fn := range subs {
		fn(snap.Clone())
	}
}
