package reminder

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/observability/metrics"
	"github.com/bhumireddy99/MediTrack/pkg/circuitbreaker"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func fixedClock() time.Time {
	return time.Date(2025, time.January, 12, 10, 0, 0, 0, ist)
}

func amoxicillin() schedule.Prescription {
	return schedule.Prescription{
		ID:       "rx-1",
		Doctor:   "Dr. Rao",
		Hospital: "City Hospital",
		Medicines: []schedule.Medicine{{
			MedicineName:      "Amoxicillin",
			Dosage:            "500mg",
			StartDate:         "2025-01-10",
			Duration:          5,
			TimeOfConsumption: []schedule.Slot{schedule.SlotMorning, schedule.SlotNight},
		}},
	}
}

func newTestService(t *testing.T, store record.Store, breaker *circuitbreaker.CircuitBreaker) *Service {
	t.Helper()
	return NewService(store, breaker, ServiceConfig{
		Location: ist,
		Clock:    fixedClock,
		Metrics:  metrics.NewWithRegistry(prometheus.NewRegistry()),
	}, nil)
}

// failingStore fails every call and counts them
type failingStore struct {
	calls int32
	err   error
}

func (f *failingStore) Snapshot(ctx context.Context, patientID string) (record.Snapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	return record.Snapshot{}, f.err
}

func (f *failingStore) PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func (f *failingStore) MarkTaken(ctx context.Context, ref record.DoseRef) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func TestDayResolvesStoredPrescriptions(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore(nil)
	svc := newTestService(t, store, nil)

	if err := svc.PutPrescription(ctx, "p-1", amoxicillin()); err != nil {
		t.Fatalf("put: %v", err)
	}

	day, err := svc.Today(ctx, "p-1")
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if len(day.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", day.Err())
	}
	want := schedule.Counts{Taken: 0, Upcoming: 1, Missed: 1}
	if day.Counts != want {
		t.Errorf("counts = %+v, want %+v", day.Counts, want)
	}
	if len(day.Doses) != 2 || day.Doses[0].DayIndex != 2 {
		t.Errorf("doses = %+v", day.Doses)
	}
}

func TestMarkTakenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore(nil)
	svc := newTestService(t, store, nil)
	if err := svc.PutPrescription(ctx, "p-1", amoxicillin()); err != nil {
		t.Fatalf("put: %v", err)
	}

	ref := record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", DayIndex: 2, TimeIndex: 0}
	if err := svc.MarkTaken(ctx, ref); err != nil {
		t.Fatalf("mark: %v", err)
	}
	once, _ := svc.Today(ctx, "p-1")

	if err := svc.MarkTaken(ctx, ref); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	twice, _ := svc.Today(ctx, "p-1")

	if once.Counts != twice.Counts {
		t.Errorf("counts changed on repeat: %+v vs %+v", once.Counts, twice.Counts)
	}
	if once.Counts.Taken != 1 || once.Counts.Missed != 0 {
		t.Errorf("counts = %+v", once.Counts)
	}
}

func TestMarkTakenRejectionsKeepBreakerClosed(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore(nil)

	cfg := BreakerConfig("record-store")
	cfg.FailureThreshold = 1
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	svc := newTestService(t, store, breaker)
	if err := svc.PutPrescription(ctx, "p-1", amoxicillin()); err != nil {
		t.Fatalf("put: %v", err)
	}

	tests := []struct {
		name string
		ref  record.DoseRef
		want error
	}{
		{"day past course", record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", DayIndex: 5}, record.ErrDoseOutOfRange},
		{"slot past list", record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", TimeIndex: 2}, record.ErrDoseOutOfRange},
		{"unknown medicine", record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", MedicineIndex: 3}, record.ErrMedicineNotFound},
		{"unknown prescription", record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-9"}, record.ErrPrescriptionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.MarkTaken(ctx, tt.ref); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if !breaker.IsClosed() {
		t.Errorf("rejections tripped the breaker: %s", breaker.GetState())
	}

	day, _ := svc.Today(ctx, "p-1")
	if day.Counts.Taken != 0 {
		t.Errorf("rejected marks were stored: %+v", day.Counts)
	}
}

func TestDayWithUnavailableStore(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	svc := newTestService(t, store, nil)

	day, err := svc.Day(context.Background(), "p-1", fixedClock())
	if err != nil {
		t.Fatalf("Day returned hard failure: %v", err)
	}
	if len(day.Doses) != 0 || day.Counts.Total() != 0 {
		t.Errorf("expected empty day, got %+v", day)
	}
	if !day.Date.Equal(time.Date(2025, time.January, 12, 0, 0, 0, 0, ist)) {
		t.Errorf("date = %v", day.Date)
	}

	var sue *record.StoreUnavailableError
	if len(day.Diagnostics) != 1 || !errors.As(day.Diagnostics[0], &sue) {
		t.Fatalf("diagnostics = %v", day.Diagnostics)
	}
	if sue.PatientID != "p-1" || sue.Op != "snapshot" {
		t.Errorf("store error = %+v", sue)
	}
}

func TestDayWithOpenBreaker(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	cfg := BreakerConfig("record-store")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	svc := newTestService(t, store, breaker)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		day, err := svc.Today(ctx, "p-1")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		var sue *record.StoreUnavailableError
		if !errors.As(day.Err(), &sue) {
			t.Fatalf("call %d: diagnostics = %v", i, day.Diagnostics)
		}
	}

	if got := atomic.LoadInt32(&store.calls); got != 2 {
		t.Errorf("store called %d times, want 2 before the breaker opened", got)
	}

	day, _ := svc.Today(ctx, "p-1")
	if !circuitbreaker.IsOpen(day.Err()) {
		t.Errorf("expected open breaker in diagnostics, got %v", day.Err())
	}
}

func TestDayCancelledContext(t *testing.T) {
	svc := newTestService(t, record.NewMemoryStore(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Today(ctx, "p-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestMarkOutcome(t *testing.T) {
	tests := map[string]error{
		"marked":       nil,
		"out_of_range": record.ErrDoseOutOfRange,
		"not_found":    record.ErrMedicineNotFound,
		"unavailable":  &record.StoreUnavailableError{Err: errors.New("down")},
	}
	for want, err := range tests {
		if got := markOutcome(err); got != want {
			t.Errorf("markOutcome(%v) = %s, want %s", err, got, want)
		}
	}
}
