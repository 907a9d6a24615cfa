package record

import (
	"context"
	"errors"
	"testing"

	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
)

func testPrescription() schedule.Prescription {
	return schedule.Prescription{
		ID:     "rx-1",
		Doctor: "Dr. Rao",
		Medicines: []schedule.Medicine{{
			MedicineName:      "Paracetamol",
			StartDate:         "2025-01-10",
			Duration:          3,
			TimeOfConsumption: []schedule.Slot{schedule.SlotMorning, schedule.SlotNight},
		}},
	}
}

func TestMemoryStoreSnapshotUnknownPatient(t *testing.T) {
	s := NewMemoryStore(nil)
	snap, err := s.Snapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Prescriptions) != 0 || snap.PatientID != "nobody" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMemoryStorePutReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := testPrescription()
	if err := s.PutPrescription(ctx, "p1", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	p.Doctor = "Dr. Iyer"
	if err := s.PutPrescription(ctx, "p1", p); err != nil {
		t.Fatalf("put: %v", err)
	}

	snap, _ := s.Snapshot(ctx, "p1")
	if len(snap.Prescriptions) != 1 || snap.Prescriptions[0].Doctor != "Dr. Iyer" {
		t.Errorf("prescriptions = %+v", snap.Prescriptions)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}

	if err := s.PutPrescription(ctx, "p1", schedule.Prescription{}); !errors.Is(err, ErrInvalidPrescription) {
		t.Errorf("expected ErrInvalidPrescription, got %v", err)
	}
}

func TestMemoryStoreMarkTakenIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_ = s.PutPrescription(ctx, "p1", testPrescription())

	pushes := 0
	cancel := s.Subscribe("p1", func(Snapshot) { pushes++ })
	defer cancel()

	ref := DoseRef{PatientID: "p1", PrescriptionID: "rx-1", MedicineIndex: 0, DayIndex: 1, TimeIndex: 1}
	for i := 0; i < 2; i++ {
		if err := s.MarkTaken(ctx, ref); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}

	snap, _ := s.Snapshot(ctx, "p1")
	taken := snap.Prescriptions[0].Medicines[0].Taken
	if !taken.IsTaken(1, 1) || taken.Count() != 1 {
		t.Errorf("taken = %v", taken)
	}
	if pushes != 1 {
		t.Errorf("subscriber notified %d times, want 1", pushes)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}
}

func TestMemoryStoreMarkTakenRejects(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_ = s.PutPrescription(ctx, "p1", testPrescription())

	tests := []struct {
		name string
		ref  DoseRef
		want error
	}{
		{"unknown patient", DoseRef{PatientID: "p2", PrescriptionID: "rx-1"}, ErrPrescriptionNotFound},
		{"unknown prescription", DoseRef{PatientID: "p1", PrescriptionID: "rx-2"}, ErrPrescriptionNotFound},
		{"unknown medicine", DoseRef{PatientID: "p1", PrescriptionID: "rx-1", MedicineIndex: 4}, ErrMedicineNotFound},
		{"day equals duration", DoseRef{PatientID: "p1", PrescriptionID: "rx-1", DayIndex: 3}, ErrDoseOutOfRange},
		{"negative day", DoseRef{PatientID: "p1", PrescriptionID: "rx-1", DayIndex: -1}, ErrDoseOutOfRange},
		{"slot past end", DoseRef{PatientID: "p1", PrescriptionID: "rx-1", TimeIndex: 2}, ErrDoseOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.MarkTaken(ctx, tt.ref); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	snap, _ := s.Snapshot(ctx, "p1")
	if snap.Prescriptions[0].Medicines[0].Taken.Count() != 0 {
		t.Error("rejected marks were stored")
	}
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_ = s.PutPrescription(ctx, "p1", testPrescription())

	snap, _ := s.Snapshot(ctx, "p1")
	snap.Prescriptions[0].Medicines[0].Taken = schedule.TakenRecord{0: {0: true}}

	again, _ := s.Snapshot(ctx, "p1")
	if again.Prescriptions[0].Medicines[0].Taken.Count() != 0 {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestMemoryStoreUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	pushes := 0
	cancel := s.Subscribe("p1", func(Snapshot) { pushes++ })
	_ = s.PutPrescription(ctx, "p1", testPrescription())
	cancel()
	_ = s.MarkTaken(ctx, DoseRef{PatientID: "p1", PrescriptionID: "rx-1"})

	if pushes != 1 {
		t.Errorf("pushes = %d, want 1", pushes)
	}
	if n := len(s.Events()); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore(nil).Snapshot(ctx, "p1")
	var sue *StoreUnavailableError
	if !errors.As(err, &sue) {
		t.Errorf("expected StoreUnavailableError, got %v", err)
	}
}

func TestMemoryStorePutDropsOutOfCourseTaken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := testPrescription()
	p.Medicines[0].Taken = schedule.TakenRecord{1: {1: true}, 99: {5: true}, 0: {2: true}}
	if err := s.PutPrescription(ctx, "p1", p); err != nil {
		t.Fatalf("put: %v", err)
	}

	snap, _ := s.Snapshot(ctx, "p1")
	taken := snap.Prescriptions[0].Medicines[0].Taken
	if taken.Count() != 1 || !taken.IsTaken(1, 1) {
		t.Errorf("taken = %v, want only day 1 slot 1", taken)
	}
	if p.Medicines[0].Taken.Count() != 3 {
		t.Error("PutPrescription modified the caller's record")
	}

	ref := DoseRef{PatientID: "p1", PrescriptionID: "rx-1", DayIndex: 99, TimeIndex: 5}
	if err := s.MarkTaken(ctx, ref); !errors.Is(err, ErrDoseOutOfRange) {
		t.Errorf("mark of the dropped entry = %v, want ErrDoseOutOfRange", err)
	}
}
