// Package record defines the patient record store consumed by the schedule resolver.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
)

var (
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrMedicineNotFound     = errors.New("medicine not found")
	ErrDoseOutOfRange       = errors.New("dose index out of range")
	ErrInvalidPrescription  = errors.New("invalid prescription")
)

// StoreUnavailableError indicates that a snapshot could not be read from or
// written to the backing store
type StoreUnavailableError struct {
	PatientID string
	Op        string
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable (%s patient %s): %v", e.Op, e.PatientID, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Snapshot is the full set of prescriptions held for a patient
type Snapshot struct {
	PatientID     string                  `json:"patient_id"`
	Prescriptions []schedule.Prescription `json:"prescriptions"`
	Version       int64                   `json:"version"`
	TakenAt       time.Time               `json:"taken_at"`
}

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Prescriptions = make([]schedule.Prescription, len(s.Prescriptions))
	for i, p := range s.Prescriptions {
		out.Prescriptions[i] = p.Clone()
	}
	return out
}

// DoseRef addresses a single dose slot in the store
type DoseRef struct {
	PatientID      string `json:"patient_id"`
	PrescriptionID string `json:"prescription_id"`
	MedicineIndex  int    `json:"medicine_index"`
	DayIndex       int    `json:"day_index"`
	TimeIndex      int    `json:"time_index"`
}

func (r DoseRef) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", r.PatientID, r.PrescriptionID, r.MedicineIndex, r.DayIndex, r.TimeIndex)
}

// Store is the realtime record store keyed by patient id
type Store interface {
	// Snapshot returns the current prescriptions of a patient. An unknown
	// patient yields an empty snapshot.
	Snapshot(ctx context.Context, patientID string) (Snapshot, error)
	// PutPrescription creates or replaces a prescription.
	PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error
	// MarkTaken records a dose as administered. Repeated calls for the same
	// ref have no further effect.
	MarkTaken(ctx context.Context, ref DoseRef) error
}

// SnapshotFunc receives full snapshots on change
type SnapshotFunc func(Snapshot)

// Validate checks a prescription before it is stored
func Validate(p schedule.Prescription) error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPrescription)
	}
	for i, m := range p.Medicines {
		if m.MedicineName == "" {
			return fmt.Errorf("%w: medicine %d has no name", ErrInvalidPrescription, i)
		}
	}
	return nil
}

// Normalize returns a copy of p whose taken records only hold doses inside
// each medicine's course
func Normalize(p schedule.Prescription) schedule.Prescription {
	out := p.Clone()
	for i := range out.Medicines {
		out.Medicines[i].TrimTaken()
	}
	return out
}

// Locate finds the medicine a ref points to and checks that the day and
// time indexes fall inside its course.
func Locate(prescriptions []schedule.Prescription, ref DoseRef) (*schedule.Medicine, error) {
	for i := range prescriptions {
		p := &prescriptions[i]
		if p.ID != ref.PrescriptionID {
			continue
		}
		if ref.MedicineIndex < 0 || ref.MedicineIndex >= len(p.Medicines) {
			return nil, fmt.Errorf("%w: %s medicine %d", ErrMedicineNotFound, p.ID, ref.MedicineIndex)
		}
		m := &p.Medicines[ref.MedicineIndex]
		if !m.InCourse(ref.DayIndex, ref.TimeIndex) {
			return nil, fmt.Errorf("%w: day %d slot %d (duration %d, %d slots)",
				ErrDoseOutOfRange, ref.DayIndex, ref.TimeIndex, m.Duration, len(m.TimeOfConsumption))
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPrescriptionNotFound, ref.PrescriptionID)
}
