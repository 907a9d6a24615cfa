package schedule

import "fmt"

// MalformedDateError reports a date that could not be parsed. When it
// refers to a medicine, the medicine is excluded from the resolved day and
// the rest of the resolution continues.
type MalformedDateError struct {
	PrescriptionID string
	MedicineIndex  int
	MedicineName   string
	Field          string
	Value          string
	Err            error
}

func (e *MalformedDateError) Error() string {
	if e.PrescriptionID == "" {
		return fmt.Sprintf("malformed %s %q", e.Field, e.Value)
	}
	if e.MedicineIndex < 0 {
		return fmt.Sprintf("malformed %s %q in prescription %s", e.Field, e.Value, e.PrescriptionID)
	}
	return fmt.Sprintf("malformed %s %q for medicine %d (%s) in prescription %s",
		e.Field, e.Value, e.MedicineIndex, e.MedicineName, e.PrescriptionID)
}

func (e *MalformedDateError) Unwrap() error { return e.Err }

// UnknownSlotError reports a time-of-consumption label outside the known slots
type UnknownSlotError struct {
	PrescriptionID string
	MedicineIndex  int
	TimeIndex      int
	Label          string
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("unknown time slot %q at index %d for medicine %d in prescription %s",
		e.Label, e.TimeIndex, e.MedicineIndex, e.PrescriptionID)
}
