package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of record event
type EventType string

const (
	EventPrescriptionStored EventType = "PrescriptionStored"
	EventDoseMarkedTaken    EventType = "DoseMarkedTaken"
	EventSnapshotChanged    EventType = "SnapshotChanged"
)

// Event represents a change to a patient record
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int64           `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event for a patient record
func NewEvent(patientID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   patientID,
		AggregateType: "PatientRecord",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionStoredData contains prescription upsert details
type PrescriptionStoredData struct {
	PatientID      string `json:"patient_id"`
	PrescriptionID string `json:"prescription_id"`
	Medicines      int    `json:"medicines"`
}

// DoseMarkedTakenData contains the marked dose
type DoseMarkedTakenData struct {
	Dose     DoseRef   `json:"dose"`
	MarkedAt time.Time `json:"marked_at"`
}

// SnapshotChangedData notifies subscribers that a new snapshot is available
type SnapshotChangedData struct {
	PatientID string `json:"patient_id"`
	Version   int64  `json:"version"`
}
