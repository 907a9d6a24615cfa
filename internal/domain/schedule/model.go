// Package schedule derives a patient's daily medication schedule from stored prescriptions.
package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prescription represents a prescription record as held by the record store
type Prescription struct {
	ID              string           `json:"id"`
	Hospital        string           `json:"hospital"`
	Doctor          string           `json:"doctor"`
	Date            string           `json:"date,omitempty"`
	PatientInfo     PatientInfo      `json:"patientInfo"`
	FollowUpDetails *FollowUpDetails `json:"followUpDetails,omitempty"`
	Medicines       []Medicine       `json:"medicines"`
}

// PatientInfo is display-only patient metadata
type PatientInfo struct {
	Name      string `json:"name"`
	Diagnosis string `json:"diagnosis,omitempty"`
	Age       string `json:"age,omitempty"`
}

// FollowUpDetails describes an optional follow-up visit
type FollowUpDetails struct {
	FollowUpRequired string `json:"followUpRequired"`
	FollowUpDate     string `json:"followUpDate,omitempty"`
}

// Required reports whether the follow-up is flagged as required. Only the
// exact value "Yes" counts.
func (f *FollowUpDetails) Required() bool {
	return f != nil && f.FollowUpRequired == "Yes"
}

// Medicine represents one medicine course within a prescription
type Medicine struct {
	MedicineName      string      `json:"medicineName"`
	Dosage            string      `json:"dosage"`
	Consumption       string      `json:"consumption"`
	Instructions      string      `json:"instructions,omitempty"`
	StartDate         string      `json:"startDate"`
	Duration          Days        `json:"duration"`
	TimeOfConsumption []Slot      `json:"timeOfConsumption"`
	Taken             TakenRecord `json:"taken,omitempty"`
}

// EndDate returns the last calendar day of the course
func (m *Medicine) EndDate(loc *time.Location) (time.Time, error) {
	start, err := ParseDate(m.StartDate, loc)
	if err != nil {
		return time.Time{}, err
	}
	if m.Duration <= 0 {
		return start, nil
	}
	return start.AddDate(0, 0, int(m.Duration)-1), nil
}

// InCourse reports whether (day, slot) addresses a dose of the course
func (m *Medicine) InCourse(day, slot int) bool {
	return day >= 0 && day < int(m.Duration) &&
		slot >= 0 && slot < len(m.TimeOfConsumption)
}

// TrimTaken drops taken entries that fall outside the course
func (m *Medicine) TrimTaken() {
	for day, slots := range m.Taken {
		for slot := range slots {
			if !m.InCourse(day, slot) {
				delete(slots, slot)
			}
		}
		if len(slots) == 0 {
			delete(m.Taken, day)
		}
	}
}

// Frequency renders the number of daily doses, e.g. "2 times a day"
func Frequency(m *Medicine) string {
	return fmt.Sprintf("%d times a day", len(m.TimeOfConsumption))
}

// Clone returns a deep copy of the prescription
func (p Prescription) Clone() Prescription {
	out := p
	if p.FollowUpDetails != nil {
		fu := *p.FollowUpDetails
		out.FollowUpDetails = &fu
	}
	if p.Medicines != nil {
		out.Medicines = make([]Medicine, len(p.Medicines))
		for i, m := range p.Medicines {
			out.Medicines[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the medicine
func (m Medicine) Clone() Medicine {
	out := m
	if m.TimeOfConsumption != nil {
		out.TimeOfConsumption = append([]Slot(nil), m.TimeOfConsumption...)
	}
	out.Taken = m.Taken.Clone()
	return out
}

// Days is a course length in days. It decodes from a number, a numeric
// string or a string such as "7 days".
type Days int

// UnmarshalJSON implements json.Unmarshaler
func (d *Days) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = parseDays(s)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*d = 0
		return nil
	}
	*d = Days(int(f))
	return nil
}

func parseDays(s string) Days {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return Days(n)
}

// TakenRecord is the sparse dayIndex -> timeIndex -> taken record of a
// medicine. Absent entries mean "not yet marked taken".
type TakenRecord map[int]map[int]bool

// IsTaken reports whether the dose at (day, slot) has been administered
func (t TakenRecord) IsTaken(day, slot int) bool {
	return t[day][slot]
}

// With returns a copy of the record with (day, slot) marked taken
func (t TakenRecord) With(day, slot int) TakenRecord {
	out := t.Clone()
	if out == nil {
		out = make(TakenRecord)
	}
	if out[day] == nil {
		out[day] = make(map[int]bool)
	}
	out[day][slot] = true
	return out
}

// Clone returns a deep copy of the record
func (t TakenRecord) Clone() TakenRecord {
	if t == nil {
		return nil
	}
	out := make(TakenRecord, len(t))
	for day, slots := range t {
		inner := make(map[int]bool, len(slots))
		for slot, v := range slots {
			inner[slot] = v
		}
		out[day] = inner
	}
	return out
}

// Count returns the number of doses marked taken
func (t TakenRecord) Count() int {
	n := 0
	for _, slots := range t {
		for _, v := range slots {
			if v {
				n++
			}
		}
	}
	return n
}

// MarshalJSON writes the record in object form, {"0":{"1":1}}, keeping
// only taken entries.
func (t TakenRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]map[string]int, len(t))
	for day, slots := range t {
		for slot, v := range slots {
			if !v {
				continue
			}
			key := strconv.Itoa(day)
			if out[key] == nil {
				out[key] = make(map[string]int)
			}
			out[key][strconv.Itoa(slot)] = 1
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the object form keyed by day index as well as the
// array-of-arrays form taken[day][slot].
func (t *TakenRecord) UnmarshalJSON(data []byte) error {
	rec := make(TakenRecord)

	levels, err := decodeLevel(data)
	if err != nil {
		return fmt.Errorf("taken: %w", err)
	}
	for day, raw := range levels {
		slots, err := decodeLevel(raw)
		if err != nil {
			return fmt.Errorf("taken[%d]: %w", day, err)
		}
		for slot, v := range slots {
			if !takenValue(v) {
				continue
			}
			if rec[day] == nil {
				rec[day] = make(map[int]bool)
			}
			rec[day][slot] = true
		}
	}

	*t = rec
	return nil
}

// decodeLevel reads one level of the taken structure, either a JSON object
// keyed by integer strings or a JSON array indexed by position. Keys that
// are not non-negative integers are ignored.
func decodeLevel(data []byte) (map[int]json.RawMessage, error) {
	out := make(map[int]json.RawMessage)
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return out, nil
	}

	switch data[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		for i, v := range arr {
			out[i] = v
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		for k, v := range obj {
			idx, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil || idx < 0 {
				continue
			}
			out[idx] = v
		}
	}
	// scalars carry no slot information and decode as empty
	return out, nil
}

func takenValue(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "1", "true", `"1"`:
		return true
	}
	return false
}
