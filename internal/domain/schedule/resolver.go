package schedule

import (
	"errors"
	"time"
)

// Status classifies a dose occurrence
type Status string

const (
	StatusTaken    Status = "Taken"
	StatusUpcoming Status = "Upcoming"
	StatusMissed   Status = "Missed"
)

// DoseOccurrence is one scheduled administration of one medicine on the
// resolved day. It is derived on every resolution and never stored.
type DoseOccurrence struct {
	PrescriptionID string    `json:"prescription_id"`
	MedicineIndex  int       `json:"medicine_index"`
	DayIndex       int       `json:"day_index"`
	TimeIndex      int       `json:"time_index"`
	Slot           Slot      `json:"slot"`
	Hour           int       `json:"hour"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	MedicineName   string    `json:"medicine_name"`
	Dosage         string    `json:"dosage"`
	Consumption    string    `json:"consumption"`
	Instructions   string    `json:"instructions,omitempty"`
	Doctor         string    `json:"doctor"`
	Hospital       string    `json:"hospital"`
	Status         Status    `json:"status"`
}

// Counts holds the partition sizes of a day's doses by status
type Counts struct {
	Taken    int `json:"taken"`
	Upcoming int `json:"upcoming"`
	Missed   int `json:"missed"`
}

// Total returns the number of counted doses
func (c Counts) Total() int { return c.Taken + c.Upcoming + c.Missed }

// FollowUp is a follow-up visit flagged on a prescription
type FollowUp struct {
	PrescriptionID string    `json:"prescription_id"`
	Date           time.Time `json:"date"`
	Doctor         string    `json:"doctor"`
	Hospital       string    `json:"hospital"`
}

// ResolvedDay is the derived schedule for one calendar day
type ResolvedDay struct {
	Date      time.Time        `json:"date"`
	Doses     []DoseOccurrence `json:"doses"`
	Counts    Counts           `json:"counts"`
	FollowUps []FollowUp       `json:"follow_ups"`
	Missed    []DoseOccurrence `json:"missed"`

	// Diagnostics lists records that were skipped. They never fail the
	// resolution as a whole.
	Diagnostics []error `json:"-"`
}

// Err joins the diagnostics into a single error, or nil
func (d ResolvedDay) Err() error {
	return errors.Join(d.Diagnostics...)
}

// NextUpcoming returns the earliest upcoming dose of the day
func (d ResolvedDay) NextUpcoming() (DoseOccurrence, bool) {
	var next DoseOccurrence
	found := false
	for _, dose := range d.Doses {
		if dose.Status != StatusUpcoming {
			continue
		}
		if !found || dose.ScheduledAt.Before(next.ScheduledAt) {
			next = dose
			found = true
		}
	}
	return next, found
}

// EmptyDay returns a resolved day with no doses
func EmptyDay(date time.Time) ResolvedDay {
	return ResolvedDay{
		Date:      date,
		Doses:     []DoseOccurrence{},
		FollowUps: []FollowUp{},
		Missed:    []DoseOccurrence{},
	}
}

// Classify decides the status of a single dose. A taken dose is Taken
// regardless of the time comparison.
func Classify(taken bool, scheduledAt, now time.Time) Status {
	switch {
	case taken:
		return StatusTaken
	case scheduledAt.Before(now):
		return StatusMissed
	default:
		return StatusUpcoming
	}
}

// Resolver derives daily schedules. Calendar days are evaluated in
// Location; a nil Location means time.Local.
type Resolver struct {
	Location *time.Location
}

// NewResolver creates a resolver for the given location
func NewResolver(loc *time.Location) *Resolver {
	return &Resolver{Location: loc}
}

// Resolve derives the schedule for targetDate with a resolver in time.Local
func Resolve(prescriptions []Prescription, targetDate, now time.Time) ResolvedDay {
	return (&Resolver{}).Resolve(prescriptions, targetDate, now)
}

func (r *Resolver) location() *time.Location {
	if r == nil || r.Location == nil {
		return time.Local
	}
	return r.Location
}

// Resolve derives the doses due on targetDate and classifies them against
// now. It does not modify prescriptions. Medicines with malformed start
// dates are skipped and reported in Diagnostics.
func (r *Resolver) Resolve(prescriptions []Prescription, targetDate, now time.Time) ResolvedDay {
	loc := r.location()
	target := Midnight(targetDate, loc)
	day := EmptyDay(target)

	for pi := range prescriptions {
		p := &prescriptions[pi]
		for mi := range p.Medicines {
			r.resolveMedicine(p, mi, target, now, &day)
		}
		r.resolveFollowUp(p, &day)
	}

	for _, dose := range day.Doses {
		switch dose.Status {
		case StatusTaken:
			day.Counts.Taken++
		case StatusUpcoming:
			day.Counts.Upcoming++
		case StatusMissed:
			day.Counts.Missed++
			day.Missed = append(day.Missed, dose)
		}
	}

	return day
}

func (r *Resolver) resolveMedicine(p *Prescription, mi int, target, now time.Time, day *ResolvedDay) {
	loc := r.location()
	m := &p.Medicines[mi]

	start, err := ParseDate(m.StartDate, loc)
	if err != nil {
		day.Diagnostics = append(day.Diagnostics, &MalformedDateError{
			PrescriptionID: p.ID,
			MedicineIndex:  mi,
			MedicineName:   m.MedicineName,
			Field:          "startDate",
			Value:          m.StartDate,
			Err:            errors.Unwrap(err),
		})
		return
	}

	dayIndex := DaysBetween(start, target)
	if dayIndex < 0 || dayIndex >= int(m.Duration) {
		return
	}

	y, mo, d := target.Date()
	for ti, label := range m.TimeOfConsumption {
		slot, ok := ParseSlot(string(label))
		if !ok {
			day.Diagnostics = append(day.Diagnostics, &UnknownSlotError{
				PrescriptionID: p.ID,
				MedicineIndex:  mi,
				TimeIndex:      ti,
				Label:          string(label),
			})
			continue
		}
		hour := slotHours[slot]
		scheduledAt := time.Date(y, mo, d, hour, 0, 0, 0, loc)

		day.Doses = append(day.Doses, DoseOccurrence{
			PrescriptionID: p.ID,
			MedicineIndex:  mi,
			DayIndex:       dayIndex,
			TimeIndex:      ti,
			Slot:           slot,
			Hour:           hour,
			ScheduledAt:    scheduledAt,
			MedicineName:   m.MedicineName,
			Dosage:         m.Dosage,
			Consumption:    m.Consumption,
			Instructions:   m.Instructions,
			Doctor:         p.Doctor,
			Hospital:       p.Hospital,
			Status:         Classify(m.Taken.IsTaken(dayIndex, ti), scheduledAt, now),
		})
	}
}

func (r *Resolver) resolveFollowUp(p *Prescription, day *ResolvedDay) {
	fu := p.FollowUpDetails
	if !fu.Required() || fu.FollowUpDate == "" {
		return
	}

	date, err := ParseDate(fu.FollowUpDate, r.location())
	if err != nil {
		day.Diagnostics = append(day.Diagnostics, &MalformedDateError{
			PrescriptionID: p.ID,
			MedicineIndex:  -1,
			Field:          "followUpDate",
			Value:          fu.FollowUpDate,
			Err:            errors.Unwrap(err),
		})
		return
	}

	day.FollowUps = append(day.FollowUps, FollowUp{
		PrescriptionID: p.ID,
		Date:           date,
		Doctor:         p.Doctor,
		Hospital:       p.Hospital,
	})
}
