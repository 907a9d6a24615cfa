// Package mapper transforms FHIR R5 medication orders into schedule prescriptions.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	fhir "github.com/bhumireddy99/MediTrack/internal/fhir/r5"
)

// MappingError represents a mapping error with context
type MappingError struct {
	RequestID string
	Field     string
	Code      string
	Message   string
	Cause     error
}

func (e *MappingError) Error() string {
	prefix := e.Field
	if e.RequestID != "" {
		prefix = fmt.Sprintf("MedicationRequest/%s %s", e.RequestID, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", prefix, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}

// slotsByWhen maps FHIR event-timing codes to dosing slots
var slotsByWhen = map[string]schedule.Slot{
	"MORN":       schedule.SlotMorning,
	"MORN.early": schedule.SlotMorning,
	"MORN.late":  schedule.SlotMorning,
	"WAKE":       schedule.SlotMorning,
	"CM":         schedule.SlotMorning,
	"ACM":        schedule.SlotMorning,
	"PCM":        schedule.SlotMorning,
	"NOON":       schedule.SlotAfternoon,
	"AFT":        schedule.SlotAfternoon,
	"AFT.early":  schedule.SlotAfternoon,
	"AFT.late":   schedule.SlotAfternoon,
	"CD":         schedule.SlotAfternoon,
	"ACD":        schedule.SlotAfternoon,
	"PCD":        schedule.SlotAfternoon,
	"EVE":        schedule.SlotNight,
	"EVE.early":  schedule.SlotNight,
	"EVE.late":   schedule.SlotNight,
	"NIGHT":      schedule.SlotNight,
	"PHS":        schedule.SlotNight,
	"HS":         schedule.SlotNight,
	"CV":         schedule.SlotNight,
	"ACV":        schedule.SlotNight,
	"PCV":        schedule.SlotNight,
}

// slotsByFrequency is used when a daily frequency is given without times
var slotsByFrequency = map[int][]schedule.Slot{
	1: {schedule.SlotMorning},
	2: {schedule.SlotMorning, schedule.SlotNight},
	3: {schedule.SlotMorning, schedule.SlotAfternoon, schedule.SlotNight},
}

// MedicationRequestToMedicine maps one MedicationRequest to a medicine
// course. Dates are normalized to YYYY-MM-DD in loc; a nil loc means
// time.Local.
func MedicationRequestToMedicine(mr *fhir.MedicationRequest, loc *time.Location) (schedule.Medicine, error) {
	if mr == nil {
		return schedule.Medicine{}, &MappingError{Field: "MedicationRequest", Code: "NULL_INPUT", Message: "medication request is required"}
	}
	fail := func(field, code, msg string, cause error) (schedule.Medicine, error) {
		return schedule.Medicine{}, &MappingError{RequestID: mr.ID, Field: field, Code: code, Message: msg, Cause: cause}
	}

	name := mr.GetMedicationDisplay()
	if name == "" {
		return fail("medication", "MISSING_MEDICATION", "medication display name is required", nil)
	}
	if len(mr.DosageInstruction) == 0 {
		return fail("dosageInstruction", "MISSING_DOSAGE", "at least one dosage instruction is required", nil)
	}
	dosage := mr.DosageInstruction[0]

	var repeat *fhir.TimingRepeat
	if dosage.Timing != nil {
		repeat = dosage.Timing.Repeat
	}

	start, err := startDate(mr, repeat, loc)
	if err != nil {
		return fail("timing.repeat.boundsPeriod.start", "INVALID_START", "no usable start date", err)
	}

	days, err := courseLength(mr, repeat, start, loc)
	if err != nil {
		return fail("timing.repeat.boundsDuration", "INVALID_DURATION", err.Error(), nil)
	}

	slots, err := dosingSlots(dosage.Timing)
	if err != nil {
		return fail("timing.repeat", "INVALID_TIMING", err.Error(), nil)
	}

	return schedule.Medicine{
		MedicineName:      name,
		Dosage:            doseText(dosage),
		Consumption:       dosage.Route.Display(),
		Instructions:      instructions(mr, dosage),
		StartDate:         start.Format("2006-01-02"),
		Duration:          schedule.Days(days),
		TimeOfConsumption: slots,
	}, nil
}

func startDate(mr *fhir.MedicationRequest, repeat *fhir.TimingRepeat, loc *time.Location) (time.Time, error) {
	value := mr.AuthoredOn
	if repeat != nil && repeat.BoundsPeriod != nil && repeat.BoundsPeriod.Start != "" {
		value = repeat.BoundsPeriod.Start
	}
	if value == "" {
		return time.Time{}, fmt.Errorf("neither boundsPeriod.start nor authoredOn is set")
	}
	return schedule.ParseDate(value, loc)
}

// courseLength returns the course length in days, inclusive of the start day
func courseLength(mr *fhir.MedicationRequest, repeat *fhir.TimingRepeat, start time.Time, loc *time.Location) (int, error) {
	if repeat != nil && repeat.BoundsDuration != nil {
		return durationDays(repeat.BoundsDuration)
	}
	if repeat != nil && repeat.BoundsPeriod != nil && repeat.BoundsPeriod.End != "" {
		end, err := schedule.ParseDate(repeat.BoundsPeriod.End, loc)
		if err != nil {
			return 0, fmt.Errorf("invalid boundsPeriod.end %q", repeat.BoundsPeriod.End)
		}
		days := schedule.DaysBetween(start, end) + 1
		if days <= 0 {
			return 0, fmt.Errorf("boundsPeriod ends before it starts")
		}
		return days, nil
	}
	if mr.DispenseRequest != nil && mr.DispenseRequest.ExpectedSupplyDuration != nil {
		return durationDays(mr.DispenseRequest.ExpectedSupplyDuration)
	}
	return 0, fmt.Errorf("no course length: set boundsDuration, boundsPeriod.end or expectedSupplyDuration")
}

func durationDays(d *fhir.Duration) (int, error) {
	unit := d.Code
	if unit == "" {
		unit = d.Unit
	}
	var days float64
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "d", "day", "days", "":
		days = d.Value
	case "wk", "week", "weeks":
		days = d.Value * 7
	default:
		return 0, fmt.Errorf("unsupported duration unit %q", unit)
	}
	if days <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %v", d.Value)
	}
	return int(math.Ceil(days)), nil
}

// dosingSlots derives the ordered slots from when codes, then times of
// day, then a daily frequency
func dosingSlots(timing *fhir.Timing) ([]schedule.Slot, error) {
	if timing == nil || timing.Repeat == nil {
		return nil, fmt.Errorf("timing.repeat is required")
	}
	repeat := timing.Repeat

	seen := make(map[schedule.Slot]bool)
	for _, code := range repeat.When {
		if slot, ok := slotsByWhen[strings.TrimSpace(code)]; ok {
			seen[slot] = true
		}
	}
	for _, tod := range repeat.TimeOfDay {
		if slot, ok := slotForTime(tod); ok {
			seen[slot] = true
		}
	}
	if len(seen) > 0 {
		out := make([]schedule.Slot, 0, len(seen))
		for _, s := range schedule.Slots {
			if seen[s] {
				out = append(out, s)
			}
		}
		return out, nil
	}

	if repeat.PeriodUnit != "" && (repeat.PeriodUnit != "d" || repeat.Period > 1) {
		return nil, fmt.Errorf("only daily schedules are supported, got every %v %s", repeat.Period, repeat.PeriodUnit)
	}
	if slots, ok := slotsByFrequency[repeat.Frequency]; ok {
		return append([]schedule.Slot(nil), slots...), nil
	}
	return nil, fmt.Errorf("cannot place %d daily doses into dosing slots", repeat.Frequency)
}

// slotForTime buckets an hh:mm:ss time of day
func slotForTime(tod string) (schedule.Slot, bool) {
	hour, err := strconv.Atoi(strings.SplitN(strings.TrimSpace(tod), ":", 2)[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", false
	}
	switch {
	case hour < 12:
		return schedule.SlotMorning, true
	case hour < 17:
		return schedule.SlotAfternoon, true
	default:
		return schedule.SlotNight, true
	}
}

func doseText(d fhir.Dosage) string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			value := strconv.FormatFloat(q.Value, 'f', -1, 64)
			unit := q.Unit
			if unit == "" {
				unit = q.Code
			}
			return strings.TrimSpace(value + " " + unit)
		}
	}
	return ""
}

func instructions(mr *fhir.MedicationRequest, d fhir.Dosage) string {
	if d.PatientInstruction != "" {
		return d.PatientInstruction
	}
	if d.Text != "" {
		return d.Text
	}
	var parts []string
	for i := range d.AdditionalInstruction {
		if text := d.AdditionalInstruction[i].Display(); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	return mr.GetSigText()
}
