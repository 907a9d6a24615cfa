package schedule

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(day, hour, min int) time.Time {
	return time.Date(2025, time.January, day, hour, min, 0, 0, ist)
}

func course(taken TakenRecord) []Prescription {
	return []Prescription{{
		ID:       "rx-1",
		Doctor:   "Dr. Rao",
		Hospital: "City Hospital",
		Medicines: []Medicine{{
			MedicineName:      "Thyronorm",
			Dosage:            "50mcg",
			Consumption:       "Before food",
			StartDate:         "2025-01-10",
			Duration:          5,
			TimeOfConsumption: []Slot{SlotMorning, SlotNight},
			Taken:             taken,
		}},
	}}
}

func statuses(day ResolvedDay) []Status {
	out := make([]Status, 0, len(day.Doses))
	for _, d := range day.Doses {
		out = append(out, d.Status)
	}
	return out
}

func TestResolveScenarios(t *testing.T) {
	r := NewResolver(ist)

	tests := []struct {
		name   string
		taken  TakenRecord
		target time.Time
		now    time.Time
		want   []Status
	}{
		{
			name:   "both upcoming before first slot",
			target: at(10, 0, 0),
			now:    at(10, 8, 0),
			want:   []Status{StatusUpcoming, StatusUpcoming},
		},
		{
			name:   "morning missed after nine",
			target: at(10, 0, 0),
			now:    at(10, 10, 0),
			want:   []Status{StatusMissed, StatusUpcoming},
		},
		{
			name:   "taken overrides time comparison",
			taken:  TakenRecord{0: {0: true}},
			target: at(10, 0, 0),
			now:    at(10, 23, 0),
			want:   []Status{StatusTaken, StatusMissed},
		},
		{
			name:   "after course end",
			target: at(16, 0, 0),
			now:    at(16, 8, 0),
			want:   []Status{},
		},
		{
			name:   "first excluded day equals duration",
			target: at(15, 0, 0),
			now:    at(15, 8, 0),
			want:   []Status{},
		},
		{
			name:   "last day of course",
			target: at(14, 0, 0),
			now:    at(14, 8, 0),
			want:   []Status{StatusUpcoming, StatusUpcoming},
		},
		{
			name:   "before course start",
			target: at(9, 0, 0),
			now:    at(9, 8, 0),
			want:   []Status{},
		},
		{
			name:   "target time of day is ignored",
			target: at(10, 22, 30),
			now:    at(10, 8, 0),
			want:   []Status{StatusUpcoming, StatusUpcoming},
		},
		{
			name:   "past day entirely missed",
			target: at(11, 0, 0),
			now:    at(13, 8, 0),
			want:   []Status{StatusMissed, StatusMissed},
		},
		{
			name:   "future day entirely upcoming",
			target: at(12, 0, 0),
			now:    at(10, 23, 0),
			want:   []Status{StatusUpcoming, StatusUpcoming},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			day := r.Resolve(course(tt.taken), tt.target, tt.now)
			if got := statuses(day); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("statuses = %v, want %v", got, tt.want)
			}
			if day.Counts.Total() != len(day.Doses) {
				t.Errorf("counts %+v do not partition %d doses", day.Counts, len(day.Doses))
			}
			if len(day.Diagnostics) != 0 {
				t.Errorf("unexpected diagnostics: %v", day.Err())
			}
		})
	}
}

func TestResolveDoseFields(t *testing.T) {
	day := NewResolver(ist).Resolve(course(nil), at(12, 0, 0), at(12, 10, 0))
	if len(day.Doses) != 2 {
		t.Fatalf("expected 2 doses, got %d", len(day.Doses))
	}

	morning := day.Doses[0]
	if morning.DayIndex != 2 || morning.TimeIndex != 0 {
		t.Errorf("key = (%d,%d), want (2,0)", morning.DayIndex, morning.TimeIndex)
	}
	if !morning.ScheduledAt.Equal(at(12, 9, 0)) {
		t.Errorf("scheduled at %v, want 09:00", morning.ScheduledAt)
	}
	if morning.Slot != SlotMorning || morning.Hour != 9 {
		t.Errorf("slot = %s/%d", morning.Slot, morning.Hour)
	}
	if morning.MedicineName != "Thyronorm" || morning.Doctor != "Dr. Rao" || morning.Hospital != "City Hospital" {
		t.Errorf("display fields not carried: %+v", morning)
	}

	night := day.Doses[1]
	if night.TimeIndex != 1 || night.Hour != 21 {
		t.Errorf("night dose = %+v", night)
	}

	if len(day.Missed) != 1 || day.Missed[0].Slot != SlotMorning {
		t.Errorf("missed = %+v", day.Missed)
	}
}

func TestResolveOrdering(t *testing.T) {
	rx := []Prescription{
		{ID: "a", Medicines: []Medicine{
			{MedicineName: "A1", StartDate: "2025-01-01", Duration: 30, TimeOfConsumption: []Slot{SlotNight, SlotMorning}},
			{MedicineName: "A2", StartDate: "2025-01-01", Duration: 30, TimeOfConsumption: []Slot{SlotAfternoon}},
		}},
		{ID: "b", Medicines: []Medicine{
			{MedicineName: "A1", StartDate: "2025-01-05", Duration: 30, TimeOfConsumption: []Slot{SlotMorning}},
		}},
	}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 0, 0))

	type key struct {
		rx   string
		name string
		slot Slot
	}
	var got []key
	for _, d := range day.Doses {
		got = append(got, key{d.PrescriptionID, d.MedicineName, d.Slot})
	}
	want := []key{
		{"a", "A1", SlotNight},
		{"a", "A1", SlotMorning},
		{"a", "A2", SlotAfternoon},
		{"b", "A1", SlotMorning},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestResolveEmptyInputs(t *testing.T) {
	r := NewResolver(ist)

	day := r.Resolve(nil, at(10, 0, 0), at(10, 0, 0))
	if len(day.Doses) != 0 || day.Doses == nil {
		t.Errorf("expected empty non-nil doses, got %#v", day.Doses)
	}
	if day.Counts != (Counts{}) {
		t.Errorf("expected zero counts, got %+v", day.Counts)
	}

	rx := []Prescription{{ID: "x", Medicines: []Medicine{
		{MedicineName: "NoSlots", StartDate: "2025-01-10", Duration: 3},
		{MedicineName: "ZeroDays", StartDate: "2025-01-10", Duration: 0, TimeOfConsumption: []Slot{SlotMorning}},
	}}}
	day = r.Resolve(rx, at(10, 0, 0), at(10, 0, 0))
	if len(day.Doses) != 0 {
		t.Errorf("expected no doses, got %d", len(day.Doses))
	}
	if len(day.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", day.Err())
	}
}

func TestResolveMalformedStartDate(t *testing.T) {
	rx := []Prescription{{ID: "rx-9", Medicines: []Medicine{
		{MedicineName: "Broken", StartDate: "not a date", Duration: 5, TimeOfConsumption: []Slot{SlotMorning}},
		{MedicineName: "Fine", StartDate: "2025-01-10", Duration: 5, TimeOfConsumption: []Slot{SlotMorning}},
	}}}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 8, 0))
	if len(day.Doses) != 1 || day.Doses[0].MedicineName != "Fine" {
		t.Fatalf("expected only the well-formed medicine, got %+v", day.Doses)
	}
	if len(day.Diagnostics) != 1 {
		t.Fatalf("expected one diagnostic, got %v", day.Diagnostics)
	}

	var mde *MalformedDateError
	if !errors.As(day.Err(), &mde) {
		t.Fatalf("expected MalformedDateError, got %T", day.Diagnostics[0])
	}
	if mde.PrescriptionID != "rx-9" || mde.MedicineIndex != 0 || mde.Field != "startDate" {
		t.Errorf("diagnostic does not identify the medicine: %+v", mde)
	}
}

func TestResolveUnknownSlotKeepsIndexes(t *testing.T) {
	rx := []Prescription{{ID: "rx", Medicines: []Medicine{{
		MedicineName:      "Mixed",
		StartDate:         "2025-01-10",
		Duration:          2,
		TimeOfConsumption: []Slot{"Dawn", "night"},
		Taken:             TakenRecord{0: {1: true}},
	}}}}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 8, 0))
	if len(day.Doses) != 1 {
		t.Fatalf("expected one dose, got %d", len(day.Doses))
	}
	d := day.Doses[0]
	if d.TimeIndex != 1 || d.Slot != SlotNight || d.Status != StatusTaken {
		t.Errorf("dose = %+v", d)
	}

	var use *UnknownSlotError
	if !errors.As(day.Err(), &use) || use.Label != "Dawn" {
		t.Errorf("expected UnknownSlotError for Dawn, got %v", day.Err())
	}
}

func TestResolveFollowUps(t *testing.T) {
	rx := []Prescription{
		{ID: "yes", Doctor: "Dr. A", Hospital: "H1", FollowUpDetails: &FollowUpDetails{FollowUpRequired: "Yes", FollowUpDate: "2025-02-01"}},
		{ID: "no", Doctor: "Dr. B", Hospital: "H2", FollowUpDetails: &FollowUpDetails{FollowUpRequired: "No", FollowUpDate: "2025-02-03"}},
		{ID: "missing-date", FollowUpDetails: &FollowUpDetails{FollowUpRequired: "Yes"}},
		{ID: "none"},
		{ID: "bad", FollowUpDetails: &FollowUpDetails{FollowUpRequired: "Yes", FollowUpDate: "soon"}},
		{ID: "lower", FollowUpDetails: &FollowUpDetails{FollowUpRequired: "yes", FollowUpDate: "2025-02-05"}},
		{ID: "padded", FollowUpDetails: &FollowUpDetails{FollowUpRequired: " Yes", FollowUpDate: "2025-02-06"}},
	}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 0, 0))
	if len(day.FollowUps) != 1 {
		t.Fatalf("expected one follow-up, got %+v", day.FollowUps)
	}
	fu := day.FollowUps[0]
	if fu.PrescriptionID != "yes" || fu.Doctor != "Dr. A" || fu.Hospital != "H1" {
		t.Errorf("follow-up = %+v", fu)
	}
	if !fu.Date.Equal(time.Date(2025, time.February, 1, 0, 0, 0, 0, ist)) {
		t.Errorf("follow-up date = %v", fu.Date)
	}

	var mde *MalformedDateError
	if !errors.As(day.Err(), &mde) || mde.Field != "followUpDate" || mde.PrescriptionID != "bad" {
		t.Errorf("expected followUpDate diagnostic, got %v", day.Err())
	}
}

func TestResolveDeterministicAndPure(t *testing.T) {
	rx := course(TakenRecord{1: {0: true}})
	before := rx[0].Clone()

	r := NewResolver(ist)
	a := r.Resolve(rx, at(11, 0, 0), at(11, 12, 0))
	b := r.Resolve(rx, at(11, 0, 0), at(11, 12, 0))
	if !reflect.DeepEqual(a, b) {
		t.Errorf("resolve is not deterministic:\n%+v\n%+v", a, b)
	}
	if !reflect.DeepEqual(before, rx[0]) {
		t.Errorf("resolve mutated its input")
	}
}

func TestResolveMarkTakenIdempotent(t *testing.T) {
	base := course(nil)
	once := course(base[0].Medicines[0].Taken.With(0, 1))
	twice := course(base[0].Medicines[0].Taken.With(0, 1).With(0, 1))

	r := NewResolver(ist)
	a := r.Resolve(once, at(10, 0, 0), at(10, 22, 0))
	b := r.Resolve(twice, at(10, 0, 0), at(10, 22, 0))
	if !reflect.DeepEqual(a, b) {
		t.Errorf("marking twice changed the resolved day")
	}
	if a.Counts != (Counts{Taken: 1, Missed: 1}) {
		t.Errorf("counts = %+v", a.Counts)
	}
}

func TestResolveTimestampStartDate(t *testing.T) {
	rx := []Prescription{{ID: "ts", Medicines: []Medicine{{
		MedicineName:      "Paracetamol",
		StartDate:         "2025-01-09T20:00:00Z", // 10 Jan 01:30 in IST
		Duration:          1,
		TimeOfConsumption: []Slot{SlotAfternoon},
	}}}}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 8, 0))
	if len(day.Doses) != 1 || day.Doses[0].DayIndex != 0 {
		t.Fatalf("expected the course to start on 10 Jan local, got %+v", day.Doses)
	}
}

func TestNextUpcoming(t *testing.T) {
	rx := []Prescription{{ID: "n", Medicines: []Medicine{
		{MedicineName: "Late", StartDate: "2025-01-10", Duration: 1, TimeOfConsumption: []Slot{SlotNight}},
		{MedicineName: "Early", StartDate: "2025-01-10", Duration: 1, TimeOfConsumption: []Slot{SlotMorning, SlotAfternoon}},
	}}}

	day := NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 10, 0))
	next, ok := day.NextUpcoming()
	if !ok || next.MedicineName != "Early" || next.Slot != SlotAfternoon {
		t.Errorf("next = %+v, %v", next, ok)
	}

	day = NewResolver(ist).Resolve(rx, at(10, 0, 0), at(10, 23, 0))
	if _, ok := day.NextUpcoming(); ok {
		t.Error("expected no upcoming dose late at night")
	}
}

func TestClassify(t *testing.T) {
	now := at(10, 12, 0)
	if got := Classify(true, at(10, 9, 0), now); got != StatusTaken {
		t.Errorf("taken past = %s", got)
	}
	if got := Classify(false, at(10, 9, 0), now); got != StatusMissed {
		t.Errorf("untaken past = %s", got)
	}
	if got := Classify(false, now, now); got != StatusUpcoming {
		t.Errorf("scheduled exactly now = %s", got)
	}
}
