package schedule

import "strings"

// Slot is a named dosing period within a day
type Slot string

const (
	SlotMorning   Slot = "Morning"
	SlotAfternoon Slot = "Afternoon"
	SlotNight     Slot = "Night"
)

// Slots lists the known slots in day order
var Slots = []Slot{SlotMorning, SlotAfternoon, SlotNight}

var slotHours = map[Slot]int{
	SlotMorning:   9,
	SlotAfternoon: 13,
	SlotNight:     21,
}

// ParseSlot normalizes a stored slot label. Matching is case-insensitive.
func ParseSlot(label string) (Slot, bool) {
	label = strings.TrimSpace(label)
	for _, s := range Slots {
		if strings.EqualFold(label, string(s)) {
			return s, true
		}
	}
	return "", false
}

// Hour returns the fixed hour of day for the slot
func (s Slot) Hour() (int, bool) {
	canonical, ok := ParseSlot(string(s))
	if !ok {
		return 0, false
	}
	return slotHours[canonical], true
}

// Valid reports whether the slot is one of the known slots
func (s Slot) Valid() bool {
	_, ok := ParseSlot(string(s))
	return ok
}
