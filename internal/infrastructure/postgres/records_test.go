package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
)

func samplePrescription() schedule.Prescription {
	return schedule.Prescription{
		ID:     "rx-1",
		Doctor: "Dr. Rao",
		Medicines: []schedule.Medicine{
			{
				MedicineName:      "Amoxicillin",
				StartDate:         "2025-01-10",
				Duration:          5,
				TimeOfConsumption: []schedule.Slot{schedule.SlotMorning, schedule.SlotNight},
				Taken:             schedule.TakenRecord{0: {0: true, 1: true}, 2: {1: true}},
			},
			{
				MedicineName:      "Vitamin D",
				StartDate:         "2025-01-10",
				Duration:          10,
				TimeOfConsumption: []schedule.Slot{schedule.SlotMorning},
			},
		},
	}
}

func TestEncodeDocumentStripsTaken(t *testing.T) {
	p := samplePrescription()

	doc, marks, err := encodeDocument(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(doc), `"taken"`) {
		t.Errorf("document still carries taken records: %s", doc)
	}
	if len(marks) != 3 {
		t.Fatalf("expected 3 marks, got %d", len(marks))
	}
	if p.Medicines[0].Taken.Count() != 3 {
		t.Error("encodeDocument modified the caller's prescription")
	}
}

func TestDocumentRoundTripWithMarks(t *testing.T) {
	p := samplePrescription()

	doc, marks, err := encodeDocument(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeDocument(p.ID, doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	prescriptions := []schedule.Prescription{decoded}
	applyMarks(prescriptions, marks)

	got := prescriptions[0].Medicines[0].Taken
	for _, k := range [][2]int{{0, 0}, {0, 1}, {2, 1}} {
		if !got.IsTaken(k[0], k[1]) {
			t.Errorf("mark %v lost", k)
		}
	}
	if prescriptions[0].Medicines[1].Taken.Count() != 0 {
		t.Error("marks leaked into another medicine")
	}
}

func TestApplyMarksIgnoresStaleRows(t *testing.T) {
	prescriptions := []schedule.Prescription{samplePrescription()}
	prescriptions[0].Medicines[0].Taken = nil

	applyMarks(prescriptions, []doseMark{
		{PrescriptionID: "rx-unknown", MedicineIndex: 0, DayIndex: 0, TimeIndex: 0},
		{PrescriptionID: "rx-1", MedicineIndex: 7, DayIndex: 0, TimeIndex: 0},
		{PrescriptionID: "rx-1", MedicineIndex: 0, DayIndex: 1, TimeIndex: 0},
	})

	if n := prescriptions[0].Medicines[0].Taken.Count(); n != 1 {
		t.Errorf("expected 1 applied mark, got %d", n)
	}
}

func TestDecodeDocumentFillsMissingID(t *testing.T) {
	p, err := decodeDocument("rx-9", []byte(`{"medicines":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "rx-9" {
		t.Errorf("id = %q", p.ID)
	}

	if _, err := decodeDocument("rx-9", []byte(`{"medicines":`)); err == nil {
		t.Error("expected error for truncated document")
	}
}

func TestEntryFromEvent(t *testing.T) {
	ref := record.DoseRef{PatientID: "p-1", PrescriptionID: "rx-1", DayIndex: 2, TimeIndex: 1}
	ev, err := record.NewEvent("p-1", record.EventDoseMarkedTaken, &record.DoseMarkedTakenData{Dose: ref})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	entry, err := EntryFromEvent(ev, redpanda.TopicDoseEvents)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.KafkaKey != "p-1" || entry.AggregateID != "p-1" {
		t.Errorf("entry keyed by %q/%q, want patient id", entry.KafkaKey, entry.AggregateID)
	}
	if entry.KafkaTopic != redpanda.TopicDoseEvents || entry.EventType != "DoseMarkedTaken" {
		t.Errorf("entry = %+v", entry)
	}

	var decoded record.Event
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.ID != ev.ID {
		t.Errorf("payload event id = %q, want %q", decoded.ID, ev.ID)
	}
}

func TestEncodeDocumentDropsOutOfCourseMarks(t *testing.T) {
	p := samplePrescription()
	p.Medicines[0].Taken = schedule.TakenRecord{1: {0: true}, 5: {0: true}, 99: {5: true}, 2: {2: true}}

	_, marks, err := encodeDocument(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(marks) != 1 {
		t.Fatalf("marks = %+v, want only day 1 slot 0", marks)
	}
	if m := marks[0]; m.DayIndex != 1 || m.TimeIndex != 0 {
		t.Errorf("kept mark %+v", m)
	}
}

func TestApplyMarksSkipsOutOfCourse(t *testing.T) {
	prescriptions := []schedule.Prescription{samplePrescription()}
	prescriptions[0].Medicines[0].Taken = nil

	applyMarks(prescriptions, []doseMark{
		{PrescriptionID: "rx-1", MedicineIndex: 0, DayIndex: 40, TimeIndex: 0},
		{PrescriptionID: "rx-1", MedicineIndex: 0, DayIndex: 1, TimeIndex: 3},
		{PrescriptionID: "rx-1", MedicineIndex: 0, DayIndex: -1, TimeIndex: 0},
		{PrescriptionID: "rx-1", MedicineIndex: 1, DayIndex: 9, TimeIndex: 0},
	})

	if n := prescriptions[0].Medicines[0].Taken.Count(); n != 0 {
		t.Errorf("out-of-course marks applied: %v", prescriptions[0].Medicines[0].Taken)
	}
	if !prescriptions[0].Medicines[1].Taken.IsTaken(9, 0) {
		t.Error("last day of a 10 day course should be applied")
	}
}

// snapshotTx serves the snapshot queries from memory and records what ran
type snapshotTx struct {
	pgx.Tx
	queries   []string
	docs      [][]any
	marks     [][]any
	version   int64
	committed bool
}

func (tx *snapshotTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tx.queries = append(tx.queries, sql)
	if strings.Contains(sql, "dose_marks") {
		return &memRows{rows: tx.marks}, nil
	}
	return &memRows{rows: tx.docs}, nil
}

func (tx *snapshotTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	tx.queries = append(tx.queries, sql)
	return versionRow(tx.version)
}

func (tx *snapshotTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *snapshotTx) Rollback(ctx context.Context) error { return nil }

type memRows struct {
	pgx.Rows
	rows [][]any
	pos  int
}

func (r *memRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *memRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *[]byte:
			*d = row[i].([]byte)
		case *int:
			*d = row[i].(int)
		}
	}
	return nil
}

func (r *memRows) Close() {}
func (r *memRows) Err() error { return nil }

type versionRow int64

func (v versionRow) Scan(dest ...any) error {
	*dest[0].(*int64) = int64(v)
	return nil
}

type recordingBeginner struct {
	tx   *snapshotTx
	opts pgx.TxOptions
}

func (b *recordingBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	return b.tx, nil
}

func TestSnapshotReadsInOneTransaction(t *testing.T) {
	doc, _, err := encodeDocument(samplePrescription())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tx := &snapshotTx{
		docs: [][]any{{"rx-1", doc}},
		marks: [][]any{
			{"rx-1", 0, 2, 1},
			{"rx-1", 0, 30, 0},
		},
		version: 7,
	}
	begin := &recordingBeginner{tx: tx}

	store := NewRecordStore(nil, nil)
	store.reads = begin

	snap, err := store.Snapshot(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if begin.opts.IsoLevel != pgx.RepeatableRead || begin.opts.AccessMode != pgx.ReadOnly {
		t.Errorf("tx options = %+v, want read-only repeatable read", begin.opts)
	}
	if len(tx.queries) != 3 || !tx.committed {
		t.Errorf("ran %d queries in the transaction (committed %v), want 3", len(tx.queries), tx.committed)
	}
	if snap.Version != 7 {
		t.Errorf("version = %d, want 7", snap.Version)
	}
	if len(snap.Prescriptions) != 1 {
		t.Fatalf("prescriptions = %+v", snap.Prescriptions)
	}
	taken := snap.Prescriptions[0].Medicines[0].Taken
	if taken.Count() != 1 || !taken.IsTaken(2, 1) {
		t.Errorf("taken = %v, want only day 2 slot 1", taken)
	}
}
