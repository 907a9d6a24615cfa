package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
)

// RecordStore is a record.Store backed by PostgreSQL. Dose marks live in
// their own table so that MarkTaken is a single conflict-free insert.
type RecordStore struct {
	pool *pgxpool.Pool
	// reads starts the snapshot transaction; the pool outside tests
	reads  txBeginner
	logger *zap.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

var _ record.Store = (*RecordStore)(nil)

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// NewRecordStore creates a PostgreSQL record store
func NewRecordStore(pool *pgxpool.Pool, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		pool:   pool,
		reads:  pool,
		logger: logger,
		tracer: otel.Tracer("record-store"),
		clock:  time.Now,
	}
}

// doseMark is a row of dose_marks
type doseMark struct {
	PrescriptionID string
	MedicineIndex  int
	DayIndex       int
	TimeIndex      int
}

// Snapshot loads all prescriptions of a patient with their dose marks. The
// reads share one repeatable-read transaction so the version matches the
// marks it is returned with.
func (s *RecordStore) Snapshot(ctx context.Context, patientID string) (record.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "record_store_snapshot",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	snap := record.Snapshot{
		PatientID:     patientID,
		Prescriptions: []schedule.Prescription{},
		TakenAt:       s.clock(),
	}

	txOpts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.reads, txOpts, func(tx pgx.Tx) error {
		prescriptions, err := s.loadPrescriptions(ctx, tx, patientID)
		if err != nil {
			return err
		}
		marks, err := loadMarks(ctx, tx, patientID)
		if err != nil {
			return err
		}
		applyMarks(prescriptions, marks)
		snap.Prescriptions = prescriptions

		return tx.QueryRow(ctx,
			"SELECT COALESCE((SELECT version FROM patient_versions WHERE patient_id = $1), 0)",
			patientID).Scan(&snap.Version)
	})
	if err != nil {
		span.RecordError(err)
		return record.Snapshot{}, unavailable(patientID, "snapshot", err)
	}

	span.SetAttributes(
		attribute.Int("prescriptions", len(snap.Prescriptions)),
		attribute.Int64("version", snap.Version),
	)
	return snap, nil
}

func (s *RecordStore) loadPrescriptions(ctx context.Context, tx pgx.Tx, patientID string) ([]schedule.Prescription, error) {
	rows, err := tx.Query(ctx, `
		SELECT prescription_id, document
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY seq ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prescriptions := []schedule.Prescription{}
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		p, err := decodeDocument(id, doc)
		if err != nil {
			s.logger.Warn("skipping undecodable prescription",
				zap.String("patient_id", patientID),
				zap.String("prescription_id", id),
				zap.Error(err))
			continue
		}
		prescriptions = append(prescriptions, p)
	}
	return prescriptions, rows.Err()
}

func loadMarks(ctx context.Context, tx pgx.Tx, patientID string) ([]doseMark, error) {
	rows, err := tx.Query(ctx, `
		SELECT prescription_id, medicine_index, day_index, time_index
		FROM dose_marks
		WHERE patient_id = $1
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []doseMark
	for rows.Next() {
		var m doseMark
		if err := rows.Scan(&m.PrescriptionID, &m.MedicineIndex, &m.DayIndex, &m.TimeIndex); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

// PutPrescription upserts a prescription. Marks carried in the document's
// taken record replace the stored marks for that prescription.
func (s *RecordStore) PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error {
	if err := record.Validate(p); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "record_store_put",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("prescription_id", p.ID),
		))
	defer span.End()

	doc, marks, err := encodeDocument(p)
	if err != nil {
		return fmt.Errorf("failed to encode prescription: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (patient_id, prescription_id, document)
			VALUES ($1, $2, $3)
			ON CONFLICT (patient_id, prescription_id) DO UPDATE
			SET document = EXCLUDED.document, updated_at = NOW()
		`, patientID, p.ID, doc)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM dose_marks WHERE patient_id = $1 AND prescription_id = $2",
			patientID, p.ID); err != nil {
			return err
		}
		for _, m := range marks {
			if _, err := tx.Exec(ctx, insertMarkQuery,
				patientID, p.ID, m.MedicineIndex, m.DayIndex, m.TimeIndex); err != nil {
				return err
			}
		}

		version, err := bumpVersion(ctx, tx, patientID)
		if err != nil {
			return err
		}
		return writeEvents(ctx, tx, patientID, version,
			record.EventPrescriptionStored, &record.PrescriptionStoredData{
				PatientID:      patientID,
				PrescriptionID: p.ID,
				Medicines:      len(p.Medicines),
			})
	})
	if err != nil {
		span.RecordError(err)
		return unavailable(patientID, "put", err)
	}
	return nil
}

const insertMarkQuery = `
	INSERT INTO dose_marks (patient_id, prescription_id, medicine_index, day_index, time_index)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT DO NOTHING
`

// MarkTaken records a dose mark. Only an inserted row bumps the version and
// emits events, so repeated calls are no-ops.
func (s *RecordStore) MarkTaken(ctx context.Context, ref record.DoseRef) error {
	ctx, span := s.tracer.Start(ctx, "record_store_mark_taken",
		trace.WithAttributes(attribute.String("dose", ref.String())))
	defer span.End()

	var domainErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `
			SELECT document FROM prescriptions
			WHERE patient_id = $1 AND prescription_id = $2
			FOR SHARE
		`, ref.PatientID, ref.PrescriptionID).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			domainErr = fmt.Errorf("%w: %s", record.ErrPrescriptionNotFound, ref.PrescriptionID)
			return nil
		}
		if err != nil {
			return err
		}

		p, err := decodeDocument(ref.PrescriptionID, doc)
		if err != nil {
			return err
		}
		if _, err := record.Locate([]schedule.Prescription{p}, ref); err != nil {
			domainErr = err
			return nil
		}

		tag, err := tx.Exec(ctx, insertMarkQuery,
			ref.PatientID, ref.PrescriptionID, ref.MedicineIndex, ref.DayIndex, ref.TimeIndex)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return nil
		}

		version, err := bumpVersion(ctx, tx, ref.PatientID)
		if err != nil {
			return err
		}
		return writeEvents(ctx, tx, ref.PatientID, version,
			record.EventDoseMarkedTaken, &record.DoseMarkedTakenData{
				Dose:     ref,
				MarkedAt: s.clock().UTC(),
			})
	})
	if err != nil {
		span.RecordError(err)
		return unavailable(ref.PatientID, "mark_taken", err)
	}
	return domainErr
}

func bumpVersion(ctx context.Context, tx pgx.Tx, patientID string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		INSERT INTO patient_versions (patient_id, version) VALUES ($1, 1)
		ON CONFLICT (patient_id) DO UPDATE SET version = patient_versions.version + 1
		RETURNING version
	`, patientID).Scan(&version)
	return version, err
}

// writeEvents stores the domain event for dose.events and a snapshot
// notification for patient.snapshots in the same transaction
func writeEvents(ctx context.Context, tx pgx.Tx, patientID string, version int64, eventType record.EventType, data interface{}) error {
	ev, err := record.NewEvent(patientID, eventType, data)
	if err != nil {
		return err
	}
	ev.Version = version

	changed, err := record.NewEvent(patientID, record.EventSnapshotChanged, &record.SnapshotChangedData{
		PatientID: patientID,
		Version:   version,
	})
	if err != nil {
		return err
	}
	changed.Version = version
	changed.WithCorrelation(ev.ID)

	for _, e := range []struct {
		event *record.Event
		topic string
	}{
		{ev, redpanda.TopicDoseEvents},
		{changed, redpanda.TopicPatientSnapshots},
	} {
		entry, err := EntryFromEvent(e.event, e.topic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// EntryFromEvent builds an outbox entry keyed by patient id
func EntryFromEvent(ev *record.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      ev.AggregateID,
	}, nil
}

// encodeDocument splits a prescription into its stored document (without
// taken records) and the in-course marks it carries
func encodeDocument(p schedule.Prescription) ([]byte, []doseMark, error) {
	doc := p.Clone()
	var marks []doseMark
	for mi := range doc.Medicines {
		for day, slots := range doc.Medicines[mi].Taken {
			for slot, taken := range slots {
				if taken && doc.Medicines[mi].InCourse(day, slot) {
					marks = append(marks, doseMark{
						PrescriptionID: p.ID,
						MedicineIndex:  mi,
						DayIndex:       day,
						TimeIndex:      slot,
					})
				}
			}
		}
		doc.Medicines[mi].Taken = nil
	}
	data, err := json.Marshal(doc)
	return data, marks, err
}

func decodeDocument(id string, doc []byte) (schedule.Prescription, error) {
	var p schedule.Prescription
	if err := json.Unmarshal(doc, &p); err != nil {
		return schedule.Prescription{}, fmt.Errorf("prescription %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

// applyMarks folds dose marks into the taken records of the matching
// medicines. Marks pointing outside the current medicine list or the
// medicine's course are ignored.
func applyMarks(prescriptions []schedule.Prescription, marks []doseMark) {
	byID := make(map[string]*schedule.Prescription, len(prescriptions))
	for i := range prescriptions {
		byID[prescriptions[i].ID] = &prescriptions[i]
	}
	for _, m := range marks {
		p, ok := byID[m.PrescriptionID]
		if !ok || m.MedicineIndex < 0 || m.MedicineIndex >= len(p.Medicines) {
			continue
		}
		med := &p.Medicines[m.MedicineIndex]
		if !med.InCourse(m.DayIndex, m.TimeIndex) {
			continue
		}
		med.Taken = med.Taken.With(m.DayIndex, m.TimeIndex)
	}
}

func unavailable(patientID, op string, err error) error {
	return &record.StoreUnavailableError{PatientID: patientID, Op: op, Err: err}
}
