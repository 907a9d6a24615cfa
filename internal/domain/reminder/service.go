// Package reminder serves daily dose schedules for patients. It reads
// snapshots from the record store behind a circuit breaker and resolves
// them with the schedule resolver.
package reminder

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/observability/metrics"
	"github.com/bhumireddy99/MediTrack/pkg/circuitbreaker"
)

// Clock returns the current instant
type Clock func() time.Time

// ServiceConfig holds the optional collaborators of a Service
type ServiceConfig struct {
	// Location evaluates calendar days; nil means time.Local
	Location *time.Location
	// Clock defaults to time.Now
	Clock Clock
	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Service resolves schedules and records doses for patients
type Service struct {
	store    record.Store
	breaker  *circuitbreaker.CircuitBreaker
	resolver *schedule.Resolver
	clock    Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// BreakerConfig returns a breaker config for a record store. Domain
// rejections such as unknown prescriptions do not count as failures.
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || IsRejection(err)
	}
	return cfg
}

// IsRejection reports whether err is a domain rejection of the request
// rather than a store failure
func IsRejection(err error) bool {
	return errors.Is(err, record.ErrPrescriptionNotFound) ||
		errors.Is(err, record.ErrMedicineNotFound) ||
		errors.Is(err, record.ErrDoseOutOfRange) ||
		errors.Is(err, record.ErrInvalidPrescription)
}

// NewService creates a reminder service. A nil breaker calls the store
// directly.
func NewService(store record.Store, breaker *circuitbreaker.CircuitBreaker, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    store,
		breaker:  breaker,
		resolver: schedule.NewResolver(cfg.Location),
		clock:    clock,
		metrics:  cfg.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("reminder"),
	}
}

// Location returns the location calendar days are evaluated in
func (s *Service) Location() *time.Location {
	if s.resolver.Location == nil {
		return time.Local
	}
	return s.resolver.Location
}

// Now reads the service clock
func (s *Service) Now() time.Time {
	return s.clock()
}

// Today resolves the patient's schedule for the current day
func (s *Service) Today(ctx context.Context, patientID string) (schedule.ResolvedDay, error) {
	return s.Day(ctx, patientID, s.clock())
}

// Day resolves the patient's schedule for the calendar day containing
// target. An unavailable store yields an empty day carrying the failure in
// Diagnostics; only a cancelled context returns an error.
func (s *Service) Day(ctx context.Context, patientID string, target time.Time) (schedule.ResolvedDay, error) {
	ctx, span := s.tracer.Start(ctx, "reminder_day",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	now := s.clock()
	start := time.Now()

	snap, err := s.Snapshot(ctx, patientID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return schedule.ResolvedDay{}, ctxErr
		}
		span.RecordError(err)
		s.logger.Warn("serving empty schedule, record store unavailable",
			zap.String("patient_id", patientID),
			zap.Error(err))
		day := schedule.EmptyDay(schedule.Midnight(target, s.Location()))
		day.Diagnostics = append(day.Diagnostics, err)
		s.observeDay(day, time.Since(start))
		return day, nil
	}

	day := s.resolver.Resolve(snap.Prescriptions, target, now)
	s.logDiagnostics(patientID, day)
	s.observeDay(day, time.Since(start))

	span.SetAttributes(
		attribute.Int("doses", len(day.Doses)),
		attribute.Int("diagnostics", len(day.Diagnostics)),
	)
	return day, nil
}

// ResolveSnapshot resolves an already loaded snapshot for target
func (s *Service) ResolveSnapshot(snap record.Snapshot, target time.Time) schedule.ResolvedDay {
	day := s.resolver.Resolve(snap.Prescriptions, target, s.clock())
	s.logDiagnostics(snap.PatientID, day)
	return day
}

// Snapshot reads the patient's snapshot through the breaker. Every
// failure, including an open breaker, is a *record.StoreUnavailableError.
func (s *Service) Snapshot(ctx context.Context, patientID string) (record.Snapshot, error) {
	var snap record.Snapshot
	err := s.guard(ctx, func() error {
		var err error
		snap, err = s.store.Snapshot(ctx, patientID)
		return err
	})
	if err != nil {
		s.storeFailure("snapshot")
		return record.Snapshot{}, asUnavailable(patientID, "snapshot", err)
	}
	return snap, nil
}

// PutPrescription stores a prescription for the patient
func (s *Service) PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "reminder_put_prescription",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("prescription_id", p.ID),
		))
	defer span.End()

	err := s.guard(ctx, func() error {
		return s.store.PutPrescription(ctx, patientID, p)
	})
	if err != nil {
		span.RecordError(err)
		if IsRejection(err) {
			return err
		}
		s.storeFailure("put")
		return asUnavailable(patientID, "put", err)
	}

	if s.metrics != nil {
		s.metrics.PrescriptionsStored.Inc()
	}
	s.logger.Info("prescription stored",
		zap.String("patient_id", patientID),
		zap.String("prescription_id", p.ID),
		zap.Int("medicines", len(p.Medicines)))
	return nil
}

// MarkTaken records the referenced dose as administered. Marking the same
// dose again succeeds without further effect.
func (s *Service) MarkTaken(ctx context.Context, ref record.DoseRef) error {
	ctx, span := s.tracer.Start(ctx, "reminder_mark_taken",
		trace.WithAttributes(attribute.String("dose", ref.String())))
	defer span.End()

	err := s.guard(ctx, func() error {
		return s.store.MarkTaken(ctx, ref)
	})
	s.observeMark(err)
	if err != nil {
		span.RecordError(err)
		if IsRejection(err) {
			return err
		}
		s.storeFailure("mark_taken")
		return asUnavailable(ref.PatientID, "mark_taken", err)
	}

	s.logger.Debug("dose marked taken", zap.String("dose", ref.String()))
	return nil
}

func (s *Service) guard(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	_, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func asUnavailable(patientID, op string, err error) error {
	var sue *record.StoreUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &record.StoreUnavailableError{PatientID: patientID, Op: op, Err: err}
}

func (s *Service) logDiagnostics(patientID string, day schedule.ResolvedDay) {
	for _, d := range day.Diagnostics {
		s.logger.Warn("record skipped during resolution",
			zap.String("patient_id", patientID),
			zap.Error(d))
	}
}

func (s *Service) observeDay(day schedule.ResolvedDay, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.Resolutions.Inc()
	s.metrics.ResolveDuration.Observe(elapsed.Seconds())
	s.metrics.DosesResolved.WithLabelValues(string(schedule.StatusTaken)).Add(float64(day.Counts.Taken))
	s.metrics.DosesResolved.WithLabelValues(string(schedule.StatusUpcoming)).Add(float64(day.Counts.Upcoming))
	s.metrics.DosesResolved.WithLabelValues(string(schedule.StatusMissed)).Add(float64(day.Counts.Missed))
	for _, d := range day.Diagnostics {
		s.metrics.Diagnostics.WithLabelValues(diagnosticKind(d)).Inc()
	}
}

func (s *Service) observeMark(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.DosesMarked.WithLabelValues(markOutcome(err)).Inc()
}

func (s *Service) storeFailure(op string) {
	if s.metrics != nil {
		s.metrics.StoreFailures.WithLabelValues(op).Inc()
	}
}

func diagnosticKind(err error) string {
	var (
		mde *schedule.MalformedDateError
		use *schedule.UnknownSlotError
		sue *record.StoreUnavailableError
	)
	switch {
	case errors.As(err, &mde):
		return "malformed_date"
	case errors.As(err, &use):
		return "unknown_slot"
	case errors.As(err, &sue):
		return "store_unavailable"
	default:
		return "other"
	}
}

func markOutcome(err error) string {
	switch {
	case err == nil:
		return "marked"
	case errors.Is(err, record.ErrDoseOutOfRange):
		return "out_of_range"
	case errors.Is(err, record.ErrPrescriptionNotFound), errors.Is(err, record.ErrMedicineNotFound):
		return "not_found"
	case circuitbreaker.IsOpen(err):
		return "breaker_open"
	default:
		return "unavailable"
	}
}
