// Package handlers provides HTTP handlers for the schedule API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/api/middleware"
	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/fhir/mapper"
	fhir "github.com/bhumireddy99/MediTrack/internal/fhir/r5"
	"github.com/bhumireddy99/MediTrack/pkg/circuitbreaker"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// ScheduleService is the part of reminder.Service the handlers use
type ScheduleService interface {
	Day(ctx context.Context, patientID string, target time.Time) (schedule.ResolvedDay, error)
	Snapshot(ctx context.Context, patientID string) (record.Snapshot, error)
	PutPrescription(ctx context.Context, patientID string, p schedule.Prescription) error
	MarkTaken(ctx context.Context, ref record.DoseRef) error
	Location() *time.Location
	Now() time.Time
}

// ScheduleHandler handles patient schedule endpoints
type ScheduleHandler struct {
	svc    ScheduleService
	logger *zap.Logger
	tracer trace.Tracer
}

// NewScheduleHandler creates a new handler
func NewScheduleHandler(svc ScheduleService, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("schedule-handler"),
	}
}

// Routes returns the handler routes, mounted under /patients
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/schedule", h.GetSchedule)
		r.Get("/prescriptions", h.ListPrescriptions)
		r.Put("/prescriptions/{prescriptionID}", h.PutPrescription)
		r.Post("/prescriptions/fhir", h.ImportFHIR)
		r.Post("/doses/taken", h.MarkTaken)
	})
	return r
}

// ScheduleResponse is the resolved day with readable diagnostics
type ScheduleResponse struct {
	schedule.ResolvedDay
	NextUpcoming *schedule.DoseOccurrence `json:"next_upcoming,omitempty"`
	Diagnostics  []string                 `json:"diagnostics,omitempty"`
	Degraded     bool                     `json:"degraded,omitempty"`
}

// GetSchedule handles GET /patients/{patientID}/schedule?date=YYYY-MM-DD
func (h *ScheduleHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	ctx, span := h.tracer.Start(r.Context(), "get_schedule",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	target := h.svc.Now()
	if value := r.URL.Query().Get("date"); value != "" {
		t, err := schedule.ParseDate(value, h.svc.Location())
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		target = t
	}

	day, err := h.svc.Day(ctx, patientID, target)
	if err != nil {
		// only a cancelled request gets here
		h.jsonError(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}

	resp := ScheduleResponse{ResolvedDay: day}
	if next, ok := day.NextUpcoming(); ok {
		resp.NextUpcoming = &next
	}
	for _, d := range day.Diagnostics {
		resp.Diagnostics = append(resp.Diagnostics, d.Error())
		var sue *record.StoreUnavailableError
		if errors.As(d, &sue) {
			resp.Degraded = true
		}
	}
	span.SetAttributes(attribute.Int("doses", len(day.Doses)), attribute.Bool("degraded", resp.Degraded))
	h.writeJSON(w, http.StatusOK, resp)
}

// ListPrescriptions handles GET /patients/{patientID}/prescriptions
func (h *ScheduleHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	snap, err := h.svc.Snapshot(r.Context(), patientID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if snap.Prescriptions == nil {
		snap.Prescriptions = []schedule.Prescription{}
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// PutPrescription handles PUT /patients/{patientID}/prescriptions/{prescriptionID}
func (h *ScheduleHandler) PutPrescription(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	prescriptionID := chi.URLParam(r, "prescriptionID")

	var p schedule.Prescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if p.ID != "" && p.ID != prescriptionID {
		h.jsonError(w, "prescription id does not match the path", http.StatusBadRequest)
		return
	}
	p.ID = prescriptionID

	if err := h.svc.PutPrescription(r.Context(), patientID, p); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         p.ID,
		"patient_id": patientID,
		"medicines":  len(p.Medicines),
	})
}

// ImportFHIR handles POST /patients/{patientID}/prescriptions/fhir. The body
// is either a FHIR Bundle or a mapper.ImportRequest.
func (h *ScheduleHandler) ImportFHIR(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	ctx, span := h.tracer.Start(r.Context(), "import_fhir",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", "invalid request body"))
		return
	}

	req, err := decodeImport(body)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", err.Error()))
		return
	}

	p, err := mapper.ToPrescription(req, h.svc.Location())
	if err != nil {
		var me *mapper.MappingError
		if errors.As(err, &me) {
			h.logger.Info("fhir import rejected",
				zap.String("patient_id", patientID),
				zap.String("field", me.Field),
				zap.String("code", me.Code))
			h.writeJSON(w, http.StatusUnprocessableEntity, fhir.NewErrorOutcome("processing", me.Error(), me.Field))
			return
		}
		h.writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("invalid", err.Error()))
		return
	}
	p.ID = uuid.New().String()
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	if err := h.svc.PutPrescription(ctx, patientID, p); err != nil {
		h.storeError(w, r, err)
		return
	}

	h.logger.Info("fhir prescription imported",
		zap.String("patient_id", patientID),
		zap.String("prescription_id", p.ID),
		zap.Int("medicines", len(p.Medicines)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.writeJSON(w, http.StatusCreated, p)
}

func decodeImport(body json.RawMessage) (*mapper.ImportRequest, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, err
	}
	if head.ResourceType == "Bundle" {
		var b fhir.Bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		return mapper.FromBundle(&b)
	}

	var req mapper.ImportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// MarkTakenRequest is the body of POST /patients/{patientID}/doses/taken
type MarkTakenRequest struct {
	PrescriptionID string `json:"prescription_id"`
	MedicineIndex  int    `json:"medicine_index"`
	DayIndex       int    `json:"day_index"`
	TimeIndex      int    `json:"time_index"`
}

// MarkTaken handles POST /patients/{patientID}/doses/taken
func (h *ScheduleHandler) MarkTaken(w http.ResponseWriter, r *http.Request) {
	var req MarkTakenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PrescriptionID == "" {
		h.jsonError(w, "prescription_id is required", http.StatusBadRequest)
		return
	}

	ref := record.DoseRef{
		PatientID:      chi.URLParam(r, "patientID"),
		PrescriptionID: req.PrescriptionID,
		MedicineIndex:  req.MedicineIndex,
		DayIndex:       req.DayIndex,
		TimeIndex:      req.TimeIndex,
	}
	if err := h.svc.MarkTaken(r.Context(), ref); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps service errors to status codes
func (h *ScheduleHandler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrPrescriptionNotFound), errors.Is(err, record.ErrMedicineNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, record.ErrDoseOutOfRange):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, record.ErrInvalidPrescription):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("record store request failed",
			zap.Error(err),
			zap.Bool("breaker_open", circuitbreaker.IsOpen(err)),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		w.Header().Set("Retry-After", "5")
		h.jsonError(w, "record store unavailable", http.StatusServiceUnavailable)
	}
}

func (h *ScheduleHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *ScheduleHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
