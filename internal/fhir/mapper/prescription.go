package mapper

import (
	"fmt"
	"time"

	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	fhir "github.com/bhumireddy99/MediTrack/internal/fhir/r5"
)

// ImportRequest is the body accepted by the FHIR import endpoint
type ImportRequest struct {
	MedicationRequests []fhir.MedicationRequest `json:"medicationRequests"`
	Doctor             string                   `json:"doctor,omitempty"`
	Hospital           string                   `json:"hospital,omitempty"`
	Patient            *schedule.PatientInfo    `json:"patient,omitempty"`
}

// FromBundle collects the medication requests of a bundle together with
// the requester and organization names they reference
func FromBundle(b *fhir.Bundle) (*ImportRequest, error) {
	contents, err := b.Decode()
	if err != nil {
		return nil, &MappingError{Field: "Bundle", Code: "INVALID_BUNDLE", Message: "bundle could not be decoded", Cause: err}
	}

	req := &ImportRequest{MedicationRequests: contents.MedicationRequests}
	for i := range contents.MedicationRequests {
		requester := contents.MedicationRequests[i].Requester
		if p := contents.Practitioner(requester); p != nil && req.Doctor == "" {
			req.Doctor = p.GetFullName()
		}
		if o := contents.Organization(requester); o != nil && req.Hospital == "" {
			req.Hospital = o.Name
		}
	}
	if req.Hospital == "" && len(contents.Organizations) > 0 {
		req.Hospital = contents.Organizations[0].Name
	}
	if len(contents.Patients) > 0 {
		req.Patient = &schedule.PatientInfo{Name: contents.Patients[0].GetFullName()}
	}
	return req, nil
}

// ToPrescription maps every active medication request into one
// prescription. The prescription ID is left for the caller to assign.
func ToPrescription(req *ImportRequest, loc *time.Location) (schedule.Prescription, error) {
	if req == nil || len(req.MedicationRequests) == 0 {
		return schedule.Prescription{}, &MappingError{Field: "medicationRequests", Code: "EMPTY", Message: "at least one medication request is required"}
	}

	p := schedule.Prescription{
		Doctor:   req.Doctor,
		Hospital: req.Hospital,
	}
	if req.Patient != nil {
		p.PatientInfo = *req.Patient
	}

	var (
		issued  time.Time
		subject string
	)
	for i := range req.MedicationRequests {
		mr := &req.MedicationRequests[i]
		if !mr.IsActive() {
			continue
		}
		// one prescription belongs to one patient
		if id := mr.GetPatientID(); id != "" {
			if subject == "" {
				subject = id
			} else if id != subject {
				return schedule.Prescription{}, &MappingError{
					RequestID: mr.ID,
					Field:     "subject",
					Code:      "MIXED_SUBJECT",
					Message:   fmt.Sprintf("subject %s differs from %s", id, subject),
				}
			}
		}
		med, err := MedicationRequestToMedicine(mr, loc)
		if err != nil {
			return schedule.Prescription{}, err
		}
		p.Medicines = append(p.Medicines, med)

		if p.PatientInfo.Diagnosis == "" {
			p.PatientInfo.Diagnosis = mr.GetReasonText()
		}
		if mr.AuthoredOn != "" {
			if t, err := schedule.ParseDate(mr.AuthoredOn, loc); err == nil && (issued.IsZero() || t.Before(issued)) {
				issued = t
			}
		}
	}
	if len(p.Medicines) == 0 {
		return schedule.Prescription{}, &MappingError{Field: "medicationRequests", Code: "NO_ACTIVE", Message: "no active medication requests"}
	}
	if !issued.IsZero() {
		p.Date = issued.Format("2006-01-02")
	}
	return p, nil
}
