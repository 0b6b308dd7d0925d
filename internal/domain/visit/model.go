package visit

import (
	"time"

	"github.com/hospital/backoffice/internal/platform/binding"
)

// Stage is a position in the clinical workflow.
type Stage string

const (
	StageTriage   Stage = "triage"
	StageDoctor   Stage = "doctor"
	StageLab      Stage = "lab"
	StagePharmacy Stage = "pharmacy"
	StageBilling  Stage = "billing"
)

var stages = map[Stage]bool{
	StageTriage:   true,
	StageDoctor:   true,
	StageLab:      true,
	StagePharmacy: true,
	StageBilling:  true,
}

// Valid reports whether s is one of the five workflow stages.
func (s Stage) Valid() bool { return stages[s] }

// Visit is one patient's episode of care. Stage-produced fields are
// annotations: once written they are never cleared.
type Visit struct {
	ID            int64     `json:"id"`
	PatientID     int64     `json:"patient_id"`
	Stage         Stage     `json:"current_stage"`
	TriageNotes   string    `json:"triage_notes"`
	LabResults    string    `json:"lab_results"`
	Diagnosis     string    `json:"diagnosis"`
	Prescription  string    `json:"prescription"`
	BillingStatus string    `json:"billing_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateRequest is the body of POST /visits.
type CreateRequest struct {
	PatientID *int64 `json:"patient_id" validate:"required,gt=0"`
}

var createAliases = binding.Aliases{
	"patient_id": {"patientId"},
}

// UpdateRequest carries the writes a stage owner may submit. Nil or empty
// fields leave the stored value untouched.
type UpdateRequest struct {
	TriageNotes   *string `json:"triage_notes"`
	Diagnosis     *string `json:"diagnosis"`
	Prescription  *string `json:"prescription"`
	LabResults    *string `json:"lab_results"`
	RequestLab    bool    `json:"request_lab"`
	BillingStatus *string `json:"billing_status" validate:"omitempty,max=64"`
}

var updateAliases = binding.Aliases{
	"triage_notes":   {"triageNotes"},
	"lab_results":    {"labResults"},
	"request_lab":    {"requestLab"},
	"billing_status": {"billingStatus"},
}

// ListResponse is the body of GET /visits.
type ListResponse struct {
	Visits []*Visit `json:"visits"`
}

func supplied(s *string) bool {
	return s != nil && *s != ""
}

func write(dst *string, src *string) {
	if supplied(src) {
		*dst = *src
	}
}
