package checkin

import (
	"time"

	"github.com/hospital/backoffice/internal/platform/binding"
)

// Entry is one person waiting in the reception queue. Walk-ins may be queued
// before they have a patient record.
type Entry struct {
	ID           int64      `json:"id"`
	PatientID    *int64     `json:"patient_id,omitempty"`
	Name         string     `json:"name"`
	CheckedIn    bool       `json:"checked_in"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`
}

type EnqueueRequest struct {
	PatientID *int64 `json:"patient_id" validate:"omitempty,gt=0"`
	Name      string `json:"name" validate:"required,max=255"`
}

// MoveRequest identifies a queue entry by its id or by the patient it holds.
type MoveRequest struct {
	EntryID   *int64 `json:"entry_id" validate:"omitempty,gt=0"`
	PatientID *int64 `json:"patient_id" validate:"omitempty,gt=0"`
}

var enqueueAliases = binding.Aliases{
	"patient_id": {"patientId"},
}

var moveAliases = binding.Aliases{
	"entry_id":   {"entryId", "id"},
	"patient_id": {"patientId"},
}

type QueueResponse struct {
	Queue []*Entry `json:"queue"`
}

type EntryResponse struct {
	Message string `json:"message"`
	Entry   *Entry `json:"entry"`
}
