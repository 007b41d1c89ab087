package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status int

// new jobs start out as StatusQueued
const (
	StatusUnknown Status = iota
	StatusQueued
	StatusProcessing
	StatusCompleted
	StatusFailed
)

// Job is one uploaded document moving through text extraction.
type Job struct {
	ID uuid.UUID `json:"id"`

	Status Status `json:"status"`

	FileName string `json:"fileName"`

	Text *string `json:"text,omitempty"`

	PageCount int `json:"pageCount,omitempty"`

	ErrorMessage *string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String. Unknown strings are an error.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "queued":
		return StatusQueued, nil
	case "processing":
		return StatusProcessing, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("invalid job status %q", s)
	}
}

// Done reports whether the job will not change any more.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
