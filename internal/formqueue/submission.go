// Package formqueue holds contact-form submissions that could not reach the
// network, until a background sync drains them.
package formqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"offline_cache_proxy/internal/validate"
)

// Submission is one queued contact form. Validation mirrors the rules the
// page applies before submitting.
type Submission struct {
	ID       string    `json:"id"`
	Name     string    `json:"name" validate:"required,min=2,max=200"`
	Email    string    `json:"email" validate:"required,email,max=320"`
	Subject  string    `json:"subject" validate:"required,min=3,max=300"`
	Message  string    `json:"message" validate:"required,min=10,max=10000"`
	QueuedAt time.Time `json:"queued_at"`
}

// Prepare trims and validates s, then assigns an ID and queue time when they
// are missing.
func Prepare(s Submission, now time.Time) (Submission, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.TrimSpace(s.Email)
	s.Subject = strings.TrimSpace(s.Subject)
	s.Message = strings.TrimSpace(s.Message)
	if err := validate.Struct(s); err != nil {
		return Submission{}, fmt.Errorf("formqueue: invalid submission: %w", err)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.QueuedAt.IsZero() {
		s.QueuedAt = now.UTC()
	}
	return s, nil
}

// Payload is the JSON body delivered to the form endpoint.
type Payload struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (s Submission) Payload() Payload {
	return Payload{Name: s.Name, Email: s.Email, Subject: s.Subject, Message: s.Message}
}
