// Package models - API request types and validation.
package models

import (
	"errors"
	"strings"
)

// CheckRequest asks the guard whether an attempt is currently permitted.
type CheckRequest struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
}

// Normalize trims surrounding whitespace from both fields.
func (r *CheckRequest) Normalize() {
	r.Identifier = strings.TrimSpace(r.Identifier)
	r.Action = strings.TrimSpace(r.Action)
}

// Validate ensures both fields are present.
func (r *CheckRequest) Validate() error {
	if r.Identifier == "" {
		return errors.New("identifier is required")
	}
	if r.Action == "" {
		return errors.New("action is required")
	}
	return nil
}
