package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request CheckRequest
		errMsg  string
	}{
		{"valid", CheckRequest{Identifier: "alice@example.com", Action: "login"}, ""},
		{"missing identifier", CheckRequest{Action: "login"}, "identifier is required"},
		{"missing action", CheckRequest{Identifier: "alice"}, "action is required"},
		{"whitespace only", CheckRequest{Identifier: "  ", Action: "login"}, "identifier is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.request
			req.Normalize()
			err := req.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestCheckRequest_Normalize(t *testing.T) {
	req := CheckRequest{Identifier: " alice ", Action: "\tlogin\n"}
	req.Normalize()
	assert.Equal(t, "alice", req.Identifier)
	assert.Equal(t, "login", req.Action)
}
