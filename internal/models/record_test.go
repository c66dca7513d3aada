package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGuardRecord_IsBlocked(t *testing.T) {
	until := t0.Add(time.Minute)
	rec := &GuardRecord{BlockedUntil: &until}

	assert.True(t, rec.IsBlocked(t0))
	assert.True(t, rec.IsBlocked(until.Add(-time.Nanosecond)))
	assert.False(t, rec.IsBlocked(until), "block end is exclusive")
	assert.False(t, (&GuardRecord{}).IsBlocked(t0))
}

func TestGuardRecord_WindowActive(t *testing.T) {
	rec := &GuardRecord{WindowExpiresAt: t0.Add(time.Minute)}

	assert.True(t, rec.WindowActive(t0))
	assert.False(t, rec.WindowActive(t0.Add(time.Minute)), "window end is exclusive")
	assert.False(t, (&GuardRecord{}).WindowActive(t0), "zero window is never active")
}

func TestGuardRecord_ExpiredBefore(t *testing.T) {
	window := t0.Add(time.Minute)
	until := t0.Add(15 * time.Minute)

	tests := []struct {
		name     string
		record   *GuardRecord
		cutoff   time.Time
		expected bool
	}{
		{"window open", &GuardRecord{WindowExpiresAt: window}, t0, false},
		{"window ended exactly at cutoff", &GuardRecord{WindowExpiresAt: window}, window, false},
		{"window ended before cutoff", &GuardRecord{WindowExpiresAt: window}, window.Add(time.Second), true},
		{"block still running", &GuardRecord{WindowExpiresAt: window, BlockedUntil: &until}, window.Add(10*time.Minute), false},
		{"block ended before cutoff", &GuardRecord{WindowExpiresAt: window, BlockedUntil: &until}, until.Add(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.record.ExpiredBefore(tt.cutoff))
		})
	}
}

func TestGuardRecord_Clone(t *testing.T) {
	until := t0.Add(time.Minute)
	rec := &GuardRecord{Identifier: "user", Action: "login", Attempts: 3, BlockedUntil: &until, Version: 7}

	c := rec.Clone()
	assert.Equal(t, rec, c)

	*c.BlockedUntil = t0
	c.Attempts = 0
	assert.Equal(t, until, *rec.BlockedUntil)
	assert.Equal(t, 3, rec.Attempts)

	var nilRec *GuardRecord
	assert.Nil(t, nilRec.Clone())
}

func TestRecordKey(t *testing.T) {
	assert.Equal(t, RecordKey("user", "login"), (&GuardRecord{Identifier: "user", Action: "login"}).Key())
	assert.NotEqual(t, RecordKey("user", "login"), RecordKey("login", "user"))
}

func TestActionLimits_Validate(t *testing.T) {
	valid := ActionLimits{Window: time.Minute, MaxAttempts: 5, BlockDuration: 15 * time.Minute}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, "5 per 1m0s, block 15m0s", valid.String())

	tests := []struct {
		name   string
		limits ActionLimits
		errMsg string
	}{
		{"zero window", ActionLimits{MaxAttempts: 5, BlockDuration: time.Minute}, "window must be positive"},
		{"zero attempts", ActionLimits{Window: time.Minute, BlockDuration: time.Minute}, "max attempts must be at least 1"},
		{"negative block", ActionLimits{Window: time.Minute, MaxAttempts: 1, BlockDuration: -time.Second}, "block duration must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}
