package service

import (
	"time"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
)

// ProfileMode selects who writes the profile row for a new identity.
type ProfileMode string

const (
	// ProfileModeInline makes the processor insert the profile itself.
	ProfileModeInline ProfileMode = "inline"
	// ProfileModeExternal waits for an external trigger (e.g. an auth hook) to materialize it.
	ProfileModeExternal ProfileMode = "external"
)

// Config tunes ingest limits and the job processor.
type Config struct {
	MaxBytes    int64
	MaxUserRows int
	MaxTeamRows int

	BatchSize        int
	BatchDelay       time.Duration
	SlowBatchDelay   time.Duration
	MaxBatchDelay    time.Duration
	SlowRowThreshold time.Duration

	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	MaterializeAttempts int
	MaterializeDelay    time.Duration
	ProfileMode         ProfileMode

	MaxStoredErrors int
	NotifyTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:             10 << 20,
		MaxUserRows:          5000,
		MaxTeamRows:          1000,
		BatchSize:            25,
		BatchDelay:           500 * time.Millisecond,
		SlowBatchDelay:       2 * time.Second,
		MaxBatchDelay:        30 * time.Second,
		SlowRowThreshold:     400 * time.Millisecond,
		MaxRetries:           5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		MaterializeAttempts:  5,
		MaterializeDelay:     300 * time.Millisecond,
		ProfileMode:          ProfileModeInline,
		MaxStoredErrors:      1000,
		NotifyTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.MaxUserRows <= 0 {
		c.MaxUserRows = d.MaxUserRows
	}
	if c.MaxTeamRows <= 0 {
		c.MaxTeamRows = d.MaxTeamRows
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatchDelay <= 0 {
		c.MaxBatchDelay = d.MaxBatchDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.MaterializeAttempts <= 0 {
		c.MaterializeAttempts = d.MaterializeAttempts
	}
	if c.ProfileMode == "" {
		c.ProfileMode = d.ProfileMode
	}
	if c.MaxStoredErrors <= 0 {
		c.MaxStoredErrors = d.MaxStoredErrors
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

func (c Config) limitsFor(kind csvimport.Kind) csvimport.Limits {
	if kind == csvimport.KindTeams {
		return csvimport.Limits{MaxBytes: c.MaxBytes, MaxRows: c.MaxTeamRows}
	}
	return csvimport.Limits{MaxBytes: c.MaxBytes, MaxRows: c.MaxUserRows}
}
