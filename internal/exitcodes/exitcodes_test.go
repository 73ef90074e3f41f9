package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"json parse error", errors.New("json: cannot unmarshal string"), ConfigError},
		{"unknown transform", errors.New("invalid mapping jobs: unknown transform \"upper\""), ConfigError},
		{"missing env", errors.New("invalid config: missing required MSSQL_SERVER"), ConfigError},
		{"no such file", errors.New("open mappings/jobs.json: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), ConnectionError},
		{"login failed", errors.New("login failed for user"), ConnectionError},
		{"wrapped cancel", fmt.Errorf("fetching batch: %w", context.Canceled), Cancelled},
		{"interrupted", errors.New("run interrupted"), Cancelled},
		{"state error", errors.New("reading state file: bad"), StateError},
		{"id map", errors.New("id map jobs corrupt"), StateError},
		{"unknown error", errors.New("something unexpected happened"), SyncError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, PartialFailure)

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}
	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}
	if FromError(fmt.Errorf("run: %w", exitErr)) != PartialFailure {
		t.Errorf("FromError should extract code from wrapped ExitError")
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ConnectionError, Cancelled, IOError, PartialFailure}
	nonRecoverable := []int{Success, ConfigError, SyncError, StateError}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}
	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{SyncError, "sync error"},
		{PartialFailure, "rows failed (recoverable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := Description(tt.code); got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
