package kernel

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rzp-labs/kernelhost/internal/kernel/protocol"
)

func TestMapResultExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		raw      RawResult
		wantExit *int
	}{
		{
			name:     "clean success",
			raw:      RawResult{Status: protocol.StatusOK, Output: "done"},
			wantExit: intPtr(0),
		},
		{
			name:     "interpreter error",
			raw:      RawResult{Status: protocol.StatusError},
			wantExit: intPtr(1),
		},
		{
			name:     "cancelled success has no exit code",
			raw:      RawResult{Status: protocol.StatusOK, Cancelled: true},
			wantExit: nil,
		},
		{
			name:     "cancelled error is still an error",
			raw:      RawResult{Status: protocol.StatusError, Cancelled: true},
			wantExit: intPtr(1),
		},
		{
			name:     "timed out error is still an error",
			raw:      RawResult{Status: protocol.StatusError, Cancelled: true, TimedOut: true},
			wantExit: intPtr(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := MapResult(tt.raw, 0)
			if tt.wantExit == nil {
				assert.Nil(t, res.ExitCode)
			} else {
				require.NotNil(t, res.ExitCode)
				assert.Equal(t, *tt.wantExit, *res.ExitCode)
			}
		})
	}
}

func TestMapResultTimeoutAnnotation(t *testing.T) {
	raw := RawResult{Status: protocol.StatusOK, Cancelled: true, TimedOut: true, Output: "partial output"}
	res := MapResult(raw, 120*time.Second)

	assert.Equal(t, "partial output\nCommand timed out after 120 seconds", res.Output)
	assert.Nil(t, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.True(t, res.Cancelled)
}

func TestMapResultTimeoutAnnotationEmptyOutput(t *testing.T) {
	raw := RawResult{Status: protocol.StatusOK, Cancelled: true, TimedOut: true}
	res := MapResult(raw, 30*time.Second)

	assert.Equal(t, "Command timed out after 30 seconds", res.Output)
}

func TestMapResultTimeoutAnnotationTrailingNewline(t *testing.T) {
	raw := RawResult{Status: protocol.StatusOK, Cancelled: true, TimedOut: true, Output: "line\n"}
	res := MapResult(raw, time.Minute)

	assert.Equal(t, "line\nCommand timed out after 60 seconds", res.Output)
}

func TestMapResultSubSecondTimeoutReportsOneSecond(t *testing.T) {
	raw := RawResult{Status: protocol.StatusOK, Cancelled: true, TimedOut: true}
	res := MapResult(raw, 500*time.Millisecond)

	assert.Equal(t, "Command timed out after 1 seconds", res.Output)
}

func TestMapResultPassthroughFields(t *testing.T) {
	raw := RawResult{
		Status:         protocol.StatusError,
		StdinRequested: true,
		Error:          &protocol.ErrorDetail{Type: "StdinNotSupportedError", Message: "input() is not supported"},
		Output:         "input requested",
		Duration:       time.Second,
	}
	res := MapResult(raw, 0)

	assert.True(t, res.StdinRequested)
	assert.Equal(t, protocol.StatusError, res.RawStatus)
	assert.Equal(t, "StdinNotSupportedError", res.ErrorType)
	assert.Equal(t, time.Second, res.Duration)
}

func TestMapResultProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := RawResult{
			Status:         rapid.SampledFrom([]string{protocol.StatusOK, protocol.StatusError}).Draw(t, "status"),
			Cancelled:      rapid.Bool().Draw(t, "cancelled"),
			TimedOut:       rapid.Bool().Draw(t, "timedOut"),
			StdinRequested: rapid.Bool().Draw(t, "stdin"),
			Output:         rapid.String().Draw(t, "output"),
		}
		timeout := time.Duration(rapid.IntRange(1, 3600).Draw(t, "timeoutSecs")) * time.Second

		res := MapResult(raw, timeout)

		switch {
		case raw.Status == protocol.StatusError:
			if res.ExitCode == nil || *res.ExitCode != 1 {
				t.Fatalf("error status must map to exit code 1, got %v", res.ExitCode)
			}
		case raw.Cancelled:
			if res.ExitCode != nil {
				t.Fatalf("cancelled success must have no exit code, got %d", *res.ExitCode)
			}
		default:
			if res.ExitCode == nil || *res.ExitCode != 0 {
				t.Fatalf("clean success must map to exit code 0, got %v", res.ExitCode)
			}
		}

		if raw.TimedOut {
			if !strings.Contains(res.Output, "Command timed out after") {
				t.Fatalf("timed out result missing annotation: %q", res.Output)
			}
			if !strings.HasPrefix(res.Output, raw.Output) {
				t.Fatalf("annotation must not disturb the original output")
			}
		} else if res.Output != raw.Output {
			t.Fatalf("output changed without a timeout: %q != %q", res.Output, raw.Output)
		}

		if res.StdinRequested != raw.StdinRequested {
			t.Fatalf("stdin_requested not preserved")
		}
		if res.RawStatus != raw.Status {
			t.Fatalf("raw status not preserved")
		}
	})
}

func intPtr(v int) *int { return &v }
