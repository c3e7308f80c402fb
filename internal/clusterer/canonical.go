// Package clusterer deduplicates failing results into persistent error
// clusters via nearest-neighbor search over embeddings.
package clusterer

import (
	"strings"

	"github.com/checksync/checksync/pkg/models"
)

// FallbackError is the canonical string for failures with no usable error
// text, e.g. results that never got to execute.
const FallbackError = "Scheduling error"

// overMaxResponseTimeError canonicalizes results failed purely on latency.
const overMaxResponseTimeError = "Response time over max response time"

// CanonicalError derives the canonical error string for a failing result.
// Sources are consulted in a fixed precedence order so the same failure mode
// always produces the same string regardless of payload noise.
func CanonicalError(r models.CheckResult) string {
	d := r.Detail
	if d == nil {
		return FallbackError
	}

	if d.API != nil {
		if d.API.AssertionError != "" {
			return d.API.AssertionError
		}
		if d.API.OverMaxResponseTime {
			return overMaxResponseTimeError
		}
		if d.API.RequestError != "" {
			return d.API.RequestError
		}
	}

	if msg := lastErrorLog(d.SetupLogs); msg != "" {
		return msg
	}
	if msg := lastErrorLog(d.TeardownLogs); msg != "" {
		return msg
	}

	var entries []models.ErrorEntry
	switch {
	case d.Browser != nil:
		entries = d.Browser.Errors
	case d.MultiStep != nil:
		entries = d.MultiStep.Errors
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Message) != "" {
			return e.Message
		}
	}

	return FallbackError
}

func lastErrorLog(logs []models.ScriptLog) string {
	for i := len(logs) - 1; i >= 0; i-- {
		if strings.EqualFold(logs[i].Level, "error") && logs[i].Message != "" {
			return logs[i].Message
		}
	}
	return ""
}
