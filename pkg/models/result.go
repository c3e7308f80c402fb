// Package models contains shared data models used across the checksync codebase.
package models

import (
	"encoding/json"
	"time"
)

// ResultType distinguishes retried attempts from the final outcome of a check run.
type ResultType string

const (
	ResultTypeFinal   ResultType = "FINAL"
	ResultTypeAttempt ResultType = "ATTEMPT"
)

// CheckResult is one observation of a monitored entity at one location and time.
// Results are immutable once written; the detail payload is present only after
// enrichment of a failing or degraded result.
type CheckResult struct {
	ID             string        `db:"id"            json:"id"`
	EntityID       string        `db:"entity_id"     json:"entity_id"`
	AccountID      string        `db:"account_id"    json:"account_id"`
	Location       string        `db:"location"      json:"location"`
	StartedAt      time.Time     `db:"started_at"    json:"started_at"`
	StoppedAt      time.Time     `db:"stopped_at"    json:"stopped_at"`
	Attempt        int           `db:"attempt"       json:"attempt"`
	Type           ResultType    `db:"result_type"   json:"result_type"`
	HasErrors      bool          `db:"has_errors"    json:"has_errors"`
	HasFailures    bool          `db:"has_failures"  json:"has_failures"`
	IsDegraded     bool          `db:"is_degraded"   json:"is_degraded"`
	ResponseTimeMs float64       `db:"response_time" json:"response_time_ms"`
	Detail         *ResultDetail `db:"detail"        json:"detail,omitempty"`
	FetchedAt      time.Time     `db:"fetched_at"    json:"fetched_at"`
}

// Failing reports whether the result represents a failed or errored execution.
func (r CheckResult) Failing() bool {
	return r.HasErrors || r.HasFailures
}

// NeedsEnrichment reports whether the full detail payload is worth fetching.
// Passing results never need it.
func (r CheckResult) NeedsEnrichment() bool {
	return r.HasErrors || r.HasFailures || r.IsDegraded
}

// DetailKind tags the known result detail variants.
type DetailKind string

const (
	DetailKindAPI       DetailKind = "API"
	DetailKindBrowser   DetailKind = "BROWSER"
	DetailKindMultiStep DetailKind = "MULTI_STEP"
	DetailKindUnknown   DetailKind = "UNKNOWN"
)

// ResultDetail is the enriched payload of a check result, decoded into a
// tagged variant per known check kind. Raw always carries the original bytes
// so unknown kinds survive a round trip unchanged.
type ResultDetail struct {
	Kind         DetailKind      `json:"kind"`
	API          *APIDetail      `json:"api,omitempty"`
	Browser      *ScriptedDetail `json:"browser,omitempty"`
	MultiStep    *ScriptedDetail `json:"multi_step,omitempty"`
	SetupLogs    []ScriptLog     `json:"setup_logs,omitempty"`
	TeardownLogs []ScriptLog     `json:"teardown_logs,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// APIDetail holds the failure-relevant fields of an API check execution.
type APIDetail struct {
	AssertionError      string `json:"assertion_error,omitempty"`
	OverMaxResponseTime bool   `json:"over_max_response_time,omitempty"`
	RequestError        string `json:"request_error,omitempty"`
}

// ScriptedDetail holds the error list of a browser or multi-step execution.
type ScriptedDetail struct {
	Errors []ErrorEntry `json:"errors,omitempty"`
}

// ScriptLog is one line emitted by a setup or teardown script.
type ScriptLog struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ErrorEntry is one element of a scripted check's error list. Upstream sends
// either a bare string or an object with a message field; both decode to the
// same shape.
type ErrorEntry struct {
	Message string
}

func (e *ErrorEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Message = obj.Message
	return nil
}

func (e ErrorEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Message)
}

// detailWire is the upstream shape of a full result detail.
type detailWire struct {
	CheckType            string          `json:"checkType"`
	APICheckResult       *APIDetailWire  `json:"apiCheckResult"`
	BrowserCheckResult   *scriptedWire   `json:"browserCheckResult"`
	MultiStepCheckResult *scriptedWire   `json:"multiStepCheckResult"`
	SetupLogs            []scriptLogWire `json:"setupLogs"`
	TeardownLogs         []scriptLogWire `json:"teardownLogs"`
}

// APIDetailWire mirrors the upstream apiCheckResult object.
type APIDetailWire struct {
	AssertionError      string `json:"assertionError"`
	OverMaxResponseTime bool   `json:"overMaxResponseTime"`
	RequestError        string `json:"requestError"`
}

type scriptedWire struct {
	Errors []ErrorEntry `json:"errors"`
}

type scriptLogWire struct {
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Time    time.Time `json:"time"`
}

// DecodeDetail parses a raw upstream detail payload into a tagged ResultDetail.
// Unrecognized check types decode to DetailKindUnknown with the raw bytes kept.
func DecodeDetail(raw []byte) (*ResultDetail, error) {
	var wire detailWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}

	d := &ResultDetail{Raw: append(json.RawMessage(nil), raw...)}
	for _, l := range wire.SetupLogs {
		d.SetupLogs = append(d.SetupLogs, ScriptLog(l))
	}
	for _, l := range wire.TeardownLogs {
		d.TeardownLogs = append(d.TeardownLogs, ScriptLog(l))
	}

	switch wire.CheckType {
	case "API":
		d.Kind = DetailKindAPI
		if wire.APICheckResult != nil {
			d.API = &APIDetail{
				AssertionError:      wire.APICheckResult.AssertionError,
				OverMaxResponseTime: wire.APICheckResult.OverMaxResponseTime,
				RequestError:        wire.APICheckResult.RequestError,
			}
		}
	case "BROWSER":
		d.Kind = DetailKindBrowser
		if wire.BrowserCheckResult != nil {
			d.Browser = &ScriptedDetail{Errors: wire.BrowserCheckResult.Errors}
		}
	case "MULTI_STEP":
		d.Kind = DetailKindMultiStep
		if wire.MultiStepCheckResult != nil {
			d.MultiStep = &ScriptedDetail{Errors: wire.MultiStepCheckResult.Errors}
		}
	default:
		d.Kind = DetailKindUnknown
	}
	return d, nil
}
