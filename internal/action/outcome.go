package action

import "time"

// Status classifies how a dispatch ended.
type Status string

const (
	StatusSucceeded         Status = "succeeded"
	StatusFailedRecoverable Status = "failed-recoverable"
	StatusFailedFatal       Status = "failed-fatal"
	StatusDenied            Status = "denied"
)

// Outcome is the single, immutable result of one logical Request. Channel
// names the adapter that produced the result (empty when no adapter ran,
// e.g. policy denials).
type Outcome struct {
	RequestID string         `json:"request_id"`
	Target    string         `json:"target"`
	Kind      Kind           `json:"kind"`
	Status    Status         `json:"status"`
	Channel   string         `json:"channel,omitempty"`
	Err       *Error         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
	At        time.Time      `json:"at"`
}

// Succeeded builds a success outcome for req via the named channel.
func Succeeded(req *Request, channel string, detail map[string]any) Outcome {
	return Outcome{
		RequestID: req.ID,
		Target:    req.Target,
		Kind:      req.Kind,
		Status:    StatusSucceeded,
		Channel:   channel,
		Detail:    detail,
		At:        time.Now(),
	}
}

// Failed builds a failure outcome; the status follows the error's
// recoverability.
func Failed(req *Request, channel string, err *Error) Outcome {
	status := StatusFailedFatal
	if err != nil && err.Recoverable {
		status = StatusFailedRecoverable
	}
	return Outcome{
		RequestID: req.ID,
		Target:    req.Target,
		Kind:      req.Kind,
		Status:    status,
		Channel:   channel,
		Err:       err,
		At:        time.Now(),
	}
}

// Denied builds the policy-refusal outcome. No adapter is ever named.
func Denied(req *Request, err *Error) Outcome {
	return Outcome{
		RequestID: req.ID,
		Target:    req.Target,
		Kind:      req.Kind,
		Status:    StatusDenied,
		Err:       err,
		At:        time.Now(),
	}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSucceeded
}
