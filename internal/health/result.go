package health

import "time"

// FailureKind classifies why a probe failed.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTimeout    FailureKind = "timeout"
	FailureRefused    FailureKind = "refused"
	FailureDNS        FailureKind = "dns"
	FailureTLS        FailureKind = "tls"
	FailureHTTPStatus FailureKind = "http_status"
	FailureOther      FailureKind = "other"
)

// Result is the outcome of one Check.
type Result struct {
	Success    bool
	StatusCode int // 0 when no response was received
	Duration   time.Duration
	Err        string
	Failure    FailureKind
	Timestamp  time.Time
}

func (r Result) IsHealthy() bool {
	return r.Success && r.StatusCode > 0 && r.StatusCode < 400
}
