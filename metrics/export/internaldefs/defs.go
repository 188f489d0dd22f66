package internaldefs

import (
	goIntercept "github.com/MrEthical07/goIntercept"
)

// CounterDef names one counter.
type CounterDef struct {
	ID   goIntercept.MetricID
	Name string
	Help string
}

// HistogramDef names one histogram.
type HistogramDef struct {
	ID   goIntercept.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: goIntercept.MetricAuthStarted, Name: "gointercept_auth_started_total", Help: "Sign-in attempts that reached the code step."},
	{ID: goIntercept.MetricAuthRateLimited, Name: "gointercept_auth_rate_limited_total", Help: "Sign-in steps refused by a flood-wait or code budget."},
	{ID: goIntercept.MetricAuthFailure, Name: "gointercept_auth_failure_total", Help: "Sign-in steps that failed for transport or input reasons."},
	{ID: goIntercept.MetricAuthInvalidCode, Name: "gointercept_auth_invalid_code_total", Help: "Submitted codes rejected as invalid."},
	{ID: goIntercept.MetricAuthPasswordRequired, Name: "gointercept_auth_password_required_total", Help: "Sign-ins that required a second-factor password."},
	{ID: goIntercept.MetricAuthWrongPassword, Name: "gointercept_auth_wrong_password_total", Help: "Submitted passwords rejected."},
	{ID: goIntercept.MetricAuthCompleted, Name: "gointercept_auth_completed_total", Help: "Sign-ins that produced a credential."},
	{ID: goIntercept.MetricAuthExpired, Name: "gointercept_auth_expired_total", Help: "Sign-ins failed by an expired code."},
	{ID: goIntercept.MetricAuthCancelled, Name: "gointercept_auth_cancelled_total", Help: "Sign-ins cancelled or replaced by the requester."},
	{ID: goIntercept.MetricAuthEvicted, Name: "gointercept_auth_evicted_total", Help: "Idle sign-ins evicted by the reaper."},
	{ID: goIntercept.MetricInterceptStarted, Name: "gointercept_intercept_started_total", Help: "Accounts put under interception."},
	{ID: goIntercept.MetricInterceptUnauthorized, Name: "gointercept_intercept_unauthorized_total", Help: "Interception starts refused for a revoked credential."},
	{ID: goIntercept.MetricInterceptFailure, Name: "gointercept_intercept_failure_total", Help: "Interception starts that failed for transport reasons."},
	{ID: goIntercept.MetricInterceptStopped, Name: "gointercept_intercept_stopped_total", Help: "Interceptions stopped by the caller."},
	{ID: goIntercept.MetricInterceptEvicted, Name: "gointercept_intercept_evicted_total", Help: "Dead or revoked interceptions evicted by the reaper."},
	{ID: goIntercept.MetricRecipientAdded, Name: "gointercept_recipient_added_total", Help: "Recipients queued for a code."},
	{ID: goIntercept.MetricCodeDelivered, Name: "gointercept_code_delivered_total", Help: "Codes delivered to at least one recipient."},
	{ID: goIntercept.MetricCodeRecipients, Name: "gointercept_code_recipients_total", Help: "Recipients served across all deliveries."},
	{ID: goIntercept.MetricCodeDiscarded, Name: "gointercept_code_discarded_total", Help: "Codes seen while nobody was waiting."},
	{ID: goIntercept.MetricInboxOverflow, Name: "gointercept_inbox_overflow_total", Help: "Messages dropped because an account inbox was full."},
	{ID: goIntercept.MetricRemoteCallError, Name: "gointercept_remote_call_error_total", Help: "Remote calls that returned an error."},
	{ID: goIntercept.MetricFloodGateUnavailable, Name: "gointercept_flood_gate_unavailable_total", Help: "Flood gate checks skipped because Redis failed."},
}

var HistogramDefs = []HistogramDef{
	{ID: goIntercept.MetricRemoteCallLatency, Name: "gointercept_remote_call_latency_seconds", Help: "Remote call latency histogram."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's
// latency buckets.
var HistogramBounds = []string{
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"+Inf",
}

// HistogramBoundSuffix renders HistogramBounds for use in metric names.
var HistogramBoundSuffix = []string{
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
