package orders

import "strings"

// FailureClass tells the retry queue whether a failure is worth retrying
type FailureClass string

const (
	// FailureTransient may clear on its own (funds arrive, rate limit
	// resets, network recovers); eligible for retry
	FailureTransient FailureClass = "transient"

	// FailurePermanent will never succeed without human intervention;
	// excluded from retry
	FailurePermanent FailureClass = "permanent"
)

// permanentMarkers are rejection reason fragments that no retry can fix
var permanentMarkers = []string{
	"invalid symbol",
	"unknown symbol",
	"not a valid lot size",
	"lot size",
	"exchange not enabled",
	"unsupported exchange",
	"margin not enabled",
	"product not allowed",
	"instrument banned",
}

// transientMarkers are reason fragments that indicate a recoverable condition
var transientMarkers = []string{
	"insufficient balance",
	"insufficient funds",
	"margin shortfall",
	"rate limit",
	"too many requests",
	"timed out",
	"timeout",
	"connection",
	"network",
	"temporarily unavailable",
	"server error",
	"try again",
}

// ClassifyFailure buckets a broker rejection reason. Permanent markers win
// over transient ones; an unrecognized reason is treated as transient so a
// novel broker message never silently strands a retriable order.
func ClassifyFailure(reason string) FailureClass {
	lower := strings.ToLower(reason)

	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return FailurePermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return FailureTransient
		}
	}
	return FailureTransient
}
