package notify

import "time"

// windowLimiter enforces two true sliding-window caps over delivery
// timestamps. Token buckets smooth bursts but cannot express a hard
// "N in any trailing window" cap, which is what the limits require, so the
// windows are tracked directly.
type windowLimiter struct {
	perMinute int
	perHour   int
	sent      []time.Time // ascending, pruned to the hour window
}

func newWindowLimiter(perMinute, perHour int) *windowLimiter {
	return &windowLimiter{perMinute: perMinute, perHour: perHour}
}

// allow records a send at now if both windows have room
func (l *windowLimiter) allow(now time.Time) bool {
	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	// Prune everything outside the hour window
	cut := 0
	for cut < len(l.sent) && !l.sent[cut].After(hourAgo) {
		cut++
	}
	l.sent = l.sent[cut:]

	if len(l.sent) >= l.perHour {
		return false
	}

	inMinute := 0
	for i := len(l.sent) - 1; i >= 0; i-- {
		if !l.sent[i].After(minuteAgo) {
			break
		}
		inMinute++
	}
	if inMinute >= l.perMinute {
		return false
	}

	l.sent = append(l.sent, now)
	return true
}
