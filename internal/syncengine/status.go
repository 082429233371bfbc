package syncengine

import (
	"time"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// DefaultStallAfter bounds how old a running event's heartbeat may grow
// before any observer query reports the run STALLED.
const DefaultStallAfter = 90 * time.Second

// ParseCurrentStatus applies, in order: terminal-state preservation,
// explicit error, the failed-ops rule, the stall check, and finally the
// default SUCCESS.
func ParseCurrentStatus(ev *model.SyncEvent, now time.Time, stallAfter time.Duration) model.EventStatus {
	if ev.Status == model.EventCancelled || ev.Status == model.EventSuccess || ev.Status == model.EventError {
		return ev.Status
	}
	if ev.ErrorCode != "" {
		return model.EventError
	}
	if ev.NumFailedOps > 0 {
		return model.EventError
	}
	if now.Sub(ev.HeartbeatAt) >= stallAfter {
		return model.EventStalled
	}
	return model.EventSuccess
}
