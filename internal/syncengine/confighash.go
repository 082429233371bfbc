package syncengine

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// PolicyConfigHash digests a policy's decision-affecting fields: interval,
// enabled, and the strategy/conflict-policy pair of whichever concrete form
// is populated. Timestamps and the stored hash itself are excluded, so the
// digest only changes when a rerun would plan differently.
func PolicyConfigHash(p model.SyncPolicy) uint64 {
	h := xxhash.New()
	h.WriteString(strconv.FormatInt(int64(p.Interval), 10))
	h.WriteString("|")
	h.WriteString(strconv.FormatBool(p.Enabled))
	h.WriteString("|")
	switch {
	case p.Remote != nil:
		h.WriteString("remote|")
		h.WriteString(string(p.Remote.Strategy))
		h.WriteString("|")
		h.WriteString(string(p.Remote.ConflictPolicy))
	case p.Local != nil:
		h.WriteString("local|")
		h.WriteString(string(p.Local.ConflictPolicy))
	}
	return h.Sum64()
}
