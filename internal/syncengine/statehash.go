package syncengine

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// StateHash computes a stable digest over sorted (path, size, content_hash)
// triples. Sorting first makes the digest independent of map iteration
// order, so equal trees always fingerprint equal.
func StateHash(localMap map[string]*model.FSEntry) uint64 {
	paths := make([]string, 0, len(localMap))
	for p := range localMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := xxhash.New()
	for _, p := range paths {
		entry := localMap[p]
		h.WriteString(p)
		h.WriteString("|")
		h.WriteString(strconv.FormatInt(entry.SizeBytes, 10))
		h.WriteString("|")
		h.WriteString(entry.ContentHash)
		h.WriteString("\n")
	}
	return h.Sum64()
}

// RemoteStateHash is StateHash's counterpart over the remote-side map, so a
// divergent local/remote tree produces a different digest even when every
// individual path decision was NoOp (used to derive divergence_detected).
func RemoteStateHash(remoteMap map[string]*RemoteFile) uint64 {
	paths := make([]string, 0, len(remoteMap))
	for p := range remoteMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := xxhash.New()
	for _, p := range paths {
		r := remoteMap[p]
		h.WriteString(p)
		h.WriteString("|")
		h.WriteString(strconv.FormatInt(r.Size, 10))
		h.WriteString("|")
		h.WriteString(r.ContentHash)
		h.WriteString("\n")
	}
	return h.Sum64()
}
