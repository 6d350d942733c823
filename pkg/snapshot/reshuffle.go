package snapshot

import (
	"time"
)

// reshuffle merges a superseded snapshot (tmp) into the accumulated
// history (old). Entries whose entry time plus the retention window lie
// before the remote's last data time are purged first; then every tmp
// entry absent from both the active snapshot and the history is
// appended. Duplicate detection is by id, which makes the merge safe to
// re-run on the same inputs. An empty tmp is a no-op.
func reshuffle[E any](old, tmp, active []E, id func(*E) uint32, entryTime func(*E) time.Time,
	lastData time.Time, retention time.Duration) []E {

	if len(tmp) == 0 {
		return old
	}

	seen := make(map[uint32]bool, len(active)+len(old))
	for i := range active {
		if v := id(&active[i]); v != 0 {
			seen[v] = true
		}
	}

	kept := make([]E, 0, len(old)+len(tmp))
	for i := range old {
		if retention > 0 && entryTime(&old[i]).Add(retention).Before(lastData) {
			continue
		}
		kept = append(kept, old[i])
		seen[id(&old[i])] = true
	}

	for i := range tmp {
		v := id(&tmp[i])
		if v == 0 || seen[v] {
			continue
		}
		kept = append(kept, tmp[i])
		seen[v] = true
	}
	return kept
}
