package ledger

import (
	"sort"
	"time"

	"github.com/edvin/agentvm/internal/model"
)

// Reconcile diffs the local non-terminal inventory against the backend's
// authoritative ID set. Pure set operations over two point-in-time
// snapshots: the result does not depend on which side was fetched first.
//
//	local ∩ remote → matched
//	remote \ local → orphans (surfaced, never auto-deleted)
//	local \ remote → stale (the network is authoritative for existence)
//	matched ∧ past expiry ∧ still healthy → expired-active
func Reconcile(local []model.ResourceRecord, remote map[string]struct{}, now time.Time) model.ReconciliationResult {
	localIDs := make(map[string]struct{}, len(local))
	res := model.ReconciliationResult{
		Matched:       []string{},
		Orphans:       []string{},
		Stale:         []string{},
		ExpiredActive: []string{},
	}

	for _, r := range local {
		if model.IsTerminal(r.State) {
			continue
		}
		localIDs[r.ID] = struct{}{}

		if _, ok := remote[r.ID]; !ok {
			res.Stale = append(res.Stale, r.ID)
			continue
		}
		res.Matched = append(res.Matched, r.ID)
		if (r.State == model.StateHealthy || r.State == model.StateExpired) && r.Expired(now) {
			res.ExpiredActive = append(res.ExpiredActive, r.ID)
		}
	}

	for id := range remote {
		if _, ok := localIDs[id]; !ok {
			res.Orphans = append(res.Orphans, id)
		}
	}

	sort.Strings(res.Matched)
	sort.Strings(res.Orphans)
	sort.Strings(res.Stale)
	sort.Strings(res.ExpiredActive)
	return res
}
