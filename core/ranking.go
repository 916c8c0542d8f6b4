package core

import (
	"sort"
)

// RankBids orders bids into the total order used for winner selection:
// highest amount first, ties broken by earliest submission time, then by
// lowest bid ID. The order is deterministic so a settlement computed twice
// over the same ledger produces the same result.
func RankBids(bids []PlainBid) []PlainBid {
	ranked := make([]PlainBid, len(bids))
	copy(ranked, bids)

	sort.Slice(ranked, func(i, j int) bool {
		cmp := ranked[i].Amount.Cmp(ranked[j].Amount)
		if cmp != 0 {
			return cmp > 0
		}
		if !ranked[i].SubmittedAt.Equal(ranked[j].SubmittedAt) {
			return ranked[i].SubmittedAt.Before(ranked[j].SubmittedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})

	return ranked
}
