package core

import (
	"github.com/shopspring/decimal"
)

// SelectWinner executes the core settlement computation: reserve enforcement
// followed by deterministic ranking.
//
// Parameters:
//   - bids: decrypted bids from the ledger (submission order)
//   - reserve: the auction's reserve price
//
// Returns a SelectionResult with the winner (nil when nothing qualifies),
// the full ranking, and the IDs of bids rejected for falling below the
// reserve.
//
// Processing flow:
//  1. Enforce the reserve price
//  2. Rank qualifying bids (amount desc, submission time asc, ID asc)
//  3. Extract the winner from the ranking
func SelectWinner(bids []PlainBid, reserve decimal.Decimal) *SelectionResult {
	eligible, rejectedIDs := EnforceReserve(bids, reserve)

	ranked := RankBids(eligible)

	var winner *PlainBid
	if len(ranked) > 0 {
		winner = &ranked[0]
	}

	return &SelectionResult{
		Winner:             winner,
		Ranked:             ranked,
		ReserveRejectedIDs: rejectedIDs,
	}
}
