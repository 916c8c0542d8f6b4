package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlainBid is a bid whose amount has already been decrypted.
// The settlement engine builds these from ledger entries; nothing in this
// package ever sees ciphertext.
type PlainBid struct {
	ID          string          `json:"id"`
	Bidder      string          `json:"bidder"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// SelectionResult contains the complete outcome of winner selection for one
// auction.
type SelectionResult struct {
	// Winner is the highest-ranked qualifying bid (nil if no bid met the
	// reserve, or there were no bids at all).
	Winner *PlainBid

	// Ranked contains all qualifying bids in their final deterministic order,
	// winner first.
	Ranked []PlainBid

	// ReserveRejectedIDs contains IDs of bids that decrypted cleanly but fell
	// below the reserve price.
	ReserveRejectedIDs []string
}
