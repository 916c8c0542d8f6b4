// Package bridge is the boundary to ticket issuance. The settlement engine
// emits one finalize command per auction; granting the ticket and capturing
// payment happen on the other side of this interface.
package bridge

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/blindticket/store"
)

// Finalization is the settlement result handed to ticket issuance. A nil
// WinningBidID is the no-sale notice; Outcome says whether there were no
// bids or none met the reserve.
type Finalization struct {
	AuctionID     string                  `json:"auction_id"`
	Outcome       store.SettlementOutcome `json:"outcome"`
	WinningBidID  *string                 `json:"winning_bid_id"`
	ClearingPrice *decimal.Decimal        `json:"clearing_price"`
}

// Issuer consumes finalize commands. Failure is observable: the engine keeps
// the settlement record and retries the finalize through the idempotent
// re-query path, never by re-running settlement.
type Issuer interface {
	Finalize(ctx context.Context, f Finalization) error
}

// NopIssuer acknowledges every finalize without doing anything. Used when no
// issuance endpoint is configured.
type NopIssuer struct{}

func (NopIssuer) Finalize(ctx context.Context, f Finalization) error {
	return nil
}

// RecordingIssuer captures finalize calls, optionally failing a configured
// number of times first.
type RecordingIssuer struct {
	mu       sync.Mutex
	calls    []Finalization
	failures int
	failErr  error
}

// FailFirst makes the next n Finalize calls return err.
func (r *RecordingIssuer) FailFirst(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
	r.failErr = err
}

func (r *RecordingIssuer) Finalize(ctx context.Context, f Finalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return r.failErr
	}
	r.calls = append(r.calls, f)
	return nil
}

// Calls returns a copy of the finalizations acknowledged so far.
func (r *RecordingIssuer) Calls() []Finalization {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Finalization, len(r.calls))
	copy(out, r.calls)
	return out
}
