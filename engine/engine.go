// Package engine owns the auction lifecycle: the state machine transitions,
// the closing sweep invoked by the external scheduler, and the settlement
// computation that decrypts bids, selects the winner and triggers ticket
// issuance. Exactly-once behavior rests on the store's compare-and-set
// transitions, never on having seen a call before.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cloudx-io/blindticket/bridge"
	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
)

// ErrBridgeFinalizeFailed reports that settlement was recorded but the ticket
// issuance bridge did not acknowledge the finalize. The result stands; the
// caller retries the finalize through the idempotent re-query path.
var ErrBridgeFinalizeFailed = errors.New("ticket issuance finalize failed")

// ErrInvalidAuction reports rejected auction creation parameters.
var ErrInvalidAuction = errors.New("invalid auction parameters")

type Engine struct {
	store  store.Store
	keys   keyring.Decrypter
	bridge bridge.Issuer
	clock  Clock
	logger *zap.Logger

	// settling tracks auctions this process is currently settling, so
	// overlapping sweep invocations don't redo each other's work. Safety never
	// rests on it: cross-process exclusion comes from the store's
	// compare-and-set transitions.
	mu       sync.Mutex
	settling map[string]struct{}
}

func New(st store.Store, keys keyring.Decrypter, issuer bridge.Issuer, clock Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if issuer == nil {
		issuer = bridge.NopIssuer{}
	}
	return &Engine{
		store:    st,
		keys:     keys,
		bridge:   issuer,
		clock:    clock,
		logger:   logger,
		settling: make(map[string]struct{}),
	}
}

// beginSettle claims the auction for this process; false means another local
// invocation is already settling it.
func (e *Engine) beginSettle(auctionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.settling[auctionID]; busy {
		return false
	}
	e.settling[auctionID] = struct{}{}
	return true
}

func (e *Engine) endSettle(auctionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.settling, auctionID)
}

// CreateAuctionParams are supplied by the external listing workflow.
type CreateAuctionParams struct {
	ListingID    string
	StartTime    time.Time
	EndTime      time.Time
	ReservePrice decimal.Decimal
	MinIncrement decimal.Decimal
}

// CreateAuction validates the parameters and persists a new auction in
// scheduled state. Activation is time-derived, not an explicit call.
func (e *Engine) CreateAuction(ctx context.Context, p CreateAuctionParams) (store.Auction, error) {
	if p.ListingID == "" {
		return store.Auction{}, fmt.Errorf("%w: listing id required", ErrInvalidAuction)
	}
	if !p.EndTime.After(p.StartTime) {
		return store.Auction{}, fmt.Errorf("%w: end time must be after start time", ErrInvalidAuction)
	}
	if p.ReservePrice.IsNegative() {
		return store.Auction{}, fmt.Errorf("%w: negative reserve price %s", ErrInvalidAuction, p.ReservePrice)
	}
	if p.MinIncrement.IsNegative() {
		return store.Auction{}, fmt.Errorf("%w: negative min increment %s", ErrInvalidAuction, p.MinIncrement)
	}

	now := e.clock.Now()
	a := store.Auction{
		ID:           uuid.NewString(),
		ListingID:    p.ListingID,
		StartTime:    p.StartTime.UTC(),
		EndTime:      p.EndTime.UTC(),
		ReservePrice: p.ReservePrice,
		MinIncrement: p.MinIncrement,
		Status:       store.StatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateAuction(ctx, &a); err != nil {
		return store.Auction{}, err
	}

	e.logger.Info("auction created",
		zap.String("auction_id", a.ID),
		zap.String("listing_id", a.ListingID),
		zap.Time("end_time", a.EndTime),
	)
	return a, nil
}

// GetAuction returns the auction with its effective (time-derived) status.
func (e *Engine) GetAuction(ctx context.Context, id string) (store.Auction, error) {
	a, err := e.store.GetAuction(ctx, id)
	if err != nil {
		return store.Auction{}, err
	}
	a.Status = a.EffectiveStatus(e.clock.Now())
	return a, nil
}

// ListAuctions returns all auctions with effective statuses.
func (e *Engine) ListAuctions(ctx context.Context) ([]store.Auction, error) {
	items, err := e.store.ListAuctions(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(now)
	}
	return items, nil
}

// SubmitBid appends a sealed bid to the ledger. Fails with
// store.ErrAuctionNotActive when the auction is not accepting bids and
// store.ErrDuplicateBid on an exact ciphertext replay by the same bidder.
func (e *Engine) SubmitBid(ctx context.Context, auctionID, bidder string, sealed keyring.SealedAmount) (store.Bid, error) {
	bid, err := e.store.AppendBid(ctx, auctionID, bidder, sealed, e.clock.Now())
	if err != nil {
		return store.Bid{}, err
	}

	e.logger.Info("bid accepted",
		zap.String("auction_id", auctionID),
		zap.String("bid_id", bid.ID),
	)
	return bid, nil
}

// Void cancels an auction administratively. Forbidden once any bid exists.
func (e *Engine) Void(ctx context.Context, auctionID string) error {
	if err := e.store.VoidAuction(ctx, auctionID, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Info("auction voided", zap.String("auction_id", auctionID))
	return nil
}
