// Package memstore is an in-memory Store used by tests and single-process
// deployments. One mutex covers every operation, which trivially provides the
// consistency the Store contract asks for: status reads are consistent with
// bid appends, and compare-and-set transitions admit exactly one winner.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
)

type Store struct {
	mu          sync.Mutex
	auctions    map[string]*store.Auction
	bids        map[string][]store.Bid
	settlements map[string]*store.SettlementRecord
}

func New() *Store {
	return &Store{
		auctions:    make(map[string]*store.Auction),
		bids:        make(map[string][]store.Bid),
		settlements: make(map[string]*store.SettlementRecord),
	}
}

func (s *Store) CreateAuction(ctx context.Context, a *store.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[a.ID]; exists {
		return fmt.Errorf("auction %s already exists", a.ID)
	}

	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return store.Auction{}, store.ErrAuctionNotFound
	}
	return *a, nil
}

func (s *Store) ListAuctions(ctx context.Context) ([]store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListDueAuctions(ctx context.Context, now time.Time) ([]store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]store.Auction, 0)
	for _, a := range s.auctions {
		s.activateLocked(a, now)
		settleable := a.Status == store.StatusActive || a.Status == store.StatusClosing
		if settleable && !now.Before(a.EndTime) {
			due = append(due, *a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].EndTime.Equal(due[j].EndTime) {
			return due[i].EndTime.Before(due[j].EndTime)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// activateLocked persists the lazy scheduled → active transition. Caller
// holds the mutex.
func (s *Store) activateLocked(a *store.Auction, now time.Time) {
	if a.Status == store.StatusScheduled && !now.Before(a.StartTime) {
		a.Status = store.StatusActive
		a.UpdatedAt = now
	}
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to store.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return false, store.ErrAuctionNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) AppendBid(ctx context.Context, auctionID, bidder string, sealed keyring.SealedAmount, now time.Time) (store.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return store.Bid{}, store.ErrAuctionNotFound
	}

	s.activateLocked(a, now)
	if a.Status != store.StatusActive || !now.Before(a.EndTime) {
		return store.Bid{}, store.ErrAuctionNotActive
	}

	for _, existing := range s.bids[auctionID] {
		if existing.Bidder == bidder && existing.Sealed == sealed {
			return store.Bid{}, store.ErrDuplicateBid
		}
	}

	bid := store.Bid{
		ID:          uuid.NewString(),
		AuctionID:   auctionID,
		Bidder:      bidder,
		Sealed:      sealed,
		SubmittedAt: now,
	}
	s.bids[auctionID] = append(s.bids[auctionID], bid)
	return bid, nil
}

func (s *Store) ListBids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Bid, len(s.bids[auctionID]))
	copy(out, s.bids[auctionID])
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RecordSettlement(ctx context.Context, rec *store.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[rec.AuctionID]
	if !ok {
		return store.ErrAuctionNotFound
	}
	if a.Status != store.StatusClosing {
		return store.ErrTransitionConflict
	}

	a.Status = store.StatusSettled
	a.WinningBidID = rec.WinningBidID
	a.ClearingPrice = rec.ClearingPrice
	a.UpdatedAt = rec.SettledAt

	cp := *rec
	s.settlements[rec.AuctionID] = &cp
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, auctionID string) (store.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[auctionID]
	if !ok {
		return store.SettlementRecord{}, store.ErrSettlementNotFound
	}
	return *rec, nil
}

func (s *Store) MarkFinalized(ctx context.Context, auctionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[auctionID]
	if !ok {
		return false, store.ErrSettlementNotFound
	}
	if rec.FinalizedAt != nil {
		return false, nil
	}
	stamp := at
	rec.FinalizedAt = &stamp
	return true, nil
}

func (s *Store) VoidAuction(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return store.ErrAuctionNotFound
	}

	s.activateLocked(a, now)
	if a.Status != store.StatusScheduled && a.Status != store.StatusActive {
		return store.ErrTransitionConflict
	}
	if len(s.bids[id]) > 0 {
		return store.ErrAuctionHasBids
	}

	a.Status = store.StatusVoided
	a.UpdatedAt = now
	return nil
}
