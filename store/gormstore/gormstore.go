// Package gormstore is the Postgres-backed Store. Status transitions are
// conditional UPDATEs (compare-and-set on the status column) so concurrent
// trigger invocations from independent processes admit exactly one winner;
// bid appends run in a transaction that row-locks the auction, keeping the
// status/deadline read consistent with the insert.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&store.Auction{},
		&store.Bid{},
		&store.SettlementRecord{},
	)
}

// domainErrs pass through wrap untouched so callers can errors.Is them.
var domainErrs = []error{
	store.ErrAuctionNotFound,
	store.ErrSettlementNotFound,
	store.ErrAuctionNotActive,
	store.ErrDuplicateBid,
	store.ErrTransitionConflict,
	store.ErrAuctionHasBids,
}

// wrap classifies an error: domain errors are returned as-is, anything else
// is a storage fault.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	for _, de := range domainErrs {
		if errors.Is(err, de) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
}

func (s *Store) CreateAuction(ctx context.Context, a *store.Auction) error {
	return wrap(s.db.WithContext(ctx).Create(a).Error)
}

func (s *Store) GetAuction(ctx context.Context, id string) (store.Auction, error) {
	var a store.Auction
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Auction{}, store.ErrAuctionNotFound
	}
	if err != nil {
		return store.Auction{}, wrap(err)
	}
	return a, nil
}

func (s *Store) ListAuctions(ctx context.Context) ([]store.Auction, error) {
	var items []store.Auction
	err := s.db.WithContext(ctx).
		Order("created_at desc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, wrap(err)
	}
	return items, nil
}

func (s *Store) ListDueAuctions(ctx context.Context, now time.Time) ([]store.Auction, error) {
	// Persist the lazy scheduled → active transition first so the returned
	// rows are CAS-able from active.
	err := s.db.WithContext(ctx).Model(&store.Auction{}).
		Where("status = ? AND start_time <= ?", store.StatusScheduled, now).
		Updates(map[string]any{"status": store.StatusActive, "updated_at": now}).Error
	if err != nil {
		return nil, wrap(err)
	}

	var due []store.Auction
	err = s.db.WithContext(ctx).
		Where("status IN ? AND end_time <= ?", []store.Status{store.StatusActive, store.StatusClosing}, now).
		Order("end_time asc, id asc").
		Find(&due).Error
	if err != nil {
		return nil, wrap(err)
	}
	return due, nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to store.Status) (bool, error) {
	res := s.db.WithContext(ctx).Model(&store.Auction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, wrap(res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Lost the race, or the auction does not exist at all.
	var count int64
	if err := s.db.WithContext(ctx).Model(&store.Auction{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, wrap(err)
	}
	if count == 0 {
		return false, store.ErrAuctionNotFound
	}
	return false, nil
}

func (s *Store) AppendBid(ctx context.Context, auctionID, bidder string, sealed keyring.SealedAmount, now time.Time) (store.Bid, error) {
	bid := store.Bid{
		ID:          uuid.NewString(),
		AuctionID:   auctionID,
		Bidder:      bidder,
		Sealed:      sealed,
		SubmittedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a store.Auction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", auctionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrAuctionNotFound
		}
		if err != nil {
			return err
		}

		if a.Status == store.StatusScheduled && !now.Before(a.StartTime) {
			if err := tx.Model(&store.Auction{}).Where("id = ?", auctionID).
				Updates(map[string]any{"status": store.StatusActive, "updated_at": now}).Error; err != nil {
				return err
			}
			a.Status = store.StatusActive
		}

		if a.Status != store.StatusActive || !now.Before(a.EndTime) {
			return store.ErrAuctionNotActive
		}

		var existing []store.Bid
		if err := tx.Where("auction_id = ? AND bidder = ?", auctionID, bidder).Find(&existing).Error; err != nil {
			return err
		}
		for _, e := range existing {
			if e.Sealed == sealed {
				return store.ErrDuplicateBid
			}
		}

		return tx.Create(&bid).Error
	})
	if err != nil {
		return store.Bid{}, wrap(err)
	}
	return bid, nil
}

func (s *Store) ListBids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := s.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("submitted_at asc, id asc").
		Find(&bids).Error
	if err != nil {
		return nil, wrap(err)
	}
	return bids, nil
}

func (s *Store) RecordSettlement(ctx context.Context, rec *store.SettlementRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&store.Auction{}).
			Where("id = ? AND status = ?", rec.AuctionID, store.StatusClosing).
			Updates(map[string]any{
				"status":         store.StatusSettled,
				"winning_bid_id": rec.WinningBidID,
				"clearing_price": rec.ClearingPrice,
				"updated_at":     rec.SettledAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrTransitionConflict
		}
		return tx.Create(rec).Error
	})
	return wrap(err)
}

func (s *Store) GetSettlement(ctx context.Context, auctionID string) (store.SettlementRecord, error) {
	var rec store.SettlementRecord
	err := s.db.WithContext(ctx).First(&rec, "auction_id = ?", auctionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.SettlementRecord{}, store.ErrSettlementNotFound
	}
	if err != nil {
		return store.SettlementRecord{}, wrap(err)
	}
	return rec, nil
}

func (s *Store) MarkFinalized(ctx context.Context, auctionID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&store.SettlementRecord{}).
		Where("auction_id = ? AND finalized_at IS NULL", auctionID).
		Update("finalized_at", at)
	if res.Error != nil {
		return false, wrap(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) VoidAuction(ctx context.Context, id string, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a store.Auction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrAuctionNotFound
		}
		if err != nil {
			return err
		}

		status := a.EffectiveStatus(now)
		if status != store.StatusScheduled && status != store.StatusActive {
			return store.ErrTransitionConflict
		}

		var bidCount int64
		if err := tx.Model(&store.Bid{}).Where("auction_id = ?", id).Count(&bidCount).Error; err != nil {
			return err
		}
		if bidCount > 0 {
			return store.ErrAuctionHasBids
		}

		return tx.Model(&store.Auction{}).Where("id = ?", id).
			Updates(map[string]any{"status": store.StatusVoided, "updated_at": now}).Error
	})
	return wrap(err)
}
