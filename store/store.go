// Package store defines the persistence surface for auctions, the append-only
// bid ledger, and settlement records. The two implementations (memstore,
// gormstore) provide the same per-auction compare-and-set guarantees; all
// exactly-once behavior in the engine is built on them rather than on
// in-process locks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/blindticket/keyring"
)

var (
	// ErrAuctionNotFound reports an unknown auction ID.
	ErrAuctionNotFound = errors.New("auction not found")

	// ErrSettlementNotFound reports that no settlement record exists yet.
	ErrSettlementNotFound = errors.New("settlement not found")

	// ErrAuctionNotActive reports a bid against an auction that is not
	// accepting bids (wrong state, or past its deadline).
	ErrAuctionNotActive = errors.New("auction not active")

	// ErrDuplicateBid reports an exact ciphertext replay by the same bidder.
	ErrDuplicateBid = errors.New("duplicate bid")

	// ErrTransitionConflict reports a lost race on a status transition.
	// Not a failure: another caller is handling the auction.
	ErrTransitionConflict = errors.New("status transition conflict")

	// ErrAuctionHasBids reports a void attempt after a bid was recorded.
	ErrAuctionHasBids = errors.New("auction has bids")

	// ErrStorageUnavailable wraps storage-layer I/O faults. Retryable by the
	// caller; no partial write is ever visible.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Status is the authoritative lifecycle state of an auction. Transitions are
// monotonic: scheduled → active → closing → settled, with voided reachable
// only from scheduled/active while zero bids exist.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusClosing   Status = "closing"
	StatusSettled   Status = "settled"
	StatusVoided    Status = "voided"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusVoided
}

// Auction is the persisted auction row. StartTime/EndTime are immutable after
// creation; WinningBidID and ClearingPrice are write-once, populated only by
// RecordSettlement.
type Auction struct {
	ID            string           `gorm:"primaryKey;type:text" json:"id"`
	ListingID     string           `gorm:"type:text;index;not null" json:"listing_id"`
	StartTime     time.Time        `gorm:"not null" json:"start_time"`
	EndTime       time.Time        `gorm:"not null;index" json:"end_time"`
	ReservePrice  decimal.Decimal  `gorm:"type:numeric(20,4);not null" json:"reserve_price"`
	MinIncrement  decimal.Decimal  `gorm:"type:numeric(20,4);not null" json:"min_increment"`
	Status        Status           `gorm:"type:text;index;not null" json:"status"`
	WinningBidID  *string          `gorm:"type:text" json:"winning_bid_id,omitempty"`
	ClearingPrice *decimal.Decimal `gorm:"type:numeric(20,4)" json:"clearing_price,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (Auction) TableName() string {
	return "auctions"
}

// EffectiveStatus derives the time-lazy scheduled → active transition: an
// auction whose start time has passed is active regardless of whether the
// persisted row has been touched since.
func (a Auction) EffectiveStatus(now time.Time) Status {
	if a.Status == StatusScheduled && !now.Before(a.StartTime) {
		return StatusActive
	}
	return a.Status
}

// Bid is one append-only ledger entry. The sealed amount is stored verbatim
// and decrypted only during settlement of its auction.
type Bid struct {
	ID          string               `gorm:"primaryKey;type:text" json:"id"`
	AuctionID   string               `gorm:"type:text;index;not null" json:"auction_id"`
	Bidder      string               `gorm:"type:text;not null" json:"bidder"`
	Sealed      keyring.SealedAmount `gorm:"serializer:json;type:jsonb;not null" json:"sealed"`
	SubmittedAt time.Time            `gorm:"not null;index" json:"submitted_at"`
}

func (Bid) TableName() string {
	return "bids"
}

// SettlementOutcome classifies how an auction settled.
type SettlementOutcome string

const (
	// OutcomeSold: a qualifying bid won at its plaintext amount.
	OutcomeSold SettlementOutcome = "sold"
	// OutcomeNoBids: the ledger was empty at close.
	OutcomeNoBids SettlementOutcome = "no_bids"
	// OutcomeReserveNotMet: bids existed but none reached the reserve.
	OutcomeReserveNotMet SettlementOutcome = "reserve_not_met"
	// OutcomeNoValidBids: every bid was disqualified before the reserve
	// comparison; the exclusion entries carry the reasons.
	OutcomeNoValidBids SettlementOutcome = "no_valid_bids"
)

// Exclusion reasons recorded against individual bids during settlement.
const (
	ReasonDecryptionFailed = "decryption_failed"
	ReasonMalformedPayload = "malformed_payload"
)

// ExcludedBid is a bid disqualified during settlement, retained for audit.
type ExcludedBid struct {
	BidID  string `json:"bid_id"`
	Reason string `json:"reason"`
}

// SettlementRecord is the write-once result of settling an auction. It is
// created in the same atomic unit as the closing → settled transition, so a
// settled auction always has a record and a record always belongs to a
// settled auction. FinalizedAt tracks the ticket issuance bridge ack;
// finalize retries are driven off it staying null.
type SettlementRecord struct {
	AuctionID       string            `gorm:"primaryKey;type:text" json:"auction_id"`
	Outcome         SettlementOutcome `gorm:"type:text;not null" json:"outcome"`
	WinningBidID    *string           `gorm:"type:text" json:"winning_bid_id"`
	ClearingPrice   *decimal.Decimal  `gorm:"type:numeric(20,4)" json:"clearing_price"`
	Excluded        []ExcludedBid     `gorm:"serializer:json;type:jsonb" json:"excluded,omitempty"`
	ReserveRejected []string          `gorm:"serializer:json;type:jsonb" json:"reserve_rejected,omitempty"`
	SettledAt       time.Time         `gorm:"not null" json:"settled_at"`
	FinalizedAt     *time.Time        `json:"finalized_at,omitempty"`
}

func (SettlementRecord) TableName() string {
	return "settlement_records"
}

// Store is the persistence capability the engine is built on.
type Store interface {
	// CreateAuction persists a new auction. The caller assigns ID and
	// initial status.
	CreateAuction(ctx context.Context, a *Auction) error

	// GetAuction fetches one auction. ErrAuctionNotFound when absent.
	GetAuction(ctx context.Context, id string) (Auction, error)

	// ListAuctions returns all auctions, newest first.
	ListAuctions(ctx context.Context) ([]Auction, error)

	// ListDueAuctions returns auctions whose deadline has passed and that
	// still need settlement: active rows awaiting the active → closing
	// transition, plus closing rows stranded by a failed settlement attempt.
	// Implementations also persist the lazy scheduled → active transition for
	// rows whose start time has passed, so active results are CAS-able.
	ListDueAuctions(ctx context.Context, now time.Time) ([]Auction, error)

	// CompareAndSwapStatus atomically moves an auction from one status to
	// another. Returns true only for the single caller that performed the
	// transition; false when the auction was no longer in the from status.
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// AppendBid validates the auction is accepting bids as of now, assigns
	// the bid ID and submission timestamp, and appends to the ledger. The
	// status/deadline read is consistent with the append: a bid never lands
	// on an auction that has since moved to closing.
	AppendBid(ctx context.Context, auctionID, bidder string, sealed keyring.SealedAmount, now time.Time) (Bid, error)

	// ListBids returns the auction's ledger ordered by submission time
	// ascending, then bid ID ascending.
	ListBids(ctx context.Context, auctionID string) ([]Bid, error)

	// RecordSettlement writes the settlement record and performs the
	// closing → settled transition plus the write-once winning fields as a
	// single atomic unit. ErrTransitionConflict when the auction is not in
	// closing.
	RecordSettlement(ctx context.Context, rec *SettlementRecord) error

	// GetSettlement fetches the recorded result. ErrSettlementNotFound when
	// the auction has not settled.
	GetSettlement(ctx context.Context, auctionID string) (SettlementRecord, error)

	// MarkFinalized stamps the bridge ack time, once. Returns true only for
	// the caller that performed the stamp.
	MarkFinalized(ctx context.Context, auctionID string, at time.Time) (bool, error)

	// VoidAuction moves an auction to voided. Forbidden once any bid exists
	// (ErrAuctionHasBids) or from closing/terminal states
	// (ErrTransitionConflict).
	VoidAuction(ctx context.Context, id string, now time.Time) error
}
