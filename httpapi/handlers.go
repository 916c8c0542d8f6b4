// Package httpapi exposes the auction engine over HTTP. Handlers translate
// between the JSON surface and engine calls; every domain decision stays in
// the engine, so a handler never inspects auction state itself.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cloudx-io/blindticket/engine"
	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
)

type Server struct {
	Engine *engine.Engine
	Keys   keyring.KeySource
	Logger *zap.Logger
}

func NewServer(eng *engine.Engine, keys keyring.KeySource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Engine: eng, Keys: keys, Logger: logger}
}

// Register mounts all routes on r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.health)
	r.GET("/v1/keys/public", s.publicKey)

	auctions := r.Group("/v1/auctions")
	auctions.POST("", s.createAuction)
	auctions.GET("", s.listAuctions)
	auctions.GET("/:id", s.getAuction)
	auctions.POST("/:id/void", s.voidAuction)
	auctions.POST("/:id/bids", s.submitBid)

	settlements := r.Group("/v1/settlements")
	settlements.POST("/sweep", s.sweep)
	settlements.GET("/:id", s.getSettlement)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) publicKey(c *gin.Context) {
	pem, err := s.Keys.PublicKeyPEM()
	if err != nil {
		s.Logger.Error("public key export failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "public key unavailable")
		return
	}
	ok(c, gin.H{"public_key_pem": pem})
}

type createAuctionRequest struct {
	ListingID    string `json:"listing_id"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	ReservePrice string `json:"reserve_price"`
	MinIncrement string `json:"min_increment"`
}

func (s *Server) createAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		fail(c, http.StatusBadRequest, "start_time must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EndTime))
	if err != nil {
		fail(c, http.StatusBadRequest, "end_time must be RFC3339")
		return
	}

	reserve := decimal.Zero
	if v := strings.TrimSpace(req.ReservePrice); v != "" {
		if reserve, err = decimal.NewFromString(v); err != nil {
			fail(c, http.StatusBadRequest, "reserve_price must be a decimal string")
			return
		}
	}
	increment := decimal.Zero
	if v := strings.TrimSpace(req.MinIncrement); v != "" {
		if increment, err = decimal.NewFromString(v); err != nil {
			fail(c, http.StatusBadRequest, "min_increment must be a decimal string")
			return
		}
	}

	a, err := s.Engine.CreateAuction(c.Request.Context(), engine.CreateAuctionParams{
		ListingID:    strings.TrimSpace(req.ListingID),
		StartTime:    start,
		EndTime:      end,
		ReservePrice: reserve,
		MinIncrement: increment,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidAuction) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		s.internal(c, "create auction", err)
		return
	}
	created(c, a)
}

func (s *Server) listAuctions(c *gin.Context) {
	auctions, err := s.Engine.ListAuctions(c.Request.Context())
	if err != nil {
		s.internal(c, "list auctions", err)
		return
	}
	ok(c, auctions)
}

func (s *Server) getAuction(c *gin.Context) {
	a, err := s.Engine.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrAuctionNotFound) {
			fail(c, http.StatusNotFound, "auction not found")
			return
		}
		s.internal(c, "get auction", err)
		return
	}
	ok(c, a)
}

func (s *Server) voidAuction(c *gin.Context) {
	err := s.Engine.Void(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		ok(c, gin.H{"status": string(store.StatusVoided)})
	case errors.Is(err, store.ErrAuctionNotFound):
		fail(c, http.StatusNotFound, "auction not found")
	case errors.Is(err, store.ErrAuctionHasBids):
		fail(c, http.StatusConflict, "auction already has bids")
	case errors.Is(err, store.ErrTransitionConflict):
		fail(c, http.StatusConflict, "auction can no longer be voided")
	default:
		s.internal(c, "void auction", err)
	}
}

type submitBidRequest struct {
	Bidder string               `json:"bidder"`
	Sealed keyring.SealedAmount `json:"sealed_amount"`
}

func (s *Server) submitBid(c *gin.Context) {
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	req.Bidder = strings.TrimSpace(req.Bidder)
	if req.Bidder == "" {
		fail(c, http.StatusBadRequest, "bidder required")
		return
	}
	if req.Sealed.KeyCiphertext == "" || req.Sealed.Payload == "" || req.Sealed.Nonce == "" {
		fail(c, http.StatusBadRequest, "sealed bid incomplete")
		return
	}

	bid, err := s.Engine.SubmitBid(c.Request.Context(), c.Param("id"), req.Bidder, req.Sealed)
	switch {
	case err == nil:
		created(c, gin.H{
			"bid_id":       bid.ID,
			"auction_id":   bid.AuctionID,
			"submitted_at": bid.SubmittedAt,
		})
	case errors.Is(err, store.ErrAuctionNotFound):
		fail(c, http.StatusNotFound, "auction not found")
	case errors.Is(err, store.ErrAuctionNotActive):
		fail(c, http.StatusConflict, "auction is not accepting bids")
	case errors.Is(err, store.ErrDuplicateBid):
		fail(c, http.StatusConflict, "duplicate bid")
	default:
		s.internal(c, "submit bid", err)
	}
}

func (s *Server) sweep(c *gin.Context) {
	report, err := s.Engine.Sweep(c.Request.Context())
	if err != nil {
		s.internal(c, "sweep", err)
		return
	}
	ok(c, report)
}

// getSettlement is the idempotent re-query path: for a settled auction it
// returns the stored record and retries an un-acked bridge finalize; the
// record is returned even when that retry fails again.
func (s *Server) getSettlement(c *gin.Context) {
	auctionID := c.Param("id")
	rec, err := s.Engine.Settle(c.Request.Context(), auctionID)
	switch {
	case err == nil:
		ok(c, rec)
	case errors.Is(err, engine.ErrBridgeFinalizeFailed):
		s.Logger.Warn("finalize retry failed", zap.String("auction_id", auctionID), zap.Error(err))
		ok(c, rec)
	case errors.Is(err, store.ErrSettlementNotFound), errors.Is(err, store.ErrTransitionConflict):
		fail(c, http.StatusNotFound, "settlement not found")
	case errors.Is(err, store.ErrAuctionNotFound):
		fail(c, http.StatusNotFound, "auction not found")
	default:
		s.internal(c, "get settlement", err)
	}
}

func (s *Server) internal(c *gin.Context, op string, err error) {
	s.Logger.Error(op+" failed", zap.Error(err))
	if errors.Is(err, store.ErrStorageUnavailable) {
		fail(c, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	fail(c, http.StatusInternalServerError, "internal error")
}
