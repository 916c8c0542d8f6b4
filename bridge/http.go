package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// HTTPIssuer posts finalizations to an external ticket issuance service.
type HTTPIssuer struct {
	Client   *http.Client
	Endpoint string
	Logger   *zap.Logger
}

func NewHTTPIssuer(client *http.Client, endpoint string, logger *zap.Logger) *HTTPIssuer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPIssuer{Client: client, Endpoint: endpoint, Logger: logger}
}

func (h *HTTPIssuer) Finalize(ctx context.Context, f Finalization) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode finalization: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build finalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.Logger.Warn("finalize rejected",
			zap.String("auction_id", f.AuctionID),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("finalize rejected: status %d: %s", resp.StatusCode, string(snippet))
	}

	h.Logger.Info("finalize acknowledged",
		zap.String("auction_id", f.AuctionID),
		zap.String("outcome", string(f.Outcome)),
	)
	return nil
}
