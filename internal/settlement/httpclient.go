package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velora-exchange/velora/pkg/models"
)

// HTTPClient talks to the external settlement network over its REST API.
// Batches go to POST /batches; events come from GET /events?since=<cursor>.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the settlement network at baseURL.
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type batchEntry struct {
	TradeID    uuid.UUID       `json:"trade_id"`
	MarketID   string          `json:"market_id"`
	Buyer      uuid.UUID       `json:"buyer"`
	Seller     uuid.UUID       `json:"seller"`
	BaseAsset  string          `json:"base_asset"`
	QuoteAsset string          `json:"quote_asset"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type batchRequest struct {
	Trades []batchEntry `json:"trades"`
}

// SubmitBatch posts the trades as one atomic settlement batch.
func (c *HTTPClient) SubmitBatch(ctx context.Context, trades []*models.Trade) error {
	entries := make([]batchEntry, len(trades))
	for i, t := range trades {
		entries[i] = batchEntry{
			TradeID:    t.ID,
			MarketID:   t.MarketID,
			Buyer:      t.Buyer,
			Seller:     t.Seller,
			BaseAsset:  t.BaseAsset,
			QuoteAsset: t.QuoteAsset,
			Price:      t.Price,
			Quantity:   t.Quantity,
		}
	}
	body, err := json.Marshal(batchRequest{Trades: entries})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("settlement network returned %d", resp.StatusCode)
	}
	return nil
}

type eventsResponse struct {
	Events []Event `json:"events"`
	Cursor uint64  `json:"cursor"`
}

// EventsSince pulls settlement events after the given cursor.
func (c *HTTPClient) EventsSince(ctx context.Context, cursor uint64) ([]Event, uint64, error) {
	url := c.baseURL + "/events?since=" + strconv.FormatUint(cursor, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cursor, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cursor, fmt.Errorf("settlement network returned %d", resp.StatusCode)
	}
	var out eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cursor, err
	}
	if out.Cursor < cursor {
		out.Cursor = cursor
	}
	return out.Events, out.Cursor, nil
}
