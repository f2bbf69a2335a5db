package osd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// OrderClient reads the authoritative order list over REST.
type OrderClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOrderClient builds a client whose requests carry the bearer credential
// from source.
func NewOrderClient(ctx context.Context, endpoint string, source oauth2.TokenSource, logger *zap.Logger) *OrderClient {
	return &OrderClient{
		endpoint:   endpoint,
		httpClient: oauth2.NewClient(ctx, source),
		logger:     orNop(logger).Named("orders"),
	}
}

// ListActiveOrders implements Refresher
func (c *OrderClient) ListActiveOrders(ctx context.Context, storeID string) ([]Order, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid orders endpoint: %w", err)
	}
	q := u.Query()
	q.Set("storeId", storeID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orders request failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}

	items, err := orderItems(body)
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(items))
	for _, item := range items {
		order, err := NormalizeOrder(item, c.logger)
		if err != nil {
			c.logger.Warn("Skipping unparsable order",
				zap.String("function", "ListActiveOrders"),
				zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}

	c.logger.Debug("Orders fetched",
		zap.String("function", "ListActiveOrders"),
		zap.String("store_id", storeID),
		zap.Int("count", len(orders)))
	return orders, nil
}

// orderItems accepts a bare array or an {orders|data: [...]} wrapper.
func orderItems(body []byte) ([]map[string]any, error) {
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Orders []map[string]any `json:"orders"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orders: %w", err)
	}
	if wrapped.Orders != nil {
		return wrapped.Orders, nil
	}
	return wrapped.Data, nil
}
