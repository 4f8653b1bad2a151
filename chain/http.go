package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient queries a REST explorer for transaction confirmations. Lock
// transaction building stays local; only status checks go over the wire.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	offline OfflineClient
}

// NewHTTPClient builds an explorer client for the given base URL. The API key
// is optional and sent as a project_id header when present.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BuildLockTx delegates to the deterministic local builder.
func (c *HTTPClient) BuildLockTx(ctx context.Context, params LockTxParams) (string, error) {
	return c.offline.BuildLockTx(ctx, params)
}

// TxStatus fetches the confirmation state for a transaction hash. Explorer
// failures degrade to a pending report rather than surfacing an error: the
// caller renders a pending transaction and retries later.
func (c *HTTPClient) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	trimmed := strings.TrimSpace(txHash)
	if trimmed == "" {
		return TxStatus{}, fmt.Errorf("tx hash required")
	}
	if c.baseURL == "" {
		return c.offline.TxStatus(ctx, trimmed)
	}
	endpoint := fmt.Sprintf("%s/txs/%s", c.baseURL, url.PathEscape(trimmed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TxStatus{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("project_id", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return TxStatus{Status: TxStatusPending}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return TxStatus{Status: TxStatusPending}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return TxStatus{Status: TxStatusPending}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TxStatus{Status: TxStatusPending}, nil
	}
	var payload struct {
		BlockHeight *int64 `json:"block_height"`
		BlockTime   *int64 `json:"block_time"`
		Depth       int    `json:"depth"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TxStatus{Status: TxStatusPending}, nil
	}
	status := TxStatus{
		Status:        TxStatusConfirmed,
		Confirmations: payload.Depth,
		BlockHeight:   payload.BlockHeight,
		Timestamp:     payload.BlockTime,
	}
	if payload.BlockHeight == nil {
		status.Status = TxStatusPending
		status.Confirmations = 0
	}
	return status, nil
}
