package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOfflineBuildLockTxDeterministic(t *testing.T) {
	client := NewOfflineClient()
	params := LockTxParams{
		DepositorID:       1,
		BeneficiaryID:     2,
		OfficialIDs:       []int64{3, 4},
		Amount:            1_000_000,
		RequiredApprovals: 2,
		DeadlineMs:        1_700_000_000_000,
	}
	first, err := client.BuildLockTx(context.Background(), params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := client.BuildLockTx(context.Background(), params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical payloads, got %s and %s", first, second)
	}
	if len(first) < 3 || first[:2] != "0x" {
		t.Fatalf("expected 0x-prefixed hex payload, got %s", first)
	}

	params.Amount++
	changed, err := client.BuildLockTx(context.Background(), params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if changed == first {
		t.Fatal("different inputs produced the same payload")
	}
}

func TestOfflineBuildLockTxRequiresOfficials(t *testing.T) {
	client := NewOfflineClient()
	if _, err := client.BuildLockTx(context.Background(), LockTxParams{DepositorID: 1, BeneficiaryID: 2}); err == nil {
		t.Fatal("expected error for empty official set")
	}
}

func TestOfflineTxStatus(t *testing.T) {
	client := NewOfflineClient()
	status, err := client.TxStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != TxStatusPending || status.Confirmations != 0 {
		t.Fatalf("expected pending/0, got %+v", status)
	}
	if _, err := client.TxStatus(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank hash")
	}
}

func TestHTTPTxStatusConfirmed(t *testing.T) {
	height := int64(1234)
	blockTime := int64(1_700_000_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/txs/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"block_height": height,
			"block_time":   blockTime,
			"depth":        5,
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	status, err := client.TxStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != TxStatusConfirmed || status.Confirmations != 5 {
		t.Fatalf("expected confirmed/5, got %+v", status)
	}
	if status.BlockHeight == nil || *status.BlockHeight != height {
		t.Fatalf("expected block height %d, got %+v", height, status.BlockHeight)
	}
}

func TestHTTPTxStatusDegradesToPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	status, err := client.TxStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != TxStatusPending {
		t.Fatalf("expected pending fallback, got %+v", status)
	}
}
