package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd/native/escrow"
	"escrowd/storage"
)

const (
	testDepositor   int64 = 1
	testBeneficiary int64 = 2
	testOfficialA   int64 = 3
	testOfficialB   int64 = 4
)

var testSecret = []byte("gateway-test-secret")

type gatewayFixture struct {
	ts     *httptest.Server
	auth   *Authenticator
	engine *escrow.Engine
	nowMs  int64
}

func newFixture(t *testing.T, opts ...ServerOption) *gatewayFixture {
	t.Helper()
	engine := escrow.NewEngine(escrow.NewMemoryStore())
	nowMs := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	engine.SetNowFunc(func() int64 { return nowMs })
	auth := NewAuthenticator(testSecret, "escrowd-test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]ServerOption{WithNowFunc(func() int64 { return nowMs })}, opts...)
	srv := NewServer(engine, auth, logger, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &gatewayFixture{ts: ts, auth: auth, engine: engine, nowMs: nowMs}
}

func (f *gatewayFixture) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := f.auth.SignToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *gatewayFixture) do(t *testing.T, method, path string, userID int64, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func (f *gatewayFixture) lock(t *testing.T, required int, deadlineMs int64) string {
	t.Helper()
	resp, payload := f.do(t, http.MethodPost, "/escrow/lock", testDepositor, map[string]any{
		"beneficiaryId":     testBeneficiary,
		"officialIds":       []int64{testOfficialA, testOfficialB},
		"amount":            5000,
		"requiredApprovals": required,
		"deadline":          deadlineMs,
		"description":       "bridge construction milestone",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, ok := payload["contractId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)
	return id
}

func TestLockApproveReleaseFlow(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, 2, f.nowMs+int64(time.Hour/time.Millisecond))

	resp, payload := f.do(t, http.MethodPost, "/escrow/"+id+"/approve", testOfficialA, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	contract := payload["contract"].(map[string]any)
	require.Equal(t, float64(1), contract["currentApprovals"])
	require.Equal(t, "pending", contract["status"])

	resp, payload = f.do(t, http.MethodPost, "/escrow/"+id+"/approve", testOfficialB, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	contract = payload["contract"].(map[string]any)
	require.Equal(t, float64(2), contract["currentApprovals"])
	require.Equal(t, "approved", contract["status"])

	resp, payload = f.do(t, http.MethodPost, "/escrow/"+id+"/release", testBeneficiary, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	contract = payload["contract"].(map[string]any)
	require.Equal(t, "released", contract["status"])

	resp, payload = f.do(t, http.MethodGet, "/escrow/"+id+"/history", 0, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := payload["history"].([]any)
	require.Len(t, history, 4)
	last := history[3].(map[string]any)
	require.Equal(t, "release", last["type"])
	require.Equal(t, "Beneficiary released funds", last["details"])
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/escrow/lock", "/escrow/abc/approve", "/escrow/abc/release", "/escrow/abc/refund", "/escrows/mine"} {
		method := http.MethodPost
		if path == "/escrows/mine" {
			method = http.MethodGet
		}
		req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		resp, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/escrows/mine", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newFixture(t)
	deadline := f.nowMs + int64(time.Hour/time.Millisecond)
	id := f.lock(t, 2, deadline)

	cases := []struct {
		name   string
		method string
		path   string
		caller int64
		body   any
		status int
	}{
		{"lock invalid input", http.MethodPost, "/escrow/lock", testDepositor,
			map[string]any{"beneficiaryId": testDepositor, "officialIds": []int64{testOfficialA},
				"amount": 10, "requiredApprovals": 1, "deadline": deadline}, http.StatusBadRequest},
		{"approve unknown contract", http.MethodPost, "/escrow/missing/approve", testOfficialA, nil, http.StatusNotFound},
		{"approve by non-official", http.MethodPost, "/escrow/" + id + "/approve", testDepositor, nil, http.StatusForbidden},
		{"release by non-beneficiary", http.MethodPost, "/escrow/" + id + "/release", testOfficialA, nil, http.StatusForbidden},
		{"refund by non-depositor", http.MethodPost, "/escrow/" + id + "/refund", testOfficialA, nil, http.StatusForbidden},
		{"release before quorum", http.MethodPost, "/escrow/" + id + "/release", testBeneficiary, nil, http.StatusUnprocessableEntity},
		{"refund before deadline", http.MethodPost, "/escrow/" + id + "/refund", testDepositor, nil, http.StatusUnprocessableEntity},
		{"get unknown contract", http.MethodGet, "/escrow/missing", 0, nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, payload := f.do(t, tc.method, tc.path, tc.caller, tc.body, nil)
		require.Equal(t, tc.status, resp.StatusCode, tc.name)
		require.Equal(t, false, payload["success"], tc.name)
	}
}

func TestDoubleApproveConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, 2, f.nowMs+60_000)
	resp, _ := f.do(t, http.MethodPost, "/escrow/"+id+"/approve", testOfficialA, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/escrow/"+id+"/approve", testOfficialA, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetContractIncludesOfficials(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, 2, f.nowMs+60_000)
	resp, _ := f.do(t, http.MethodPost, "/escrow/"+id+"/approve", testOfficialA, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := f.do(t, http.MethodGet, "/escrow/"+id, 0, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	officials := payload["officials"].([]any)
	require.Len(t, officials, 2)
	byID := map[float64]map[string]any{}
	for _, raw := range officials {
		o := raw.(map[string]any)
		byID[o["officialId"].(float64)] = o
	}
	require.Equal(t, true, byID[float64(testOfficialA)]["hasApproved"])
	require.NotNil(t, byID[float64(testOfficialA)]["approvalTimestamp"])
	require.Equal(t, false, byID[float64(testOfficialB)]["hasApproved"])
}

func TestListMineFiltersByPrincipal(t *testing.T) {
	f := newFixture(t)
	f.lock(t, 1, f.nowMs+60_000)

	resp, payload := f.do(t, http.MethodGet, "/escrows/mine", testDepositor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["contracts"].([]any), 1)

	resp, payload = f.do(t, http.MethodGet, "/escrows/mine", testOfficialA, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, payload["contracts"].([]any), 0)
}

func TestBuildLockTxDeterministic(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"beneficiaryId":     testBeneficiary,
		"officialIds":       []int64{testOfficialA},
		"amount":            1000,
		"requiredApprovals": 1,
		"deadline":          f.nowMs + 60_000,
	}
	resp, first := f.do(t, http.MethodPost, "/escrow/build-lock-tx", testDepositor, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, second := f.do(t, http.MethodPost, "/escrow/build-lock-tx", testDepositor, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first["txHash"], second["txHash"])
	require.NotEmpty(t, first["txHash"])
}

func TestTxStatusOfflinePending(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/tx/0xabc/status", 0, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx := payload["tx"].(map[string]any)
	require.Equal(t, "pending", tx["status"])
}

func TestIdempotencyReplaysLock(t *testing.T) {
	store, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, WithIdempotencyStore(store))
	body := map[string]any{
		"beneficiaryId":     testBeneficiary,
		"officialIds":       []int64{testOfficialA},
		"amount":            250,
		"requiredApprovals": 1,
		"deadline":          f.nowMs + 60_000,
	}
	headers := map[string]string{"Idempotency-Key": "lock-once"}
	resp, first := f.do(t, http.MethodPost, "/escrow/lock", testDepositor, body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var replayed *http.Response
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/escrow/lock", bytes.NewReader(mustJSON(t, body)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, testDepositor))
	req.Header.Set("Idempotency-Key", "lock-once")
	replayed, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	defer replayed.Body.Close()
	require.Equal(t, http.StatusCreated, replayed.StatusCode)
	require.Equal(t, "true", replayed.Header.Get("Idempotency-Replayed"))
	second := map[string]any{}
	require.NoError(t, json.NewDecoder(replayed.Body).Decode(&second))
	require.Equal(t, first["contractId"], second["contractId"])

	contracts, err := f.engine.ListAll(req.Context())
	require.NoError(t, err)
	require.Len(t, contracts, 1)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	return encoded
}

func TestNotifierDeliversEvents(t *testing.T) {
	received := make(chan map[string]any, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := NewNotifier([]string{hook.URL}, logger, WithNotifyCapacity(8))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	notifier.Emit(escrow.Event{Type: "escrow.locked", Attributes: map[string]string{"contractId": "c-1"}})

	select {
	case payload := <-received:
		require.Equal(t, "escrow.locked", payload["type"])
		attrs := payload["attributes"].(map[string]any)
		require.Equal(t, "c-1", attrs["contractId"])
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := NewNotifier([]string{"http://127.0.0.1:0"}, logger, WithNotifyCapacity(1))
	// No worker running: the second emit must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		notifier.Emit(escrow.Event{Type: "escrow.locked"})
		notifier.Emit(escrow.Event{Type: "escrow.approved"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on full queue")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/healthz", 0, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", payload["status"])
}
