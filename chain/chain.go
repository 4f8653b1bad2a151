// Package chain holds the blockchain collaborator surface consumed by the
// gateway: building unsigned lock transactions for the external signing
// collaborator and checking submitted transaction confirmations. Script
// execution and signature cryptography live entirely outside this service.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// LockTxParams are the inputs to an unsigned lock transaction.
type LockTxParams struct {
	DepositorID       int64
	BeneficiaryID     int64
	OfficialIDs       []int64
	Amount            int64
	RequiredApprovals int
	DeadlineMs        int64
}

// TxStatus describes a submitted transaction's confirmation state as reported
// by an explorer collaborator.
type TxStatus struct {
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
	BlockHeight   *int64 `json:"blockHeight"`
	Timestamp     *int64 `json:"timestamp"`
}

const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
)

// Client is the injected collaborator handle. Implementations are passed
// explicitly into the layers that need them; there is no shared global
// instance.
type Client interface {
	BuildLockTx(ctx context.Context, params LockTxParams) (string, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// OfflineClient is the degraded implementation used when no explorer is
// configured. Lock transactions are deterministic placeholder payloads and
// status checks report pending with zero confirmations, matching the
// behaviour callers see while a real explorer is unreachable.
type OfflineClient struct{}

// NewOfflineClient returns a client that never reaches the network.
func NewOfflineClient() *OfflineClient { return &OfflineClient{} }

// BuildLockTx derives an opaque hex payload from the lock parameters. The
// payload is stable for identical inputs so the signing collaborator can
// retry safely.
func (*OfflineClient) BuildLockTx(_ context.Context, params LockTxParams) (string, error) {
	if len(params.OfficialIDs) == 0 {
		return "", fmt.Errorf("lock tx requires at least one official")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "lock|%d|%d|%d|%d|%d|", params.DepositorID, params.BeneficiaryID,
		params.Amount, params.RequiredApprovals, params.DeadlineMs)
	for _, id := range params.OfficialIDs {
		fmt.Fprintf(&b, "%d,", id)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// TxStatus always reports a pending transaction.
func (*OfflineClient) TxStatus(_ context.Context, txHash string) (TxStatus, error) {
	if strings.TrimSpace(txHash) == "" {
		return TxStatus{}, fmt.Errorf("tx hash required")
	}
	return TxStatus{Status: TxStatusPending, Confirmations: 0}, nil
}
