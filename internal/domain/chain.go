/**
 * @description
 * This file defines the core domain models for the relay-service.
 * A Chain is one relay job: funds enter at the intake address (hop 0), are forwarded
 * hop by hop after a Fibonacci-paced block delay, and leave at the final address.
 *
 * @notes
 * - Amounts are stored as `int64` satoshis, never floating point BTC.
 * - Encrypted key material is tagged `json:"-"` so it can never leak through the API.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MinHops = 2
	MaxHops = 10

	// MaxRelayAmountSats caps what a single chain will move (100 BTC).
	MaxRelayAmountSats int64 = 10_000_000_000

	// EstimatedTxVBytes is the virtual size of a one-input, one-output P2WPKH send-all.
	EstimatedTxVBytes = 110
)

// Network identifies a Bitcoin network.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// ParseNetwork validates a network name.
func ParseNetwork(raw string) (Network, error) {
	switch Network(raw) {
	case NetworkMainnet, NetworkTestnet:
		return Network(raw), nil
	}
	return "", &ValidationError{Field: "network", Reason: "must be mainnet or testnet"}
}

// ChainStatus is the lifecycle state of a chain.
type ChainStatus string

const (
	StatusPending   ChainStatus = "pending"
	StatusActive    ChainStatus = "active"
	StatusCompleted ChainStatus = "completed"
	StatusCancelled ChainStatus = "cancelled"
	StatusFailed    ChainStatus = "failed"
)

// Terminal reports whether no further mutation is allowed.
func (s ChainStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ParseChainStatus validates a status filter value.
func ParseChainStatus(raw string) (ChainStatus, error) {
	switch s := ChainStatus(raw); s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled, StatusFailed:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown chain status"}
}

var allowedTransitions = map[ChainStatus][]ChainStatus{
	StatusPending: {StatusActive, StatusCancelled, StatusFailed},
	StatusActive:  {StatusCompleted, StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to ChainStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Chain maps to the `relay_chains` table.
type Chain struct {
	ID                    uuid.UUID   `json:"id"`
	Name                  string      `json:"name"`
	Network               Network     `json:"network"`
	Status                ChainStatus `json:"status"`
	IntakeAddress         string      `json:"intake_address"`
	FinalAddress          string      `json:"final_address"`
	FinalIsGenerated      bool        `json:"final_is_generated"`
	FinalPrivkeyEncrypted *string     `json:"-"`
	TotalHops             int         `json:"total_hops"`
	CurrentHop            int         `json:"current_hop"`
	AmountReceivedSats    int64       `json:"amount_received_sats"`
	AmountSentSats        int64       `json:"amount_sent_sats"`
	TotalFeesSats         int64       `json:"total_fees_sats"`
	FeePriority           FeePriority `json:"fee_priority"`
	ErrorMessage          *string     `json:"error_message,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	StartedAt             *time.Time  `json:"started_at,omitempty"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// AllForwarded reports whether every hop has released its funds.
func (c *Chain) AllForwarded() bool {
	return c.CurrentHop >= c.TotalHops
}

// Hop maps to the `relay_hops` table. Hop 0 is the intake address.
type Hop struct {
	ChainID            uuid.UUID `json:"chain_id"`
	HopNumber          int       `json:"hop_number"`
	Address            string    `json:"address"`
	EncryptedPrivkey   string    `json:"-"`
	DelayBlocks        int       `json:"delay_blocks"`
	ArrivalHeight      *int64    `json:"arrival_height,omitempty"`
	IncomingAmountSats int64     `json:"incoming_amount_sats"`
	Forwarded          bool      `json:"forwarded"`
	OutgoingTxID       *string   `json:"outgoing_txid,omitempty"`
	OutgoingRawTx      *string   `json:"-"`
	OutgoingAmountSats int64     `json:"outgoing_amount_sats"`
	OutgoingFeeSats    int64     `json:"outgoing_fee_sats"`
	ForwardedAtHeight  *int64    `json:"forwarded_at_height,omitempty"`
	PendingTxID        *string   `json:"pending_txid,omitempty"`
	PendingRawTx       *string   `json:"-"`
	PendingAmountSats  int64     `json:"pending_amount_sats,omitempty"`
	PendingFeeSats     int64     `json:"pending_fee_sats,omitempty"`
	RelayAttempts      int       `json:"relay_attempts"`
}

// Destination returns where hop n forwards to: the next hop, or the final address.
func Destination(chain *Chain, hops []Hop, n int) string {
	if n+1 < len(hops) {
		return hops[n+1].Address
	}
	return chain.FinalAddress
}

// ChainFilter narrows ListChains.
type ChainFilter struct {
	Network Network
	Status  ChainStatus
	Limit   int
}

// ChainDetail is the read model returned to callers: no key material.
type ChainDetail struct {
	Chain  Chain   `json:"chain"`
	Hops   []Hop   `json:"hops"`
	Events []Event `json:"events"`
}
