/**
 * @description
 * This file defines the `Repository` interface, the contract for all persisted relay
 * state: chains, hops, the append-only event log, settings and the event outbox.
 * Every mutating method that changes chain progress appends its event (and the matching
 * outbox row) in the same transaction, so the log never disagrees with the state.
 *
 * @dependencies
 * - github.com/google/uuid: chain identifiers.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrHopNotFound     = errors.New("hop not found")
	ErrSettingNotFound = errors.New("setting not found")
	// ErrStaleHop means the hop was already forwarded or the chain moved past it.
	ErrStaleHop = errors.New("hop is not the current unforwarded hop")
)

// Setting keys.
const (
	SettingMasterPasswordHash = "master_password_hash"
	SettingEncryptionSalt     = "encryption_salt"
	SettingActiveNetwork      = "active_network"
)

// HopAdvance is the on-chain result of forwarding one hop.
type HopAdvance struct {
	TxID       string
	AmountSats int64
	FeeSats    int64
	Height     int64
}

// PendingRelay is a signed forward persisted before it is broadcast, so a crash between
// signing and broadcasting resumes with the same transaction.
type PendingRelay struct {
	TxID       string
	RawTx      string
	AmountSats int64
	FeeSats    int64
}

// OutboxMessage is one event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines the set of methods for interacting with relay state.
type Repository interface {
	// Chain methods
	CreateChain(ctx context.Context, chain *domain.Chain, hops []domain.Hop) error
	GetChain(ctx context.Context, id uuid.UUID) (*domain.Chain, error)
	GetHops(ctx context.Context, id uuid.UUID) ([]domain.Hop, error)
	ListChains(ctx context.Context, filter domain.ChainFilter) ([]domain.Chain, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]domain.Event, error)
	AppendEvent(ctx context.Context, event domain.Event) error

	// Status changes. All three fail with *domain.InvalidTransitionError when
	// domain.CanTransition rejects the move from the stored status.
	TransitionStatus(ctx context.Context, id uuid.UUID, to domain.ChainStatus, event domain.Event) (*domain.Chain, error)
	CompleteChain(ctx context.Context, id uuid.UUID, event domain.Event) (*domain.Chain, error)
	FailChain(ctx context.Context, id uuid.UUID, reason string, events ...domain.Event) (*domain.Chain, error)

	// Hop progress
	RecordArrival(ctx context.Context, id uuid.UUID, hopNumber int, height, amount int64, event domain.Event) (bool, error)
	RecordRelayIntent(ctx context.Context, id uuid.UUID, hopNumber int, relay PendingRelay, event domain.Event) error
	RecordRetry(ctx context.Context, id uuid.UUID, hopNumber int, event domain.Event) (int, error)
	AdvanceHop(ctx context.Context, id uuid.UUID, hopNumber int, advance HopAdvance, event domain.Event) error
	ApplySync(ctx context.Context, id uuid.UUID, hops []domain.Hop, currentHop int, event domain.Event) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	SetSettingIfAbsent(ctx context.Context, key, value string) (bool, error)

	// Outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// checkTransition is the single status guard shared by both repositories.
func checkTransition(id uuid.UUID, current, to domain.ChainStatus) error {
	if domain.CanTransition(current, to) {
		return nil
	}
	return &domain.InvalidTransitionError{ChainID: id, Current: current, Target: to}
}

// finalTotals computes amount_sent (last forwarded output) and total fees.
func finalTotals(hops []domain.Hop) (sent int64, fees int64) {
	for _, h := range hops {
		if !h.Forwarded {
			continue
		}
		fees += h.OutgoingFeeSats
		sent = h.OutgoingAmountSats
	}
	return sent, fees
}
