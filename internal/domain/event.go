package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an entry in the append-only relay log.
type EventType string

const (
	EventChainCreated        EventType = "chain_created"
	EventChainActivated      EventType = "chain_activated"
	EventChainCancelled      EventType = "chain_cancelled"
	EventHopFunded           EventType = "hop_funded"
	EventRelayBroadcast      EventType = "relay_broadcast"
	EventHopRelayed          EventType = "hop_relayed"
	EventRelayRetryScheduled EventType = "relay_retry_scheduled"
	EventRelayFailed         EventType = "relay_failed"
	EventChainFailed         EventType = "chain_failed"
	EventChainCompleted      EventType = "chain_completed"
	EventChainSynced         EventType = "chain_synced"
)

// Event maps to the `relay_events` table.
type Event struct {
	ID          int64     `json:"id"`
	ChainID     uuid.UUID `json:"chain_id"`
	HopNumber   *int      `json:"hop_number,omitempty"`
	Type        EventType `json:"event_type"`
	TxID        *string   `json:"txid,omitempty"`
	AmountSats  *int64    `json:"amount_sats,omitempty"`
	FeeSats     *int64    `json:"fee_sats,omitempty"`
	BlockHeight *int64    `json:"block_height,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewEvent starts an event for a chain; optional fields are set with the With helpers.
func NewEvent(chainID uuid.UUID, eventType EventType, detail string) Event {
	return Event{ChainID: chainID, Type: eventType, Detail: detail}
}

func (e Event) WithHop(n int) Event {
	e.HopNumber = &n
	return e
}

func (e Event) WithTx(txid string, amount, fee int64) Event {
	e.TxID = &txid
	e.AmountSats = &amount
	e.FeeSats = &fee
	return e
}

func (e Event) WithAmount(amount int64) Event {
	e.AmountSats = &amount
	return e
}

func (e Event) WithFee(fee int64) Event {
	e.FeeSats = &fee
	return e
}

func (e Event) WithHeight(height int64) Event {
	e.BlockHeight = &height
	return e
}

// RoutingKey is the broker routing key the event is published under.
func (e Event) RoutingKey() string {
	return "relay." + string(e.Type)
}
