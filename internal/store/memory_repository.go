package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository keeps relay state in process memory. It enforces the same guards as
// PostgresRepository and backs STORE_DRIVER=memory and the engine tests.
type MemoryRepository struct {
	mu        sync.Mutex
	exchange  string
	chains    map[uuid.UUID]*domain.Chain
	hops      map[uuid.UUID][]domain.Hop
	events    map[uuid.UUID][]domain.Event
	addresses map[string]uuid.UUID
	settings  map[string]string
	outbox    []*memoryOutboxRow
	nextEvent int64
	now       func() time.Time
}

type memoryOutboxRow struct {
	msg           OutboxMessage
	status        string
	nextAttemptAt time.Time
	startedAt     time.Time
	lastError     string
}

func NewMemoryRepository(exchange string) *MemoryRepository {
	return &MemoryRepository{
		exchange:  exchange,
		chains:    map[uuid.UUID]*domain.Chain{},
		hops:      map[uuid.UUID][]domain.Hop{},
		events:    map[uuid.UUID][]domain.Event{},
		addresses: map[string]uuid.UUID{},
		settings:  map[string]string{},
		now:       time.Now,
	}
}

func (r *MemoryRepository) CreateChain(ctx context.Context, chain *domain.Chain, hops []domain.Hop) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chains[chain.ID]; exists {
		return fmt.Errorf("chain %s already exists", chain.ID)
	}
	seen := map[string]bool{}
	for _, h := range hops {
		if _, used := r.addresses[h.Address]; used || seen[h.Address] {
			return fmt.Errorf("failed to insert hop %d: address %s already in use", h.HopNumber, h.Address)
		}
		seen[h.Address] = true
	}

	now := r.now()
	stored := *chain
	stored.CreatedAt, stored.UpdatedAt = now, now
	chain.CreatedAt, chain.UpdatedAt = now, now
	r.chains[chain.ID] = &stored

	copied := make([]domain.Hop, len(hops))
	for i, h := range hops {
		h.ChainID = chain.ID
		copied[i] = h
		r.addresses[h.Address] = chain.ID
	}
	r.hops[chain.ID] = copied
	r.appendLocked(domain.NewEvent(chain.ID, domain.EventChainCreated, fmt.Sprintf("chain created with %d hops", chain.TotalHops)))
	return nil
}

func (r *MemoryRepository) GetChain(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chains[id]
	if !ok {
		return nil, domain.ErrChainNotFound
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) GetHops(ctx context.Context, id uuid.UUID) ([]domain.Hop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[id]; !ok {
		return nil, domain.ErrChainNotFound
	}
	return append([]domain.Hop(nil), r.hops[id]...), nil
}

func (r *MemoryRepository) ListChains(ctx context.Context, filter domain.ChainFilter) ([]domain.Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Chain
	for _, c := range r.chains {
		if filter.Network != "" && c.Network != filter.Network {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListEvents(ctx context.Context, id uuid.UUID) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events[id]...), nil
}

func (r *MemoryRepository) AppendEvent(ctx context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[event.ChainID]; !ok {
		return domain.ErrChainNotFound
	}
	r.appendLocked(event)
	return nil
}

func (r *MemoryRepository) TransitionStatus(ctx context.Context, id uuid.UUID, to domain.ChainStatus, event domain.Event) (*domain.Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[id]
	if !ok {
		return nil, domain.ErrChainNotFound
	}
	if err := checkTransition(id, c.Status, to); err != nil {
		return nil, err
	}
	now := r.now()
	c.Status = to
	if to == domain.StatusActive && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to.Terminal() {
		c.CompletedAt = &now
	}
	c.UpdatedAt = now
	r.appendLocked(event)
	out := *c
	return &out, nil
}

func (r *MemoryRepository) CompleteChain(ctx context.Context, id uuid.UUID, event domain.Event) (*domain.Chain, error) {
	return r.finalize(id, domain.StatusCompleted, nil, event)
}

func (r *MemoryRepository) FailChain(ctx context.Context, id uuid.UUID, reason string, events ...domain.Event) (*domain.Chain, error) {
	return r.finalize(id, domain.StatusFailed, &reason, events...)
}

func (r *MemoryRepository) finalize(id uuid.UUID, to domain.ChainStatus, reason *string, events ...domain.Event) (*domain.Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[id]
	if !ok {
		return nil, domain.ErrChainNotFound
	}
	if err := checkTransition(id, c.Status, to); err != nil {
		return nil, err
	}
	now := r.now()
	c.AmountSentSats, c.TotalFeesSats = finalTotals(r.hops[id])
	c.Status = to
	if reason != nil {
		msg := *reason
		c.ErrorMessage = &msg
	}
	c.CompletedAt = &now
	c.UpdatedAt = now
	for _, e := range events {
		r.appendLocked(e)
	}
	out := *c
	return &out, nil
}

func (r *MemoryRepository) RecordArrival(ctx context.Context, id uuid.UUID, hopNumber int, height, amount int64, event domain.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.hopLocked(id, hopNumber)
	if err != nil {
		return false, err
	}
	if h.ArrivalHeight != nil {
		return false, nil
	}
	h.ArrivalHeight = &height
	h.IncomingAmountSats = amount
	if hopNumber == 0 {
		r.chains[id].AmountReceivedSats = amount
	}
	r.chains[id].UpdatedAt = r.now()
	r.appendLocked(event)
	return true, nil
}

func (r *MemoryRepository) RecordRelayIntent(ctx context.Context, id uuid.UUID, hopNumber int, relay PendingRelay, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.hopLocked(id, hopNumber)
	if err != nil {
		return err
	}
	if h.OutgoingTxID != nil {
		return ErrStaleHop
	}
	txid, raw := relay.TxID, relay.RawTx
	h.PendingTxID = &txid
	h.PendingRawTx = &raw
	h.PendingAmountSats = relay.AmountSats
	h.PendingFeeSats = relay.FeeSats
	r.appendLocked(event)
	return nil
}

func (r *MemoryRepository) RecordRetry(ctx context.Context, id uuid.UUID, hopNumber int, event domain.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.hopLocked(id, hopNumber)
	if err != nil {
		return 0, err
	}
	h.RelayAttempts++
	r.appendLocked(event)
	return h.RelayAttempts, nil
}

func (r *MemoryRepository) AdvanceHop(ctx context.Context, id uuid.UUID, hopNumber int, advance HopAdvance, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[id]
	if !ok {
		return domain.ErrChainNotFound
	}
	if c.Status != domain.StatusActive || c.CurrentHop != hopNumber {
		return ErrStaleHop
	}
	h, err := r.hopLocked(id, hopNumber)
	if err != nil {
		return err
	}
	if h.OutgoingTxID != nil {
		return ErrStaleHop
	}
	txid, height := advance.TxID, advance.Height
	h.Forwarded = true
	h.OutgoingTxID = &txid
	h.OutgoingAmountSats = advance.AmountSats
	h.OutgoingFeeSats = advance.FeeSats
	h.ForwardedAtHeight = &height
	h.OutgoingRawTx = h.PendingRawTx
	h.PendingTxID = nil
	h.PendingRawTx = nil
	h.PendingAmountSats = 0
	h.PendingFeeSats = 0

	c.CurrentHop = hopNumber + 1
	c.AmountSentSats = advance.AmountSats
	c.TotalFeesSats += advance.FeeSats
	c.UpdatedAt = r.now()
	r.appendLocked(event)
	return nil
}

func (r *MemoryRepository) ApplySync(ctx context.Context, id uuid.UUID, hops []domain.Hop, currentHop int, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[id]
	if !ok {
		return domain.ErrChainNotFound
	}
	stored := r.hops[id]
	for _, h := range hops {
		if h.HopNumber < 0 || h.HopNumber >= len(stored) {
			return ErrHopNotFound
		}
		cur := &stored[h.HopNumber]
		cur.ArrivalHeight = h.ArrivalHeight
		cur.IncomingAmountSats = h.IncomingAmountSats
		cur.Forwarded = h.Forwarded
		cur.OutgoingTxID = h.OutgoingTxID
		cur.OutgoingRawTx = h.OutgoingRawTx
		cur.OutgoingAmountSats = h.OutgoingAmountSats
		cur.OutgoingFeeSats = h.OutgoingFeeSats
		cur.ForwardedAtHeight = h.ForwardedAtHeight
		cur.PendingTxID = h.PendingTxID
		cur.PendingRawTx = h.PendingRawTx
		cur.PendingAmountSats = h.PendingAmountSats
		cur.PendingFeeSats = h.PendingFeeSats
	}
	c.CurrentHop = currentHop
	c.AmountSentSats, c.TotalFeesSats = finalTotals(stored)
	if len(stored) > 0 && stored[0].IncomingAmountSats > c.AmountReceivedSats {
		c.AmountReceivedSats = stored[0].IncomingAmountSats
	}
	c.UpdatedAt = r.now()
	r.appendLocked(event)
	return nil
}

func (r *MemoryRepository) GetSetting(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.settings[key]
	if !ok {
		return "", ErrSettingNotFound
	}
	return v, nil
}

func (r *MemoryRepository) SetSetting(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

func (r *MemoryRepository) SetSettingIfAbsent(ctx context.Context, key, value string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.settings[key]; ok {
		return false, nil
	}
	r.settings[key] = value
	return true, nil
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := r.now()
	stale := time.Duration(staleAfterSeconds) * time.Second

	var out []OutboxMessage
	for _, row := range r.outbox {
		if len(out) >= limit {
			break
		}
		due := row.status == outboxPending && !row.nextAttemptAt.After(now)
		reclaim := row.status == outboxProcessing && now.Sub(row.startedAt) > stale
		if !due && !reclaim {
			continue
		}
		row.status = outboxProcessing
		row.startedAt = now
		row.msg.Attempts++
		out = append(out, row.msg)
	}
	return out, nil
}

// MarkOutboxPublished drops the row; the event itself stays in the chain's log.
func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.outbox {
		if row.msg.ID == id {
			r.outbox = slices.Delete(r.outbox, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("outbox row %d not found", id)
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for _, row := range r.outbox {
		if row.msg.ID == id {
			row.status = outboxPending
			row.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			if len(reason) > maxOutboxErrorLen {
				reason = reason[:maxOutboxErrorLen]
			}
			row.lastError = reason
			return nil
		}
	}
	return fmt.Errorf("outbox row %d not found", id)
}

func (r *MemoryRepository) hopLocked(id uuid.UUID, hopNumber int) (*domain.Hop, error) {
	if _, ok := r.chains[id]; !ok {
		return nil, domain.ErrChainNotFound
	}
	hops := r.hops[id]
	if hopNumber < 0 || hopNumber >= len(hops) {
		return nil, ErrHopNotFound
	}
	return &hops[hopNumber], nil
}

func (r *MemoryRepository) appendLocked(event domain.Event) {
	r.nextEvent++
	event.ID = r.nextEvent
	event.CreatedAt = r.now()
	r.events[event.ChainID] = append(r.events[event.ChainID], event)

	payload, _ := json.Marshal(event)
	r.outbox = append(r.outbox, &memoryOutboxRow{
		msg: OutboxMessage{
			ID:         event.ID,
			Exchange:   r.exchange,
			RoutingKey: event.RoutingKey(),
			Payload:    payload,
		},
		status:        outboxPending,
		nextAttemptAt: event.CreatedAt,
	})
}
