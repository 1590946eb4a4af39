package app

import (
	"context"
	"fmt"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/pkg/esplora"
	"github.com/google/uuid"
)

// SyncResult reports what a status sync changed.
type SyncResult struct {
	Chain       *domain.Chain `json:"chain"`
	PreviousHop int           `json:"previous_hop"`
	CurrentHop  int           `json:"current_hop"`
	Changed     bool          `json:"changed"`
}

// SyncStatus rebuilds hop progress from the oracle's address history. A hop counts as
// forwarded only when a transaction spending from its address is visible; progress
// stops at the first hop without such evidence.
func (e *Engine) SyncStatus(ctx context.Context, id uuid.UUID) (*SyncResult, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	chain, err := e.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if chain.Status.Terminal() {
		return nil, &domain.InvalidTransitionError{ChainID: id, Current: chain.Status, Target: domain.StatusActive}
	}
	oracle, _, err := e.oracleFor(chain.Network)
	if err != nil {
		return nil, err
	}
	hops, err := e.repo.GetHops(ctx, id)
	if err != nil {
		return nil, err
	}

	cctx, cancel := e.callContext(ctx)
	tip, err := oracle.GetTipHeight(cctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to get tip height: %w", err)
	}
	e.recordTip(chain.Network, tip)

	synced, current, err := e.reconcileHops(ctx, oracle, chain, hops, tip)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Chain: chain, PreviousHop: chain.CurrentHop, CurrentHop: current}
	if current == chain.CurrentHop && !hopsDiffer(hops, synced) {
		return result, nil
	}

	event := domain.NewEvent(id, domain.EventChainSynced, fmt.Sprintf("current hop %d -> %d from on-chain history", chain.CurrentHop, current)).
		WithHeight(tip)
	if err := e.repo.ApplySync(ctx, id, synced, current, event); err != nil {
		return nil, fmt.Errorf("failed to apply sync: %w", err)
	}
	e.logger.Info("chain synced", "chain_id", id, "previous_hop", chain.CurrentHop, "current_hop", current)

	updated, err := e.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	result.Chain = updated
	result.Changed = true
	return result, nil
}

func (e *Engine) reconcileHops(ctx context.Context, oracle Oracle, chain *domain.Chain, hops []domain.Hop, tip int64) ([]domain.Hop, int, error) {
	synced := append([]domain.Hop(nil), hops...)
	current := 0
	contiguous := true

	for i := range synced {
		h := &synced[i]
		cctx, cancel := e.callContext(ctx)
		txs, err := oracle.GetAddressTxs(cctx, h.Address)
		cancel()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get history for hop %d: %w", h.HopNumber, err)
		}

		if h.ArrivalHeight == nil {
			if amount, height, ok := fundingEvidence(txs, h.Address, tip); ok {
				h.ArrivalHeight = &height
				h.IncomingAmountSats = amount
			}
		}

		destination := domain.Destination(chain, hops, i)
		if spend := spendEvidence(txs, *h, destination); contiguous && spend != nil {
			markForwarded(h, spend, destination, tip)
			current++
			continue
		}
		contiguous = false
		if h.Forwarded || h.OutgoingTxID != nil {
			demote(h)
		}
	}
	return synced, current, nil
}

// fundingEvidence sums what address received; the height is the earliest confirmation,
// or tip when every deposit is still in the mempool.
func fundingEvidence(txs []esplora.Tx, address string, tip int64) (int64, int64, bool) {
	var (
		amount int64
		height int64
	)
	for _, tx := range txs {
		paid := tx.PaidTo(address)
		if paid == 0 {
			continue
		}
		amount += paid
		if tx.Confirmed && (height == 0 || tx.BlockHeight < height) {
			height = tx.BlockHeight
		}
	}
	if amount == 0 {
		return 0, 0, false
	}
	if height == 0 {
		height = tip
	}
	return amount, height, true
}

// spendEvidence prefers the transaction this service signed, then one paying the
// expected destination, then any spend from the hop address.
func spendEvidence(txs []esplora.Tx, hop domain.Hop, destination string) *esplora.Tx {
	var toDestination, anySpend *esplora.Tx
	for i := range txs {
		tx := &txs[i]
		if !tx.SpendsFrom(hop.Address) {
			continue
		}
		if (hop.OutgoingTxID != nil && *hop.OutgoingTxID == tx.TxID) || (hop.PendingTxID != nil && *hop.PendingTxID == tx.TxID) {
			return tx
		}
		if toDestination == nil && tx.PaidTo(destination) > 0 {
			toDestination = tx
		}
		if anySpend == nil {
			anySpend = tx
		}
	}
	if toDestination != nil {
		return toDestination
	}
	return anySpend
}

func markForwarded(h *domain.Hop, spend *esplora.Tx, destination string, tip int64) {
	txid := spend.TxID
	sameTx := h.OutgoingTxID != nil && *h.OutgoingTxID == txid
	if !sameTx {
		raw := h.OutgoingRawTx
		if h.PendingTxID != nil && *h.PendingTxID == txid {
			raw = h.PendingRawTx
		} else if h.OutgoingTxID != nil {
			raw = nil
		}
		h.OutgoingTxID = &txid
		h.OutgoingRawTx = raw
	}
	if !sameTx || h.ForwardedAtHeight == nil {
		height := tip
		if spend.Confirmed {
			height = spend.BlockHeight
		}
		h.ForwardedAtHeight = &height
	}
	h.Forwarded = true
	h.OutgoingAmountSats = spend.PaidTo(destination)
	h.OutgoingFeeSats = spend.FeeSats
	h.PendingTxID = nil
	h.PendingRawTx = nil
	h.PendingAmountSats = 0
	h.PendingFeeSats = 0
}

// demote turns a forward the oracle cannot see back into a pending intent, so the next
// tick rebroadcasts the same signed transaction.
func demote(h *domain.Hop) {
	if h.OutgoingTxID != nil && h.OutgoingRawTx != nil {
		h.PendingTxID = h.OutgoingTxID
		h.PendingRawTx = h.OutgoingRawTx
		h.PendingAmountSats = h.OutgoingAmountSats
		h.PendingFeeSats = h.OutgoingFeeSats
	}
	h.Forwarded = false
	h.OutgoingTxID = nil
	h.OutgoingRawTx = nil
	h.OutgoingAmountSats = 0
	h.OutgoingFeeSats = 0
	h.ForwardedAtHeight = nil
}

func hopsDiffer(a, b []domain.Hop) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Forwarded != y.Forwarded ||
			x.IncomingAmountSats != y.IncomingAmountSats ||
			x.OutgoingAmountSats != y.OutgoingAmountSats ||
			x.OutgoingFeeSats != y.OutgoingFeeSats ||
			!equalInt64(x.ArrivalHeight, y.ArrivalHeight) ||
			!equalInt64(x.ForwardedAtHeight, y.ForwardedAtHeight) ||
			!equalString(x.OutgoingTxID, y.OutgoingTxID) ||
			!equalString(x.PendingTxID, y.PendingTxID) {
			return true
		}
	}
	return false
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
