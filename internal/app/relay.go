package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/estimator"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/fibrelay/relay-service/pkg/btcbuilder"
	"github.com/fibrelay/relay-service/pkg/esplora"
	"github.com/google/uuid"
)

// evaluateLocked performs at most one state-changing step for the chain. The caller
// holds the chain lock.
func (e *Engine) evaluateLocked(ctx context.Context, id uuid.UUID) error {
	chain, err := e.repo.GetChain(ctx, id)
	if err != nil {
		return err
	}
	if chain.Status != domain.StatusActive {
		return nil
	}
	oracle, netCfg, err := e.oracleFor(chain.Network)
	if err != nil {
		return err
	}
	hops, err := e.repo.GetHops(ctx, id)
	if err != nil {
		return err
	}
	if len(hops) != chain.TotalHops || len(hops) == 0 {
		return fmt.Errorf("chain %s has %d hops stored, expected %d", id, len(hops), chain.TotalHops)
	}

	cctx, cancel := e.callContext(ctx)
	tip, err := oracle.GetTipHeight(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}
	e.recordTip(chain.Network, tip)

	if chain.AllForwarded() {
		return e.checkCompletion(ctx, oracle, netCfg, chain, hops)
	}

	hop := hops[chain.CurrentHop]
	if hop.OutgoingTxID != nil {
		e.logger.Warn("current hop already forwarded; waiting for sync", "chain_id", id, "hop", hop.HopNumber)
		return nil
	}
	if hop.PendingTxID != nil {
		return e.resumePending(ctx, oracle, chain, hop, tip)
	}

	cctx, cancel = e.callContext(ctx)
	utxos, err := oracle.GetUTXOs(cctx, hop.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get utxos for hop %d: %w", hop.HopNumber, err)
	}
	var balance int64
	for _, u := range utxos {
		balance += u.Value
	}
	if balance == 0 {
		return nil
	}

	if hop.ArrivalHeight == nil {
		event := domain.NewEvent(id, domain.EventHopFunded, fmt.Sprintf("funds detected at hop %d", hop.HopNumber)).
			WithHop(hop.HopNumber).
			WithAmount(balance).
			WithHeight(tip)
		recorded, err := e.repo.RecordArrival(ctx, id, hop.HopNumber, tip, balance, event)
		if err != nil {
			return fmt.Errorf("failed to record arrival at hop %d: %w", hop.HopNumber, err)
		}
		if recorded {
			e.logger.Info("hop funded", "chain_id", id, "hop", hop.HopNumber, "amount_sats", balance, "height", tip)
		}
		arrival := tip
		hop.ArrivalHeight = &arrival
		hop.IncomingAmountSats = balance
	}

	if limit := e.maxRelayAmount(); balance > limit {
		reason := fmt.Sprintf("hop %d holds %d sats, above the relay limit of %d sats", hop.HopNumber, balance, limit)
		return e.fail(ctx, chain, hop.HopNumber, reason)
	}

	if !relayEligible(hop, utxos, tip, netCfg.MinConfirmations) {
		return nil
	}
	return e.forward(ctx, oracle, netCfg, chain, hops, hop, utxos, tip)
}

// relayEligible requires every output at the hop to be confirmed deeply enough and the
// hop's Fibonacci delay to have elapsed since the funds were first seen.
func relayEligible(hop domain.Hop, utxos []esplora.UTXO, tip int64, minConfirmations int) bool {
	if hop.ArrivalHeight == nil || len(utxos) == 0 {
		return false
	}
	for _, u := range utxos {
		if u.Confirmations(tip) < int64(minConfirmations) {
			return false
		}
	}
	return tip-*hop.ArrivalHeight >= int64(hop.DelayBlocks)
}

func (e *Engine) forward(
	ctx context.Context,
	oracle Oracle,
	netCfg config.NetworkConfig,
	chain *domain.Chain,
	hops []domain.Hop,
	hop domain.Hop,
	utxos []esplora.UTXO,
	tip int64,
) error {
	wif, err := e.keys.Open(hop.EncryptedPrivkey)
	if err != nil {
		return fmt.Errorf("failed to open key for hop %d: %w", hop.HopNumber, err)
	}

	rate := e.feeRate(ctx, oracle, chain)
	destination := domain.Destination(chain, hops, hop.HopNumber)
	inputs := make([]btcbuilder.UTXO, 0, len(utxos))
	var balance int64
	for _, u := range utxos {
		inputs = append(inputs, btcbuilder.UTXO{TxID: u.TxID, Vout: u.Vout, Value: u.Value})
		balance += u.Value
	}

	signed, err := e.builder.BuildAndSign(btcbuilder.BuildRequest{
		Network:           string(chain.Network),
		WIF:               wif,
		UTXOs:             inputs,
		Destination:       destination,
		FeeRate:           rate,
		DustThresholdSats: netCfg.DustThresholdSats,
	})
	if err != nil {
		var insufficient *btcbuilder.InsufficientFundsError
		if errors.As(err, &insufficient) {
			reason := fmt.Sprintf("insufficient funds at hop %d: balance %d sats, fee %d sats", hop.HopNumber, insufficient.BalanceSats, insufficient.FeeSats)
			failed := domain.NewEvent(chain.ID, domain.EventRelayFailed, reason).
				WithHop(hop.HopNumber).
				WithAmount(insufficient.BalanceSats).
				WithFee(insufficient.FeeSats)
			return e.fail(ctx, chain, hop.HopNumber, reason, failed)
		}
		return fmt.Errorf("failed to build relay transaction for hop %d: %w", hop.HopNumber, err)
	}

	relay := store.PendingRelay{
		TxID:       signed.TxID,
		RawTx:      signed.RawHex,
		AmountSats: signed.AmountSats,
		FeeSats:    signed.FeeSats,
	}
	detail := fmt.Sprintf("hop %d sends %d of %d sats to %s at %.1f sat/vB", hop.HopNumber, signed.AmountSats, balance, destination, rate)
	intent := domain.NewEvent(chain.ID, domain.EventRelayBroadcast, detail).
		WithHop(hop.HopNumber).
		WithTx(signed.TxID, signed.AmountSats, signed.FeeSats).
		WithHeight(tip)
	if err := e.repo.RecordRelayIntent(ctx, chain.ID, hop.HopNumber, relay, intent); err != nil {
		return fmt.Errorf("failed to record relay intent for hop %d: %w", hop.HopNumber, err)
	}
	return e.broadcast(ctx, oracle, chain, hop.HopNumber, relay, tip)
}

// resumePending finishes a forward that was signed earlier. The same signed transaction
// is reused; a second one is never signed for the hop.
func (e *Engine) resumePending(ctx context.Context, oracle Oracle, chain *domain.Chain, hop domain.Hop, tip int64) error {
	relay := store.PendingRelay{
		TxID:       *hop.PendingTxID,
		AmountSats: hop.PendingAmountSats,
		FeeSats:    hop.PendingFeeSats,
	}
	if hop.PendingRawTx != nil {
		relay.RawTx = *hop.PendingRawTx
	}

	cctx, cancel := e.callContext(ctx)
	_, err := oracle.GetConfirmations(cctx, relay.TxID)
	cancel()
	switch {
	case err == nil:
		return e.advance(context.WithoutCancel(ctx), chain, hop.HopNumber, relay, tip, "pending relay found on chain")
	case errors.Is(err, esplora.ErrTxNotFound):
		if relay.RawTx == "" {
			return fmt.Errorf("pending relay %s for hop %d has no signed transaction", relay.TxID, hop.HopNumber)
		}
		e.logger.Info("rebroadcasting pending relay", "chain_id", chain.ID, "hop", hop.HopNumber, "txid", relay.TxID)
		return e.broadcast(ctx, oracle, chain, hop.HopNumber, relay, tip)
	default:
		return fmt.Errorf("failed to check pending relay %s: %w", relay.TxID, err)
	}
}

// broadcast submits a signed forward and commits the outcome. Commits run detached from
// ctx so a shutdown never strands an accepted broadcast.
func (e *Engine) broadcast(ctx context.Context, oracle Oracle, chain *domain.Chain, hopNumber int, relay store.PendingRelay, tip int64) error {
	cctx, cancel := e.callContext(ctx)
	txid, err := oracle.Broadcast(cctx, relay.RawTx)
	cancel()
	commitCtx := context.WithoutCancel(ctx)

	if err == nil {
		if txid != "" && txid != relay.TxID {
			e.logger.Warn("node returned a different txid", "chain_id", chain.ID, "hop", hopNumber, "expected", relay.TxID, "got", txid)
		}
		return e.advance(commitCtx, chain, hopNumber, relay, tip, "broadcast accepted")
	}

	if esplora.IsPermanent(err) {
		reason := fmt.Sprintf("broadcast for hop %d rejected: %v", hopNumber, err)
		failed := domain.NewEvent(chain.ID, domain.EventRelayFailed, reason).
			WithHop(hopNumber).
			WithTx(relay.TxID, relay.AmountSats, relay.FeeSats)
		return e.fail(commitCtx, chain, hopNumber, reason, failed)
	}

	retry := domain.NewEvent(chain.ID, domain.EventRelayRetryScheduled, fmt.Sprintf("broadcast failed, retrying next tick: %v", err)).
		WithHop(hopNumber).
		WithTx(relay.TxID, relay.AmountSats, relay.FeeSats)
	attempts, rerr := e.repo.RecordRetry(commitCtx, chain.ID, hopNumber, retry)
	if rerr != nil {
		return fmt.Errorf("failed to record relay retry: %w", rerr)
	}
	e.logger.Warn("relay broadcast failed", "chain_id", chain.ID, "hop", hopNumber, "attempt", attempts, "error", err)

	if attempts >= e.config.MaxRelayAttempts {
		reason := fmt.Sprintf("broadcast for hop %d failed %d times: %v", hopNumber, attempts, err)
		failed := domain.NewEvent(chain.ID, domain.EventRelayFailed, reason).
			WithHop(hopNumber).
			WithTx(relay.TxID, relay.AmountSats, relay.FeeSats)
		return e.fail(commitCtx, chain, hopNumber, reason, failed)
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, chain *domain.Chain, hopNumber int, relay store.PendingRelay, tip int64, detail string) error {
	event := domain.NewEvent(chain.ID, domain.EventHopRelayed, detail).
		WithHop(hopNumber).
		WithTx(relay.TxID, relay.AmountSats, relay.FeeSats).
		WithHeight(tip)
	advance := store.HopAdvance{TxID: relay.TxID, AmountSats: relay.AmountSats, FeeSats: relay.FeeSats, Height: tip}
	if err := e.repo.AdvanceHop(ctx, chain.ID, hopNumber, advance, event); err != nil {
		if errors.Is(err, store.ErrStaleHop) {
			e.logger.Warn("hop advanced elsewhere", "chain_id", chain.ID, "hop", hopNumber, "txid", relay.TxID)
			return nil
		}
		return fmt.Errorf("failed to advance hop %d: %w", hopNumber, err)
	}
	e.logger.Info("hop relayed", "chain_id", chain.ID, "hop", hopNumber, "txid", relay.TxID, "amount_sats", relay.AmountSats, "fee_sats", relay.FeeSats)
	return nil
}

func (e *Engine) checkCompletion(ctx context.Context, oracle Oracle, netCfg config.NetworkConfig, chain *domain.Chain, hops []domain.Hop) error {
	last := hops[len(hops)-1]
	if last.OutgoingTxID == nil {
		return fmt.Errorf("chain %s forwarded every hop but has no final txid", chain.ID)
	}

	cctx, cancel := e.callContext(ctx)
	confirmations, err := oracle.GetConfirmations(cctx, *last.OutgoingTxID)
	cancel()
	if err != nil {
		if errors.Is(err, esplora.ErrTxNotFound) {
			return e.rebroadcastFinal(ctx, oracle, chain, last)
		}
		return fmt.Errorf("failed to check final relay: %w", err)
	}
	if confirmations < int64(netCfg.MinConfirmations) {
		return nil
	}

	var fees int64
	for _, h := range hops {
		fees += h.OutgoingFeeSats
	}
	event := domain.NewEvent(chain.ID, domain.EventChainCompleted, fmt.Sprintf("final relay confirmed with %d confirmations", confirmations)).
		WithTx(*last.OutgoingTxID, last.OutgoingAmountSats, fees)
	completed, err := e.repo.CompleteChain(ctx, chain.ID, event)
	if err != nil {
		return fmt.Errorf("failed to complete chain: %w", err)
	}
	e.logger.Info("relay chain completed", "chain_id", chain.ID, "amount_sent_sats", completed.AmountSentSats, "total_fees_sats", completed.TotalFeesSats)
	return nil
}

// rebroadcastFinal resubmits the kept signed copy of the last forward once the oracle no
// longer sees it, typically after a mempool eviction. Failures count against the hop's
// retry budget.
func (e *Engine) rebroadcastFinal(ctx context.Context, oracle Oracle, chain *domain.Chain, last domain.Hop) error {
	txid := *last.OutgoingTxID
	if last.OutgoingRawTx == nil || *last.OutgoingRawTx == "" {
		e.logger.Warn("final relay not visible to oracle and no signed copy is kept", "chain_id", chain.ID, "txid", txid)
		return nil
	}

	cctx, cancel := e.callContext(ctx)
	_, err := oracle.Broadcast(cctx, *last.OutgoingRawTx)
	cancel()
	commitCtx := context.WithoutCancel(ctx)

	if err == nil {
		event := domain.NewEvent(chain.ID, domain.EventRelayBroadcast, "final relay missing from the oracle; rebroadcast the signed transaction").
			WithHop(last.HopNumber).
			WithTx(txid, last.OutgoingAmountSats, last.OutgoingFeeSats)
		if err := e.repo.AppendEvent(commitCtx, event); err != nil {
			return fmt.Errorf("failed to record final rebroadcast: %w", err)
		}
		e.logger.Info("final relay rebroadcast", "chain_id", chain.ID, "hop", last.HopNumber, "txid", txid)
		return nil
	}

	retry := domain.NewEvent(chain.ID, domain.EventRelayRetryScheduled, fmt.Sprintf("final relay missing and rebroadcast failed: %v", err)).
		WithHop(last.HopNumber).
		WithTx(txid, last.OutgoingAmountSats, last.OutgoingFeeSats)
	attempts, rerr := e.repo.RecordRetry(commitCtx, chain.ID, last.HopNumber, retry)
	if rerr != nil {
		return fmt.Errorf("failed to record relay retry: %w", rerr)
	}
	e.logger.Warn("final relay rebroadcast failed", "chain_id", chain.ID, "hop", last.HopNumber, "attempt", attempts, "error", err)

	if attempts >= e.config.MaxRelayAttempts {
		reason := fmt.Sprintf("final relay %s could not be rebroadcast after %d attempts: %v", txid, attempts, err)
		failed := domain.NewEvent(chain.ID, domain.EventRelayFailed, reason).
			WithHop(last.HopNumber).
			WithTx(txid, last.OutgoingAmountSats, last.OutgoingFeeSats)
		return e.fail(commitCtx, chain, last.HopNumber, reason, failed)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, chain *domain.Chain, hopNumber int, reason string, events ...domain.Event) error {
	events = append(events, domain.NewEvent(chain.ID, domain.EventChainFailed, reason).WithHop(hopNumber))
	if _, err := e.repo.FailChain(ctx, chain.ID, reason, events...); err != nil {
		return fmt.Errorf("failed to mark chain failed: %w", err)
	}
	e.logger.Error("relay chain failed", "chain_id", chain.ID, "hop", hopNumber, "reason", reason)
	return nil
}

// feeRate picks the chain's priority tier from the live feed, falling back to the
// network defaults when the feed is unreachable.
func (e *Engine) feeRate(ctx context.Context, oracle Oracle, chain *domain.Chain) float64 {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	rates, err := oracle.GetFeeRates(cctx)
	if err != nil {
		e.logger.Warn("fee feed unavailable; using defaults", "network", chain.Network, "error", err)
		return estimator.DefaultFeeRates(chain.Network).For(chain.FeePriority)
	}
	return toDomainRates(rates).For(chain.FeePriority)
}

func (e *Engine) maxRelayAmount() int64 {
	if e.config.MaxRelayAmountSats <= 0 {
		return domain.MaxRelayAmountSats
	}
	return e.config.MaxRelayAmountSats
}

func toDomainRates(r esplora.FeeRates) domain.FeeRates {
	return domain.FeeRates{High: r.High, Medium: r.Medium, Low: r.Low, Economy: r.Economy}
}
