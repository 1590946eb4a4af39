package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/fibrelay/relay-service/internal/vault"
	"github.com/fibrelay/relay-service/pkg/esplora"
)

func confirmedUTXO(txid string, value, height int64) esplora.UTXO {
	return esplora.UTXO{TxID: txid, Vout: 0, Value: value, Confirmed: true, BlockHeight: height}
}

func TestEngine_ForwardsIntakeAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 3)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.tick(t)

	_, hops = env.reload(t, chain.ID)
	if hops[0].ArrivalHeight == nil || *hops[0].ArrivalHeight != 100 {
		t.Fatalf("expected arrival at height 100, got %v", hops[0].ArrivalHeight)
	}
	if env.oracle.broadcastCount() != 0 {
		t.Fatal("expected no forward before the delay elapsed")
	}

	env.oracle.setTip(101)
	env.tick(t)

	chain, hops = env.reload(t, chain.ID)
	if chain.CurrentHop != 1 {
		t.Fatalf("expected current_hop 1, got %d", chain.CurrentHop)
	}
	if !hops[0].Forwarded || hops[0].OutgoingAmountSats != 98900 || hops[0].OutgoingFeeSats != 1100 {
		t.Fatalf("unexpected forwarded hop %+v", hops[0])
	}
	if got := env.countEvents(t, chain.ID, domain.EventHopRelayed); got != 1 {
		t.Fatalf("expected one hop_relayed event, got %d", got)
	}
	if chain.AmountReceivedSats != 100000 {
		t.Fatalf("expected amount received 100000, got %d", chain.AmountReceivedSats)
	}
}

func TestEngine_IdempotentWithoutNewOracleEvents(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	events := env.eventTotal(t, chain.ID)
	broadcasts := env.oracle.broadcastCount()

	env.tick(t)
	env.tick(t)

	if got := env.eventTotal(t, chain.ID); got != events {
		t.Fatalf("expected no new events, had %d now %d", events, got)
	}
	if got := env.oracle.broadcastCount(); got != broadcasts {
		t.Fatalf("expected no new broadcasts, had %d now %d", broadcasts, got)
	}
}

func TestEngine_RequiresMinConfirmations(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, esplora.UTXO{TxID: "mempool", Value: 50000})
	env.oracle.setTip(110)
	env.tick(t)

	chain, hops = env.reload(t, chain.ID)
	if hops[0].ArrivalHeight == nil {
		t.Fatal("expected mempool funds to record an arrival")
	}
	if chain.CurrentHop != 0 || env.oracle.broadcastCount() != 0 {
		t.Fatal("expected unconfirmed funds not to be forwarded")
	}
}

func TestEngine_TransientFailuresReuseSignedTransaction(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)
	env.oracle.broadcastErrs = []error{transientErr(), transientErr(), transientErr()}

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	for i := 0; i < 4; i++ {
		env.tick(t)
	}

	chain, hops = env.reload(t, chain.ID)
	if chain.Status != domain.StatusActive || chain.CurrentHop != 1 {
		t.Fatalf("expected active chain at hop 1, got %s at %d", chain.Status, chain.CurrentHop)
	}
	if got := env.countEvents(t, chain.ID, domain.EventRelayRetryScheduled); got != 3 {
		t.Fatalf("expected 3 retry events, got %d", got)
	}
	if got := env.countEvents(t, chain.ID, domain.EventHopRelayed); got != 1 {
		t.Fatalf("expected one hop_relayed event, got %d", got)
	}
	if env.builder.signCount() != 1 {
		t.Fatalf("expected exactly one signed transaction, got %d", env.builder.signCount())
	}
	for _, raw := range env.oracle.broadcasts {
		if raw != env.oracle.broadcasts[0] {
			t.Fatalf("expected every broadcast to carry the same transaction, got %v", env.oracle.broadcasts)
		}
	}
	if hops[0].OutgoingTxID == nil || "raw-"+*hops[0].OutgoingTxID != env.oracle.broadcasts[0] {
		t.Fatalf("unexpected outgoing txid %v", hops[0].OutgoingTxID)
	}
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxRelayAttempts = 2 })
	chain, hops := env.activeChain(t, 2)
	env.oracle.broadcastErrs = []error{transientErr(), transientErr()}

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusFailed {
		t.Fatalf("expected failed chain, got %s", chain.Status)
	}
	if env.countEvents(t, chain.ID, domain.EventChainFailed) != 1 {
		t.Fatal("expected a chain_failed event")
	}
}

func TestEngine_PermanentRejectionFailsChain(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)
	env.oracle.broadcastErrs = []error{permanentErr()}

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusFailed {
		t.Fatalf("expected failed chain, got %s", chain.Status)
	}
	if chain.ErrorMessage == nil {
		t.Fatal("expected rejection reason to be recorded")
	}
	if env.countEvents(t, chain.ID, domain.EventRelayFailed) != 1 || env.countEvents(t, chain.ID, domain.EventChainFailed) != 1 {
		t.Fatal("expected relay_failed and chain_failed events")
	}
	if env.countEvents(t, chain.ID, domain.EventRelayRetryScheduled) != 0 {
		t.Fatal("expected permanent rejection not to be retried")
	}
}

func TestEngine_InsufficientFundsFailsChain(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("dust", 1000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusFailed {
		t.Fatalf("expected failed chain, got %s", chain.Status)
	}
	events, _ := env.repo.ListEvents(context.Background(), chain.ID)
	var found bool
	for _, e := range events {
		if e.Type == domain.EventRelayFailed {
			found = true
			if e.AmountSats == nil || *e.AmountSats != 1000 || e.FeeSats == nil || *e.FeeSats != 1100 {
				t.Fatalf("expected balance and fee on relay_failed, got %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("expected a relay_failed event")
	}
	if env.oracle.broadcastCount() != 0 {
		t.Fatal("expected nothing to be broadcast")
	}
}

func TestEngine_RelayCapFailsChain(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxRelayAmountSats = 50000 })
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("big", 100000, 100))
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusFailed {
		t.Fatalf("expected failed chain, got %s", chain.Status)
	}
}

func TestEngine_LockedVaultLeavesChainUntouched(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)
	env.keys.Lock()

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)

	err := env.engine.EvaluateChain(context.Background(), chain.ID)
	if !errors.Is(err, vault.ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}
	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusActive || chain.CurrentHop != 0 {
		t.Fatalf("expected chain untouched, got %s at %d", chain.Status, chain.CurrentHop)
	}
	if env.countEvents(t, chain.ID, domain.EventRelayBroadcast) != 0 {
		t.Fatal("expected no relay attempt while locked")
	}
}

func TestEngine_CompletesAfterFinalConfirmation(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	_, hops = env.reload(t, chain.ID)
	env.oracle.fund(hops[1].Address, confirmedUTXO(*hops[0].OutgoingTxID, hops[0].OutgoingAmountSats, 102))
	env.oracle.setTip(102)
	env.tick(t)
	env.oracle.setTip(103)
	env.tick(t)

	chain, hops = env.reload(t, chain.ID)
	if !chain.AllForwarded() {
		t.Fatalf("expected every hop forwarded, current_hop %d", chain.CurrentHop)
	}
	if chain.Status != domain.StatusActive {
		t.Fatalf("expected chain to wait for confirmation, got %s", chain.Status)
	}

	env.oracle.confirmations[*hops[1].OutgoingTxID] = 1
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusCompleted {
		t.Fatalf("expected completed chain, got %s", chain.Status)
	}
	if chain.AmountSentSats != 97800 || chain.TotalFeesSats != 2200 {
		t.Fatalf("unexpected totals sent=%d fees=%d", chain.AmountSentSats, chain.TotalFeesSats)
	}
	if env.countEvents(t, chain.ID, domain.EventChainCompleted) != 1 {
		t.Fatal("expected a chain_completed event")
	}
}

// relayBothHops forwards both hops of a two-hop chain and returns the final txid.
func relayBothHops(t *testing.T, env *testEnv) (*domain.Chain, string) {
	t.Helper()
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	_, hops = env.reload(t, chain.ID)
	env.oracle.fund(hops[1].Address, confirmedUTXO(*hops[0].OutgoingTxID, hops[0].OutgoingAmountSats, 102))
	env.oracle.setTip(102)
	env.tick(t)
	env.oracle.setTip(103)
	env.tick(t)

	chain, hops = env.reload(t, chain.ID)
	if !chain.AllForwarded() || hops[1].OutgoingTxID == nil {
		t.Fatalf("expected every hop forwarded, current_hop %d", chain.CurrentHop)
	}
	return chain, *hops[1].OutgoingTxID
}

func (o *fakeOracle) evict(txid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.confirmations, txid)
}

func TestEngine_RebroadcastsDroppedFinalRelay(t *testing.T) {
	env := newTestEnv(t)
	chain, finalTxID := relayBothHops(t, env)
	broadcasts := env.oracle.broadcastCount()
	relayEvents := env.countEvents(t, chain.ID, domain.EventRelayBroadcast)

	env.oracle.evict(finalTxID)
	env.tick(t)

	if got := env.oracle.broadcastCount(); got != broadcasts+1 {
		t.Fatalf("expected one rebroadcast, had %d now %d", broadcasts, got)
	}
	if last := env.oracle.broadcasts[len(env.oracle.broadcasts)-1]; last != "raw-"+finalTxID {
		t.Fatalf("expected the kept signed transaction to be resent, got %q", last)
	}
	if got := env.countEvents(t, chain.ID, domain.EventRelayBroadcast); got != relayEvents+1 {
		t.Fatalf("expected a relay_broadcast event for the rebroadcast, had %d now %d", relayEvents, got)
	}

	// back in the mempool: nothing more to do until it confirms
	env.tick(t)
	if got := env.oracle.broadcastCount(); got != broadcasts+1 {
		t.Fatalf("expected no further broadcasts, got %d", got)
	}

	env.oracle.mu.Lock()
	env.oracle.confirmations[finalTxID] = 1
	env.oracle.mu.Unlock()
	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusCompleted {
		t.Fatalf("expected completed chain, got %s", chain.Status)
	}
	if env.builder.signCount() != 2 {
		t.Fatalf("expected no re-signing, got %d signatures", env.builder.signCount())
	}
}

func TestEngine_DroppedFinalRelayUsesRetryBudget(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxRelayAttempts = 2 })
	chain, finalTxID := relayBothHops(t, env)

	env.oracle.evict(finalTxID)
	env.oracle.mu.Lock()
	env.oracle.broadcastErrs = []error{transientErr(), transientErr()}
	env.oracle.mu.Unlock()

	env.tick(t)
	chain, hops := env.reload(t, chain.ID)
	if chain.Status != domain.StatusActive {
		t.Fatalf("expected chain to stay active after one failed rebroadcast, got %s", chain.Status)
	}
	if got := env.countEvents(t, chain.ID, domain.EventRelayRetryScheduled); got != 1 {
		t.Fatalf("expected one relay_retry_scheduled event, got %d", got)
	}
	if hops[1].RelayAttempts != 1 {
		t.Fatalf("expected the final hop to count the attempt, got %d", hops[1].RelayAttempts)
	}

	env.tick(t)
	chain, _ = env.reload(t, chain.ID)
	if chain.Status != domain.StatusFailed {
		t.Fatalf("expected failed chain once the budget is spent, got %s", chain.Status)
	}
	if env.countEvents(t, chain.ID, domain.EventRelayFailed) != 1 || env.countEvents(t, chain.ID, domain.EventChainFailed) != 1 {
		t.Fatal("expected relay_failed and chain_failed events")
	}
}

func TestEngine_AdoptsPendingRelayKnownToOracle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chain, _ := env.activeChain(t, 2)

	relay := store.PendingRelay{TxID: "T1", RawTx: "raw-T1", AmountSats: 98900, FeeSats: 1100}
	intent := domain.NewEvent(chain.ID, domain.EventRelayBroadcast, "signed before restart").
		WithHop(0).
		WithTx(relay.TxID, relay.AmountSats, relay.FeeSats)
	if err := env.repo.RecordRelayIntent(ctx, chain.ID, 0, relay, intent); err != nil {
		t.Fatalf("RecordRelayIntent returned error: %v", err)
	}
	env.oracle.mu.Lock()
	env.oracle.confirmations["T1"] = 0
	env.oracle.mu.Unlock()

	env.tick(t)

	chain, hops := env.reload(t, chain.ID)
	if chain.CurrentHop != 1 {
		t.Fatalf("expected current_hop 1, got %d", chain.CurrentHop)
	}
	if hops[0].OutgoingTxID == nil || *hops[0].OutgoingTxID != "T1" {
		t.Fatalf("expected the pending txid to be adopted, got %v", hops[0].OutgoingTxID)
	}
	if hops[0].OutgoingRawTx == nil || *hops[0].OutgoingRawTx != "raw-T1" {
		t.Fatalf("expected the signed copy to be kept, got %v", hops[0].OutgoingRawTx)
	}
	if env.oracle.broadcastCount() != 0 {
		t.Fatalf("expected no broadcast for a relay already on the network, got %d", env.oracle.broadcastCount())
	}
	if env.builder.signCount() != 0 {
		t.Fatalf("expected no signing, got %d", env.builder.signCount())
	}
	if got := env.countEvents(t, chain.ID, domain.EventHopRelayed); got != 1 {
		t.Fatalf("expected one hop_relayed event, got %d", got)
	}
}

// gatedOracle parks every Broadcast until release is closed.
type gatedOracle struct {
	*fakeOracle
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (o *gatedOracle) Broadcast(ctx context.Context, rawHex string) (string, error) {
	o.once.Do(func() { close(o.entered) })
	<-o.release
	return o.fakeOracle.Broadcast(ctx, rawHex)
}

func TestEngine_CancelWaitsForInFlightForward(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)
	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)

	gated := &gatedOracle{fakeOracle: env.oracle, entered: make(chan struct{}), release: make(chan struct{})}
	oracles := map[domain.Network]Oracle{domain.NetworkTestnet: gated}
	engine := NewEngine(env.repo, oracles, env.builder, env.keys, env.config, discardLogger())
	svc := NewService(env.repo, engine, oracles, env.builder, env.keys, nil, env.config, discardLogger())

	tickDone := make(chan error, 1)
	go func() { tickDone <- engine.RunOnce(context.Background()) }()

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		close(gated.release)
		t.Fatal("forward never reached broadcast")
	}

	type cancelResult struct {
		chain *domain.Chain
		err   error
	}
	cancelDone := make(chan cancelResult, 1)
	go func() {
		c, err := svc.Cancel(context.Background(), chain.ID)
		cancelDone <- cancelResult{c, err}
	}()

	select {
	case res := <-cancelDone:
		close(gated.release)
		t.Fatalf("expected cancel to wait for the broadcast, returned %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	close(gated.release)

	var res cancelResult
	select {
	case res = <-cancelDone:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return after the broadcast finished")
	}
	if err := <-tickDone; err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.err != nil {
		t.Fatalf("Cancel returned error: %v", res.err)
	}
	if res.chain.Status != domain.StatusCancelled || res.chain.CurrentHop != 1 {
		t.Fatalf("expected cancelled chain at hop 1, got %s at %d", res.chain.Status, res.chain.CurrentHop)
	}

	_, hops = env.reload(t, chain.ID)
	if !hops[0].Forwarded {
		t.Fatal("expected the in-flight forward to be committed")
	}
	events, err := env.repo.ListEvents(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	relayedAt, cancelledAt := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case domain.EventHopRelayed:
			relayedAt = i
		case domain.EventChainCancelled:
			cancelledAt = i
		}
	}
	if relayedAt < 0 || cancelledAt < 0 || relayedAt > cancelledAt {
		t.Fatalf("expected hop_relayed before chain_cancelled, got indexes %d and %d", relayedAt, cancelledAt)
	}
}

func TestEngine_FallsBackToDefaultFeeRates(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.feeErr = transientErr()
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	_, hops = env.reload(t, chain.ID)
	if hops[0].OutgoingFeeSats != 1100 {
		t.Fatalf("expected testnet default medium rate fee 1100, got %d", hops[0].OutgoingFeeSats)
	}
}

func TestEngine_CancelStateMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result, err := env.service.CreateChain(ctx, CreateChainRequest{NumHops: 2})
	if err != nil {
		t.Fatalf("CreateChain returned error: %v", err)
	}
	id := result.Chain.ID

	cancelled, err := env.service.Cancel(ctx, id)
	if err != nil || cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected pending chain to cancel, got %v err=%v", cancelled, err)
	}

	var invalid *domain.InvalidTransitionError
	if _, err := env.service.Cancel(ctx, id); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on second cancel, got %v", err)
	}
	if _, err := env.service.Activate(ctx, id); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError activating a cancelled chain, got %v", err)
	}
	if _, err := env.service.Retry(ctx, id); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError retrying a cancelled chain, got %v", err)
	}
}

func TestEngine_CancelledChainIsNotRelayed(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)
	if _, err := env.service.Cancel(context.Background(), chain.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(105)
	env.tick(t)

	if env.oracle.broadcastCount() != 0 {
		t.Fatal("expected cancelled chain not to be relayed")
	}
}

func TestEngine_StartStop(t *testing.T) {
	env := newTestEnv(t)

	started, err := env.engine.Start()
	if err != nil || !started {
		t.Fatalf("expected engine to start, got %v err=%v", started, err)
	}
	if again, _ := env.engine.Start(); again {
		t.Fatal("expected second Start to be a no-op")
	}
	if !env.engine.Running() {
		t.Fatal("expected engine to report running")
	}

	<-env.engine.Stop().Done()
	if env.engine.Running() {
		t.Fatal("expected engine to report stopped")
	}
	<-env.engine.Stop().Done()
}

func TestEngine_StartRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.EngineSchedule = "not a schedule" })
	if _, err := env.engine.Start(); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
	if env.engine.Running() {
		t.Fatal("expected engine to stay stopped")
	}
}

func TestEngine_StatusRecordsTick(t *testing.T) {
	env := newTestEnv(t)
	env.activeChain(t, 2)
	env.tick(t)

	status := env.engine.Status()
	if status.LastTickAt == nil || status.ActiveChains != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.TipHeights[domain.NetworkTestnet] != 100 {
		t.Fatalf("expected tip 100, got %d", status.TipHeights[domain.NetworkTestnet])
	}
}
