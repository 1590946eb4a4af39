package app

import (
	"context"
	"errors"
	"testing"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/pkg/esplora"
)

func TestSyncStatus_CorrectsStaleHopFromHistory(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 3)

	funding := esplora.Tx{
		TxID: "funding", Confirmed: true, BlockHeight: 100,
		Outputs: []esplora.TxOutput{{Address: hops[0].Address, Value: 100000}},
	}
	spend := esplora.Tx{
		TxID: "spend0", Confirmed: true, BlockHeight: 101, FeeSats: 1100,
		Inputs:  []esplora.TxInput{{TxID: "funding", Address: hops[0].Address, Value: 100000}},
		Outputs: []esplora.TxOutput{{Address: hops[1].Address, Value: 98900}},
	}
	env.oracle.txs[hops[0].Address] = []esplora.Tx{spend, funding}
	env.oracle.txs[hops[1].Address] = []esplora.Tx{spend}
	env.oracle.setTip(103)

	result, err := env.service.SyncStatus(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("SyncStatus returned error: %v", err)
	}
	if !result.Changed || result.PreviousHop != 0 || result.CurrentHop != 1 {
		t.Fatalf("unexpected sync result %+v", result)
	}

	chain, hops = env.reload(t, chain.ID)
	if chain.CurrentHop != 1 {
		t.Fatalf("expected current_hop 1, got %d", chain.CurrentHop)
	}
	if !hops[0].Forwarded || hops[0].OutgoingTxID == nil || *hops[0].OutgoingTxID != "spend0" || hops[0].OutgoingAmountSats != 98900 {
		t.Fatalf("unexpected synced hop 0 %+v", hops[0])
	}
	if hops[0].ArrivalHeight == nil || *hops[0].ArrivalHeight != 100 {
		t.Fatalf("expected hop 0 arrival 100, got %v", hops[0].ArrivalHeight)
	}
	if hops[1].Forwarded {
		t.Fatal("expected hop 1 not to be marked forwarded without a spend")
	}
	if hops[1].ArrivalHeight == nil || *hops[1].ArrivalHeight != 101 || hops[1].IncomingAmountSats != 98900 {
		t.Fatalf("expected hop 1 arrival from history, got %+v", hops[1])
	}
	if env.countEvents(t, chain.ID, domain.EventChainSynced) != 1 {
		t.Fatal("expected a chain_synced event")
	}

	again, err := env.service.SyncStatus(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("second SyncStatus returned error: %v", err)
	}
	if again.Changed {
		t.Fatal("expected second sync to change nothing")
	}
	if env.countEvents(t, chain.ID, domain.EventChainSynced) != 1 {
		t.Fatal("expected no second chain_synced event")
	}
}

func TestSyncStatus_StopsAtFirstGap(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 3)

	// hop 1 shows a spend but hop 0 does not: progress must not skip the gap.
	env.oracle.txs[hops[1].Address] = []esplora.Tx{{
		TxID:    "orphan",
		Inputs:  []esplora.TxInput{{Address: hops[1].Address, Value: 5000}},
		Outputs: []esplora.TxOutput{{Address: hops[2].Address, Value: 4000}},
	}}

	result, err := env.service.SyncStatus(context.Background(), chain.ID)
	if err != nil {
		t.Fatalf("SyncStatus returned error: %v", err)
	}
	if result.CurrentHop != 0 {
		t.Fatalf("expected current_hop 0, got %d", result.CurrentHop)
	}
	_, hops = env.reload(t, chain.ID)
	for _, h := range hops {
		if h.Forwarded {
			t.Fatalf("expected no forwarded hops, got %+v", h)
		}
	}
}

func TestSyncStatus_DemotesUnprovenForwardToPendingIntent(t *testing.T) {
	env := newTestEnv(t)
	chain, hops := env.activeChain(t, 2)

	env.oracle.fund(hops[0].Address, confirmedUTXO("funding", 100000, 100))
	env.oracle.setTip(101)
	env.tick(t)

	chain, hops = env.reload(t, chain.ID)
	if chain.CurrentHop != 1 {
		t.Fatalf("expected forward before sync, got current_hop %d", chain.CurrentHop)
	}
	txid := *hops[0].OutgoingTxID

	// The oracle lost the broadcast: no spend in history, txid unknown.
	delete(env.oracle.confirmations, txid)
	env.oracle.txs[hops[0].Address] = []esplora.Tx{{
		TxID: "funding", Confirmed: true, BlockHeight: 100,
		Outputs: []esplora.TxOutput{{Address: hops[0].Address, Value: 100000}},
	}}

	if _, err := env.service.SyncStatus(context.Background(), chain.ID); err != nil {
		t.Fatalf("SyncStatus returned error: %v", err)
	}
	chain, hops = env.reload(t, chain.ID)
	if chain.CurrentHop != 0 || hops[0].Forwarded {
		t.Fatalf("expected hop 0 to be demoted, got current_hop %d %+v", chain.CurrentHop, hops[0])
	}
	if hops[0].PendingTxID == nil || *hops[0].PendingTxID != txid {
		t.Fatalf("expected pending intent %s, got %v", txid, hops[0].PendingTxID)
	}

	env.tick(t)

	chain, _ = env.reload(t, chain.ID)
	if chain.CurrentHop != 1 {
		t.Fatalf("expected rebroadcast to advance the hop, got %d", chain.CurrentHop)
	}
	if env.builder.signCount() != 1 {
		t.Fatalf("expected the original transaction to be reused, got %d signatures", env.builder.signCount())
	}
	last := env.oracle.broadcasts[len(env.oracle.broadcasts)-1]
	if last != "raw-"+txid {
		t.Fatalf("expected rebroadcast of %s, got %s", txid, last)
	}
}

func TestSyncStatus_RejectsTerminalChain(t *testing.T) {
	env := newTestEnv(t)
	chain, _ := env.activeChain(t, 2)
	if _, err := env.service.Cancel(context.Background(), chain.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	_, err := env.service.SyncStatus(context.Background(), chain.ID)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
