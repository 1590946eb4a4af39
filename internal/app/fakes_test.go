package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/fibrelay/relay-service/internal/vault"
	"github.com/fibrelay/relay-service/pkg/btcbuilder"
	"github.com/fibrelay/relay-service/pkg/esplora"
	"github.com/google/uuid"
)

type fakeOracle struct {
	mu            sync.Mutex
	tip           int64
	utxos         map[string][]esplora.UTXO
	txs           map[string][]esplora.Tx
	confirmations map[string]int64
	broadcastErrs []error
	broadcasts    []string
	rates         esplora.FeeRates
	feeErr        error
}

func newFakeOracle(tip int64) *fakeOracle {
	return &fakeOracle{
		tip:           tip,
		utxos:         map[string][]esplora.UTXO{},
		txs:           map[string][]esplora.Tx{},
		confirmations: map[string]int64{},
		rates:         esplora.FeeRates{High: 20, Medium: 10, Low: 5, Economy: 2},
	}
}

func (o *fakeOracle) setTip(tip int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tip = tip
}

func (o *fakeOracle) fund(address string, utxo esplora.UTXO) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.utxos[address] = append(o.utxos[address], utxo)
}

func (o *fakeOracle) GetTipHeight(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tip, nil
}

func (o *fakeOracle) GetBalance(ctx context.Context, address string) (esplora.Balance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var b esplora.Balance
	for _, u := range o.utxos[address] {
		if u.Confirmed {
			b.ConfirmedSats += u.Value
		} else {
			b.UnconfirmedSats += u.Value
		}
	}
	return b, nil
}

func (o *fakeOracle) GetUTXOs(ctx context.Context, address string) ([]esplora.UTXO, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]esplora.UTXO(nil), o.utxos[address]...), nil
}

func (o *fakeOracle) GetAddressTxs(ctx context.Context, address string) ([]esplora.Tx, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]esplora.Tx(nil), o.txs[address]...), nil
}

func (o *fakeOracle) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.confirmations[txid]
	if !ok {
		return 0, esplora.ErrTxNotFound
	}
	return c, nil
}

func (o *fakeOracle) Broadcast(ctx context.Context, rawHex string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcasts = append(o.broadcasts, rawHex)
	if len(o.broadcastErrs) > 0 {
		err := o.broadcastErrs[0]
		o.broadcastErrs = o.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	txid := strings.TrimPrefix(rawHex, "raw-")
	o.confirmations[txid] = 0
	return txid, nil
}

func (o *fakeOracle) GetFeeRates(ctx context.Context) (esplora.FeeRates, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.feeErr != nil {
		return esplora.FeeRates{}, o.feeErr
	}
	return o.rates, nil
}

func (o *fakeOracle) broadcastCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.broadcasts)
}

// fakeBuilder signs nothing: txids are derived from the destination and input total.
type fakeBuilder struct {
	mu    sync.Mutex
	next  int
	signs int
}

func (b *fakeBuilder) GenerateKeypair(network string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return fmt.Sprintf("tb1qaddr%03d", b.next), fmt.Sprintf("wif-%03d", b.next), nil
}

func (b *fakeBuilder) AddressFromWIF(wif string, network string) (string, error) {
	n, ok := strings.CutPrefix(wif, "wif-")
	if !ok {
		return "", errors.New("unexpected key")
	}
	return "tb1qaddr" + n, nil
}

func (b *fakeBuilder) ValidateAddress(address string, network string) bool {
	return strings.HasPrefix(address, "tb1q") && network == string(domain.NetworkTestnet)
}

func (b *fakeBuilder) BuildAndSign(req btcbuilder.BuildRequest) (*btcbuilder.SignedTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !strings.HasPrefix(req.WIF, "wif-") {
		return nil, errors.New("unexpected key")
	}
	var balance int64
	for _, u := range req.UTXOs {
		balance += u.Value
	}
	fee := int64(math.Ceil(req.FeeRate * float64(btcbuilder.EstimateVSize(len(req.UTXOs), 1))))
	if balance-fee < req.DustThresholdSats {
		return nil, &btcbuilder.InsufficientFundsError{BalanceSats: balance, FeeSats: fee}
	}
	b.signs++
	txid := fmt.Sprintf("tx-%s-%d", req.Destination, balance)
	return &btcbuilder.SignedTx{TxID: txid, RawHex: "raw-" + txid, AmountSats: balance - fee, FeeSats: fee, VSize: 110}, nil
}

func (b *fakeBuilder) signCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signs
}

// fakeKeys seals by prefixing, so tests can read keys back without real crypto.
type fakeKeys struct {
	mu     sync.Mutex
	locked bool
}

func (k *fakeKeys) Seal(plaintext string) (string, error) {
	if !k.Unlocked() {
		return "", vault.ErrVaultLocked
	}
	return "sealed:" + plaintext, nil
}

func (k *fakeKeys) Open(ciphertext string) (string, error) {
	if !k.Unlocked() {
		return "", vault.ErrVaultLocked
	}
	if !strings.HasPrefix(ciphertext, "sealed:") {
		return "", vault.ErrAuthentication
	}
	return strings.TrimPrefix(ciphertext, "sealed:"), nil
}

func (k *fakeKeys) Unlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.locked
}

func (k *fakeKeys) Unlock(password string, salt []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.locked = false
}

func (k *fakeKeys) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.locked = true
}

type testEnv struct {
	repo    *store.MemoryRepository
	oracle  *fakeOracle
	builder *fakeBuilder
	keys    *fakeKeys
	engine  *Engine
	service *Service
	config  config.Config
}

func testConfig() config.Config {
	return config.Config{
		ActiveNetwork:        string(domain.NetworkTestnet),
		EngineSchedule:       "@every 1h",
		EngineWorkers:        2,
		MaxRelayAttempts:     5,
		MaxRelayAmountSats:   domain.MaxRelayAmountSats,
		OracleTimeoutSeconds: 5,
		Networks: map[domain.Network]config.NetworkConfig{
			domain.NetworkTestnet: {
				Name:              domain.NetworkTestnet,
				ExplorerBase:      "https://blockstream.info/testnet",
				MinConfirmations:  1,
				DustThresholdSats: 546,
			},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	env := &testEnv{
		repo:    store.NewMemoryRepository("relay.events"),
		oracle:  newFakeOracle(100),
		builder: &fakeBuilder{},
		keys:    &fakeKeys{},
		config:  cfg,
	}
	oracles := map[domain.Network]Oracle{domain.NetworkTestnet: env.oracle}
	env.engine = NewEngine(env.repo, oracles, env.builder, env.keys, cfg, discardLogger())
	env.service = NewService(env.repo, env.engine, oracles, env.builder, env.keys, nil, cfg, discardLogger())
	return env
}

// activeChain creates and activates a chain with a caller-supplied final address.
func (env *testEnv) activeChain(t *testing.T, numHops int) (*domain.Chain, []domain.Hop) {
	t.Helper()
	ctx := context.Background()
	result, err := env.service.CreateChain(ctx, CreateChainRequest{NumHops: numHops, FinalAddress: "tb1qfinal", FeePriority: "medium"})
	if err != nil {
		t.Fatalf("CreateChain returned error: %v", err)
	}
	if _, err := env.service.Activate(ctx, result.Chain.ID); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	return env.reload(t, result.Chain.ID)
}

func (env *testEnv) reload(t *testing.T, id uuid.UUID) (*domain.Chain, []domain.Hop) {
	t.Helper()
	chain, err := env.repo.GetChain(context.Background(), id)
	if err != nil {
		t.Fatalf("GetChain returned error: %v", err)
	}
	hops, err := env.repo.GetHops(context.Background(), id)
	if err != nil {
		t.Fatalf("GetHops returned error: %v", err)
	}
	return chain, hops
}

func (env *testEnv) tick(t *testing.T) {
	t.Helper()
	if err := env.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
}

func (env *testEnv) countEvents(t *testing.T, id uuid.UUID, eventType domain.EventType) int {
	t.Helper()
	events, err := env.repo.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (env *testEnv) eventTotal(t *testing.T, id uuid.UUID) int {
	t.Helper()
	events, _ := env.repo.ListEvents(context.Background(), id)
	return len(events)
}

func transientErr() error {
	return &esplora.Error{Op: "broadcast", Kind: esplora.Transient, StatusCode: 503, Message: "service unavailable"}
}

func permanentErr() error {
	return &esplora.Error{Op: "broadcast", Kind: esplora.Permanent, StatusCode: 400, Message: "bad-txns-inputs-missingorspent"}
}
