/**
 * @description
 * The relay engine: a cron-driven lifecycle object that evaluates every active chain
 * once per tick. Each chain is evaluated under its own lock so that a tick, a manual
 * retry, a sync, an activation and a cancellation never interleave on the same chain.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: tick scheduling with overlap protection.
 * - golang.org/x/sync/errgroup: bounded concurrent evaluation of independent chains.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrNoOracle means no oracle is configured for a chain's network.
var ErrNoOracle = errors.New("no oracle configured for network")

// EngineStatus is a point-in-time view of the engine.
type EngineStatus struct {
	Running      bool                     `json:"running"`
	Schedule     string                   `json:"schedule"`
	LastTickAt   *time.Time               `json:"last_tick_at,omitempty"`
	LastTickErr  string                   `json:"last_tick_error,omitempty"`
	TipHeights   map[domain.Network]int64 `json:"tip_heights"`
	ActiveChains int                      `json:"active_chains"`
}

// Engine drives relay chains forward.
type Engine struct {
	repo    store.Repository
	oracles map[domain.Network]Oracle
	builder TxBuilder
	keys    KeyVault
	config  config.Config
	logger  *slog.Logger
	locks   *chainLocks
	now     func() time.Time

	mu           sync.Mutex
	cron         *cron.Cron
	lastTickAt   *time.Time
	lastTickErr  error
	tipHeights   map[domain.Network]int64
	activeChains int
}

// NewEngine creates a stopped engine.
func NewEngine(
	repo store.Repository,
	oracles map[domain.Network]Oracle,
	builder TxBuilder,
	keys KeyVault,
	cfg config.Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:       repo,
		oracles:    oracles,
		builder:    builder,
		keys:       keys,
		config:     cfg,
		logger:     logger.With("component", "relay_engine"),
		locks:      newChainLocks(),
		now:        time.Now,
		tipHeights: map[domain.Network]int64{},
	}
}

// Start schedules the tick. It reports false when the engine was already running.
func (e *Engine) Start() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return false, nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(e.logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(e.config.EngineSchedule, e.tick); err != nil {
		return false, fmt.Errorf("failed to schedule relay tick: %w", err)
	}
	c.Start()
	e.cron = c
	e.logger.Info("relay engine started", "schedule", e.config.EngineSchedule)
	return true, nil
}

// Stop halts scheduling. The returned context is done once an in-flight tick finishes.
func (e *Engine) Stop() context.Context {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	if c == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	e.logger.Info("relay engine stopping")
	return c.Stop()
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cron != nil
}

// Status reports the engine state and the most recent tick.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	tips := make(map[domain.Network]int64, len(e.tipHeights))
	for k, v := range e.tipHeights {
		tips[k] = v
	}
	status := EngineStatus{
		Running:      e.cron != nil,
		Schedule:     e.config.EngineSchedule,
		LastTickAt:   e.lastTickAt,
		TipHeights:   tips,
		ActiveChains: e.activeChains,
	}
	if e.lastTickErr != nil {
		status.LastTickErr = e.lastTickErr.Error()
	}
	return status
}

func (e *Engine) tick() {
	if err := e.RunOnce(context.Background()); err != nil {
		e.logger.Error("relay tick failed", "error", err)
	}
}

// RunOnce evaluates every active chain once. A failure on one chain is logged and does
// not stop the others.
func (e *Engine) RunOnce(ctx context.Context) error {
	chains, err := e.repo.ListChains(ctx, domain.ChainFilter{Status: domain.StatusActive})
	e.recordTick(len(chains), err)
	if err != nil {
		return fmt.Errorf("failed to list active chains: %w", err)
	}
	if len(chains) == 0 {
		return nil
	}

	workers := e.config.EngineWorkers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, chain := range chains {
		id := chain.ID
		g.Go(func() error {
			if err := e.EvaluateChain(gctx, id); err != nil {
				e.logger.Warn("chain evaluation failed", "chain_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) recordTick(active int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.lastTickAt = &now
	e.lastTickErr = err
	e.activeChains = active
}

func (e *Engine) recordTip(network domain.Network, tip int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tipHeights[network] = tip
}

// EvaluateChain runs one relay step for a single chain under its lock.
func (e *Engine) EvaluateChain(ctx context.Context, id uuid.UUID) error {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.evaluateLocked(ctx, id)
}

func (e *Engine) oracleFor(network domain.Network) (Oracle, config.NetworkConfig, error) {
	netCfg, err := e.config.Network(network)
	if err != nil {
		return nil, config.NetworkConfig{}, err
	}
	oracle, ok := e.oracles[network]
	if !ok || oracle == nil {
		return nil, config.NetworkConfig{}, fmt.Errorf("%w: %s", ErrNoOracle, network)
	}
	return oracle, netCfg, nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.OracleTimeout())
}

// chainLocks is a keyed mutex; entries are dropped once nobody holds or waits on them.
type chainLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*chainLock
}

type chainLock struct {
	mu   sync.Mutex
	refs int
}

func newChainLocks() *chainLocks {
	return &chainLocks{locks: map[uuid.UUID]*chainLock{}}
}

func (l *chainLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &chainLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
