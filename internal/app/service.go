/**
 * @description
 * This file contains the operator-facing use cases of the relay-service. The `Service`
 * struct validates requests, generates and seals hop keys, projects fees and timing,
 * and hands lifecycle changes to the `Engine` so they serialize with relay ticks.
 *
 * Key features:
 * - Chain creation with Fibonacci-paced hops, optional generated final address and dry run.
 * - Key export, decrypted on demand and never persisted.
 * - Master password setup, login and logout for the in-memory keyring.
 *
 * @dependencies
 * - github.com/google/uuid: chain identifiers.
 * - internal/estimator, internal/vault: projections and key sealing.
 */

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fibrelay/relay-service/internal/config"
	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/fibrelay/relay-service/internal/estimator"
	"github.com/fibrelay/relay-service/internal/store"
	"github.com/fibrelay/relay-service/internal/vault"
	"github.com/google/uuid"
)

var (
	ErrInvalidPassword = errors.New("invalid master password")
	ErrEngineStopTimed = errors.New("timed out waiting for the relay tick to finish")
)

// RateLimitError is returned when too many login attempts came from one client.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many login attempts; retry in %s", e.RetryAfter)
}

// LoginLimiter throttles login attempts per client.
type LoginLimiter interface {
	Allow(ctx context.Context, subject string) (allowed bool, retryAfter time.Duration, err error)
}

// MasterKeyring is the keyring the service unlocks at login. *vault.Keyring satisfies it.
type MasterKeyring interface {
	KeyVault
	Unlock(password string, salt []byte)
	Lock()
}

// CreateChainRequest describes a new relay chain.
type CreateChainRequest struct {
	Name         string `json:"name"`
	NumHops      int    `json:"num_hops"`
	FinalAddress string `json:"final_address"`
	FeePriority  string `json:"fee_priority"`
	Network      string `json:"network"`
	DryRun       bool   `json:"dry_run"`
}

// ChainEstimate is the fee and timing projection for a chain shape.
type ChainEstimate struct {
	Network     domain.Network           `json:"network"`
	NumHops     int                      `json:"num_hops"`
	Fees        estimator.FeeEstimate    `json:"fees"`
	Timing      estimator.TimingEstimate `json:"timing"`
	RatesSource string                   `json:"rates_source"`
}

// CreateChainResult is what chain creation returns. Nothing is stored for a dry run.
type CreateChainResult struct {
	Chain    domain.Chain  `json:"chain"`
	Hops     []domain.Hop  `json:"hops"`
	Estimate ChainEstimate `json:"estimate"`
	DryRun   bool          `json:"dry_run"`
}

// ExportedKey is one decrypted private key.
type ExportedKey struct {
	HopNumber *int   `json:"hop_number,omitempty"`
	Role      string `json:"role"`
	Address   string `json:"address"`
	WIF       string `json:"wif"`
}

// KeyExport carries every key of a chain for manual recovery.
type KeyExport struct {
	ChainID uuid.UUID      `json:"chain_id"`
	Network domain.Network `json:"network"`
	Keys    []ExportedKey  `json:"keys"`
}

// AuthStatus reports whether a master password exists and the keyring is open.
type AuthStatus struct {
	SetupComplete bool `json:"setup_complete"`
	Unlocked      bool `json:"unlocked"`
}

// AddressBalance is an address balance with its explorer link.
type AddressBalance struct {
	Address         string         `json:"address"`
	Network         domain.Network `json:"network"`
	ConfirmedSats   int64          `json:"confirmed_sats"`
	UnconfirmedSats int64          `json:"unconfirmed_sats"`
	TotalSats       int64          `json:"total_sats"`
	ExplorerURL     string         `json:"explorer_url"`
}

// Service provides the relay use cases.
type Service struct {
	repo    store.Repository
	engine  *Engine
	oracles map[domain.Network]Oracle
	builder TxBuilder
	keyring MasterKeyring
	limiter LoginLimiter
	config  config.Config
	logger  *slog.Logger
}

// NewService creates a new relay service instance. limiter may be nil.
func NewService(
	repo store.Repository,
	engine *Engine,
	oracles map[domain.Network]Oracle,
	builder TxBuilder,
	keyring MasterKeyring,
	limiter LoginLimiter,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		engine:  engine,
		oracles: oracles,
		builder: builder,
		keyring: keyring,
		limiter: limiter,
		config:  cfg,
		logger:  logger.With("component", "relay_service"),
	}
}

// CreateChain generates one key per hop (plus the final key when no final address is
// given), seals them under the master key and stores the chain as pending.
func (s *Service) CreateChain(ctx context.Context, req CreateChainRequest) (*CreateChainResult, error) {
	if err := estimator.ValidateHops(req.NumHops); err != nil {
		return nil, err
	}
	priority, err := domain.ParseFeePriority(req.FeePriority)
	if err != nil {
		return nil, err
	}
	network, err := s.resolveNetwork(ctx, req.Network)
	if err != nil {
		return nil, err
	}
	finalAddress := strings.TrimSpace(req.FinalAddress)
	if finalAddress != "" && !s.builder.ValidateAddress(finalAddress, string(network)) {
		return nil, &domain.ValidationError{Field: "final_address", Reason: fmt.Sprintf("not a valid %s address", network)}
	}
	if !req.DryRun && !s.keyring.Unlocked() {
		return nil, vault.ErrVaultLocked
	}

	id := uuid.New()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "relay-" + id.String()[:8]
	}
	schedule := estimator.FibonacciSchedule(req.NumHops)

	hops := make([]domain.Hop, req.NumHops)
	for i := range hops {
		address, sealed, err := s.newKey(string(network), req.DryRun)
		if err != nil {
			return nil, fmt.Errorf("failed to create key for hop %d: %w", i, err)
		}
		if address == finalAddress {
			return nil, &domain.ValidationError{Field: "final_address", Reason: "must not be a hop address"}
		}
		hops[i] = domain.Hop{
			ChainID:          id,
			HopNumber:        i,
			Address:          address,
			EncryptedPrivkey: sealed,
			DelayBlocks:      schedule[i],
		}
	}

	chain := domain.Chain{
		ID:            id,
		Name:          name,
		Network:       network,
		Status:        domain.StatusPending,
		IntakeAddress: hops[0].Address,
		FinalAddress:  finalAddress,
		TotalHops:     req.NumHops,
		FeePriority:   priority,
	}
	if finalAddress == "" {
		address, sealed, err := s.newKey(string(network), req.DryRun)
		if err != nil {
			return nil, fmt.Errorf("failed to create final key: %w", err)
		}
		chain.FinalAddress = address
		chain.FinalIsGenerated = true
		if sealed != "" {
			chain.FinalPrivkeyEncrypted = &sealed
		}
	}

	estimate := s.estimate(ctx, network, req.NumHops, priority)
	result := &CreateChainResult{Hops: hops, Estimate: estimate, DryRun: req.DryRun}
	if req.DryRun {
		result.Chain = chain
		return result, nil
	}

	if err := s.repo.CreateChain(ctx, &chain, hops); err != nil {
		return nil, fmt.Errorf("failed to store chain: %w", err)
	}
	s.logger.Info("relay chain created", "chain_id", id, "network", network, "hops", req.NumHops, "intake_address", chain.IntakeAddress)
	result.Chain = chain
	return result, nil
}

// newKey generates a keypair; the key is sealed unless this is a dry run.
func (s *Service) newKey(network string, dryRun bool) (address string, sealed string, err error) {
	address, wif, err := s.builder.GenerateKeypair(network)
	if err != nil {
		return "", "", err
	}
	if dryRun {
		return address, "", nil
	}
	sealed, err = s.keyring.Seal(wif)
	if err != nil {
		return "", "", err
	}
	return address, sealed, nil
}

// GetChain returns a chain with its hops and event log.
func (s *Service) GetChain(ctx context.Context, id uuid.UUID) (*domain.ChainDetail, error) {
	chain, err := s.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	hops, err := s.repo.GetHops(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if hops == nil {
		hops = []domain.Hop{}
	}
	if events == nil {
		events = []domain.Event{}
	}
	return &domain.ChainDetail{Chain: *chain, Hops: hops, Events: events}, nil
}

func (s *Service) ListChains(ctx context.Context, filter domain.ChainFilter) ([]domain.Chain, error) {
	chains, err := s.repo.ListChains(ctx, filter)
	if err != nil {
		return nil, err
	}
	if chains == nil {
		chains = []domain.Chain{}
	}
	return chains, nil
}

func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	return s.engine.Activate(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	return s.engine.Cancel(ctx, id)
}

func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	return s.engine.Retry(ctx, id)
}

func (s *Service) SyncStatus(ctx context.Context, id uuid.UUID) (*SyncResult, error) {
	return s.engine.SyncStatus(ctx, id)
}

// ExportKeys decrypts every key of a chain. It works in any status, terminal included.
func (s *Service) ExportKeys(ctx context.Context, id uuid.UUID) (*KeyExport, error) {
	chain, err := s.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	hops, err := s.repo.GetHops(ctx, id)
	if err != nil {
		return nil, err
	}

	export := &KeyExport{ChainID: id, Network: chain.Network}
	for _, h := range hops {
		wif, err := s.openKeyFor(chain.Network, h.EncryptedPrivkey, h.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to open key for hop %d: %w", h.HopNumber, err)
		}
		role := "hop"
		if h.HopNumber == 0 {
			role = "intake"
		}
		hopNumber := h.HopNumber
		export.Keys = append(export.Keys, ExportedKey{HopNumber: &hopNumber, Role: role, Address: h.Address, WIF: wif})
	}
	if chain.FinalPrivkeyEncrypted != nil {
		wif, err := s.openKeyFor(chain.Network, *chain.FinalPrivkeyEncrypted, chain.FinalAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to open final key: %w", err)
		}
		export.Keys = append(export.Keys, ExportedKey{Role: "final", Address: chain.FinalAddress, WIF: wif})
	}
	s.logger.Warn("private keys exported", "chain_id", id, "keys", len(export.Keys))
	return export, nil
}

// openKeyFor decrypts a stored key and checks that it still controls address.
func (s *Service) openKeyFor(network domain.Network, ciphertext, address string) (string, error) {
	wif, err := s.keyring.Open(ciphertext)
	if err != nil {
		return "", err
	}
	derived, err := s.builder.AddressFromWIF(wif, string(network))
	if err != nil || derived != address {
		return "", fmt.Errorf("key does not control %s: %w", address, vault.ErrAuthentication)
	}
	return wif, nil
}

// EstimateFees projects fees and timing for a chain shape without creating anything.
func (s *Service) EstimateFees(ctx context.Context, rawNetwork string, numHops int, rawPriority string) (*ChainEstimate, error) {
	if err := estimator.ValidateHops(numHops); err != nil {
		return nil, err
	}
	priority, err := domain.ParseFeePriority(rawPriority)
	if err != nil {
		return nil, err
	}
	network, err := s.resolveNetwork(ctx, rawNetwork)
	if err != nil {
		return nil, err
	}
	estimate := s.estimate(ctx, network, numHops, priority)
	return &estimate, nil
}

// FeeRates returns the current rate tiers and whether they came from the live feed.
func (s *Service) FeeRates(ctx context.Context, rawNetwork string) (domain.FeeRates, string, error) {
	network, err := s.resolveNetwork(ctx, rawNetwork)
	if err != nil {
		return domain.FeeRates{}, "", err
	}
	rates, source := s.feeRates(ctx, network)
	return rates, source, nil
}

func (s *Service) estimate(ctx context.Context, network domain.Network, numHops int, priority domain.FeePriority) ChainEstimate {
	rates, source := s.feeRates(ctx, network)
	return ChainEstimate{
		Network:     network,
		NumHops:     numHops,
		Fees:        estimator.EstimateFee(numHops, priority, rates),
		Timing:      estimator.EstimateTiming(estimator.FibonacciSchedule(numHops), estimator.AvgBlockMinutes),
		RatesSource: source,
	}
}

func (s *Service) feeRates(ctx context.Context, network domain.Network) (domain.FeeRates, string) {
	if oracle, ok := s.oracles[network]; ok && oracle != nil {
		cctx, cancel := context.WithTimeout(ctx, s.config.OracleTimeout())
		defer cancel()
		rates, err := oracle.GetFeeRates(cctx)
		if err == nil {
			return toDomainRates(rates), "live"
		}
		s.logger.Warn("fee feed unavailable; using defaults", "network", network, "error", err)
	}
	return estimator.DefaultFeeRates(network), "default"
}

// Setup stores the master password hash and the key-derivation salt. It can run once.
func (s *Service) Setup(ctx context.Context, password string) error {
	if password == "" {
		return &domain.ValidationError{Field: "password", Reason: "must not be empty"}
	}
	if _, err := s.repo.GetSetting(ctx, store.SettingMasterPasswordHash); err == nil {
		return domain.ErrAlreadySetup
	} else if !errors.Is(err, store.ErrSettingNotFound) {
		return err
	}

	salt, err := vault.NewSalt()
	if err != nil {
		return err
	}
	if _, err := s.repo.SetSettingIfAbsent(ctx, store.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return fmt.Errorf("failed to store encryption salt: %w", err)
	}
	salt, err = s.loadSalt(ctx)
	if err != nil {
		return err
	}

	hash, err := vault.HashPassword(password)
	if err != nil {
		return err
	}
	stored, err := s.repo.SetSettingIfAbsent(ctx, store.SettingMasterPasswordHash, hash)
	if err != nil {
		return fmt.Errorf("failed to store password hash: %w", err)
	}
	if !stored {
		return domain.ErrAlreadySetup
	}

	s.keyring.Unlock(password, salt)
	s.logger.Info("master password configured")
	return nil
}

// Login verifies the master password and unlocks the keyring.
func (s *Service) Login(ctx context.Context, password, client string) error {
	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, client)
		if err != nil {
			s.logger.Warn("login rate limiter unavailable", "error", err)
		} else if !allowed {
			return &RateLimitError{RetryAfter: retryAfter}
		}
	}

	hash, err := s.repo.GetSetting(ctx, store.SettingMasterPasswordHash)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) {
			return domain.ErrVaultNotSetup
		}
		return err
	}
	if !vault.VerifyPassword(password, hash) {
		s.logger.Warn("login rejected", "client", client)
		return ErrInvalidPassword
	}
	salt, err := s.loadSalt(ctx)
	if err != nil {
		return err
	}
	s.keyring.Unlock(password, salt)
	s.logger.Info("keyring unlocked", "client", client)
	return nil
}

// Logout wipes the master key. The engine keeps tracking arrivals but cannot sign.
func (s *Service) Logout() {
	s.keyring.Lock()
	s.logger.Info("keyring locked")
}

func (s *Service) AuthStatus(ctx context.Context) (AuthStatus, error) {
	_, err := s.repo.GetSetting(ctx, store.SettingMasterPasswordHash)
	if err != nil && !errors.Is(err, store.ErrSettingNotFound) {
		return AuthStatus{}, err
	}
	return AuthStatus{SetupComplete: err == nil, Unlocked: s.keyring.Unlocked()}, nil
}

func (s *Service) loadSalt(ctx context.Context) ([]byte, error) {
	encoded, err := s.repo.GetSetting(ctx, store.SettingEncryptionSalt)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) {
			return nil, domain.ErrVaultNotSetup
		}
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("stored encryption salt is corrupt: %w", err)
	}
	return salt, nil
}

// ValidateAddress reports whether address belongs to the network.
func (s *Service) ValidateAddress(ctx context.Context, rawNetwork, address string) (domain.Network, bool, error) {
	network, err := s.resolveNetwork(ctx, rawNetwork)
	if err != nil {
		return "", false, err
	}
	return network, s.builder.ValidateAddress(strings.TrimSpace(address), string(network)), nil
}

// GetAddressBalance queries the oracle for any valid address.
func (s *Service) GetAddressBalance(ctx context.Context, rawNetwork, address string) (*AddressBalance, error) {
	network, valid, err := s.ValidateAddress(ctx, rawNetwork, address)
	if err != nil {
		return nil, err
	}
	address = strings.TrimSpace(address)
	if !valid {
		return nil, &domain.ValidationError{Field: "address", Reason: fmt.Sprintf("not a valid %s address", network)}
	}
	oracle, ok := s.oracles[network]
	if !ok || oracle == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOracle, network)
	}
	netCfg, err := s.config.Network(network)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.config.OracleTimeout())
	defer cancel()
	balance, err := oracle.GetBalance(cctx, address)
	if err != nil {
		return nil, err
	}
	return &AddressBalance{
		Address:         address,
		Network:         network,
		ConfirmedSats:   balance.ConfirmedSats,
		UnconfirmedSats: balance.UnconfirmedSats,
		TotalSats:       balance.Total(),
		ExplorerURL:     netCfg.AddressURL(address),
	}, nil
}

// ActiveNetwork is the stored network selection, or the configured default.
func (s *Service) ActiveNetwork(ctx context.Context) (domain.Network, error) {
	value, err := s.repo.GetSetting(ctx, store.SettingActiveNetwork)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) {
			return domain.Network(s.config.ActiveNetwork), nil
		}
		return "", err
	}
	return domain.ParseNetwork(value)
}

func (s *Service) SetActiveNetwork(ctx context.Context, raw string) (domain.Network, error) {
	network, err := domain.ParseNetwork(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return "", err
	}
	if err := s.repo.SetSetting(ctx, store.SettingActiveNetwork, string(network)); err != nil {
		return "", err
	}
	s.logger.Info("active network changed", "network", network)
	return network, nil
}

func (s *Service) resolveNetwork(ctx context.Context, raw string) (domain.Network, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return s.ActiveNetwork(ctx)
	}
	return domain.ParseNetwork(raw)
}

func (s *Service) EngineStatus() EngineStatus {
	return s.engine.Status()
}

func (s *Service) StartEngine() (bool, error) {
	return s.engine.Start()
}

// StopEngine stops scheduling and waits for an in-flight tick, bounded by ctx.
func (s *Service) StopEngine(ctx context.Context) error {
	done := s.engine.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ErrEngineStopTimed
	}
}
