package app

import (
	"context"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/google/uuid"
)

// Activate starts relaying a pending chain.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	chain, err := e.repo.TransitionStatus(ctx, id,
		domain.StatusActive,
		domain.NewEvent(id, domain.EventChainActivated, "chain activated"),
	)
	if err != nil {
		return nil, err
	}
	e.logger.Info("relay chain activated", "chain_id", id)
	return chain, nil
}

// Cancel stops a pending or active chain. It waits for an in-flight evaluation of the
// same chain to settle first.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	chain, err := e.repo.TransitionStatus(ctx, id,
		domain.StatusCancelled,
		domain.NewEvent(id, domain.EventChainCancelled, "chain cancelled by operator"),
	)
	if err != nil {
		return nil, err
	}
	e.logger.Info("relay chain cancelled", "chain_id", id, "current_hop", chain.CurrentHop)
	return chain, nil
}

// Retry evaluates one active chain immediately instead of waiting for the next tick.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	chain, err := e.repo.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if chain.Status != domain.StatusActive {
		return nil, &domain.InvalidTransitionError{ChainID: id, Current: chain.Status, Target: domain.StatusActive}
	}
	if err := e.evaluateLocked(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.GetChain(ctx, id)
}
