/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Each mutating operation runs in one transaction that locks the chain row with
 * `SELECT ... FOR UPDATE`, applies its guard, writes the change, and appends the
 * event plus its outbox row before committing.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fibrelay/relay-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const chainColumns = `
	id, name, network, status, intake_address, final_address, final_is_generated,
	final_privkey_encrypted, total_hops, current_hop, amount_received_sats, amount_sent_sats,
	total_fees_sats, fee_priority, error_message, created_at, started_at, completed_at, updated_at`

const hopColumns = `
	chain_id, hop_number, address, encrypted_privkey, delay_blocks, arrival_height,
	incoming_amount_sats, forwarded, outgoing_txid, outgoing_raw_tx, outgoing_amount_sats,
	outgoing_fee_sats, forwarded_at_height, pending_txid, pending_raw_tx, pending_amount_sats,
	pending_fee_sats, relay_attempts`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Events are
// enqueued for publishing on the given exchange.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: exchange}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (*domain.Chain, error) {
	var (
		c                         domain.Chain
		network, status, priority string
	)
	err := row.Scan(
		&c.ID, &c.Name, &network, &status, &c.IntakeAddress, &c.FinalAddress, &c.FinalIsGenerated,
		&c.FinalPrivkeyEncrypted, &c.TotalHops, &c.CurrentHop, &c.AmountReceivedSats, &c.AmountSentSats,
		&c.TotalFeesSats, &priority, &c.ErrorMessage, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Network = domain.Network(network)
	c.Status = domain.ChainStatus(status)
	c.FeePriority = domain.FeePriority(priority)
	return &c, nil
}

func scanHop(row rowScanner) (domain.Hop, error) {
	var h domain.Hop
	err := row.Scan(
		&h.ChainID, &h.HopNumber, &h.Address, &h.EncryptedPrivkey, &h.DelayBlocks, &h.ArrivalHeight,
		&h.IncomingAmountSats, &h.Forwarded, &h.OutgoingTxID, &h.OutgoingRawTx, &h.OutgoingAmountSats,
		&h.OutgoingFeeSats, &h.ForwardedAtHeight, &h.PendingTxID, &h.PendingRawTx, &h.PendingAmountSats,
		&h.PendingFeeSats, &h.RelayAttempts,
	)
	return h, err
}

// CreateChain inserts the chain, its hops and the chain_created event atomically.
func (r *PostgresRepository) CreateChain(ctx context.Context, chain *domain.Chain, hops []domain.Hop) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO relay_chains (
			id, name, network, status, intake_address, final_address, final_is_generated,
			final_privkey_encrypted, total_hops, fee_priority
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`,
		chain.ID, chain.Name, string(chain.Network), string(chain.Status), chain.IntakeAddress,
		chain.FinalAddress, chain.FinalIsGenerated, chain.FinalPrivkeyEncrypted, chain.TotalHops,
		string(chain.FeePriority),
	).Scan(&chain.CreatedAt, &chain.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chain: %w", err)
	}

	for _, h := range hops {
		_, err := tx.Exec(ctx, `
			INSERT INTO relay_hops (chain_id, hop_number, address, encrypted_privkey, delay_blocks)
			VALUES ($1, $2, $3, $4, $5)
		`, chain.ID, h.HopNumber, h.Address, h.EncryptedPrivkey, h.DelayBlocks)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				log.Printf("level=error component=store msg=\"hop address reuse rejected\" chain_id=%s hop=%d constraint=%s", chain.ID, h.HopNumber, pgErr.ConstraintName)
			}
			return fmt.Errorf("failed to insert hop %d: %w", h.HopNumber, err)
		}
	}

	event := domain.NewEvent(chain.ID, domain.EventChainCreated, fmt.Sprintf("chain created with %d hops", chain.TotalHops))
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetChain retrieves a chain by id.
func (r *PostgresRepository) GetChain(ctx context.Context, id uuid.UUID) (*domain.Chain, error) {
	chain, err := scanChain(r.db.QueryRow(ctx, `SELECT `+chainColumns+` FROM relay_chains WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChainNotFound
		}
		return nil, err
	}
	return chain, nil
}

// GetHops returns a chain's hops ordered by hop number.
func (r *PostgresRepository) GetHops(ctx context.Context, id uuid.UUID) ([]domain.Hop, error) {
	return queryHops(ctx, r.db, id, false)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryHops(ctx context.Context, q querier, id uuid.UUID, lock bool) ([]domain.Hop, error) {
	query := `SELECT ` + hopColumns + ` FROM relay_hops WHERE chain_id = $1 ORDER BY hop_number`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hops []domain.Hop
	for rows.Next() {
		h, err := scanHop(rows)
		if err != nil {
			return nil, err
		}
		hops = append(hops, h)
	}
	return hops, rows.Err()
}

// ListChains returns chains newest first, optionally filtered by network and status.
func (r *PostgresRepository) ListChains(ctx context.Context, filter domain.ChainFilter) ([]domain.Chain, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Network != "" {
		args = append(args, string(filter.Network))
		conditions = append(conditions, fmt.Sprintf("network = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + chainColumns + ` FROM relay_chains`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []domain.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *c)
	}
	return chains, rows.Err()
}

// ListEvents returns a chain's event log in append order.
func (r *PostgresRepository) ListEvents(ctx context.Context, id uuid.UUID) ([]domain.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, chain_id, hop_number, event_type, txid, amount_sats, fee_sats, block_height, detail, created_at
		FROM relay_events
		WHERE chain_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e         domain.Event
			eventType string
		)
		if err := rows.Scan(&e.ID, &e.ChainID, &e.HopNumber, &eventType, &e.TxID, &e.AmountSats, &e.FeeSats, &e.BlockHeight, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvent records an event that carries no state change.
func (r *PostgresRepository) AppendEvent(ctx context.Context, event domain.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransitionStatus moves a chain to a new status if the state machine allows it.
func (r *PostgresRepository) TransitionStatus(ctx context.Context, id uuid.UUID, to domain.ChainStatus, event domain.Event) (*domain.Chain, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	chain, err := lockChain(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(id, chain.Status, to); err != nil {
		return nil, err
	}

	chain, err = scanChain(tx.QueryRow(ctx, `
		UPDATE relay_chains
		SET status = $2,
			started_at = CASE WHEN $2 = 'active' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'cancelled', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+chainColumns, id, string(to)))
	if err != nil {
		return nil, fmt.Errorf("failed to update chain status: %w", err)
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return chain, nil
}

// CompleteChain finalizes totals and marks an active chain completed.
func (r *PostgresRepository) CompleteChain(ctx context.Context, id uuid.UUID, event domain.Event) (*domain.Chain, error) {
	return r.finalize(ctx, id, domain.StatusCompleted, nil, event)
}

// FailChain finalizes totals and marks a chain failed with the given reason.
func (r *PostgresRepository) FailChain(ctx context.Context, id uuid.UUID, reason string, events ...domain.Event) (*domain.Chain, error) {
	return r.finalize(ctx, id, domain.StatusFailed, &reason, events...)
}

func (r *PostgresRepository) finalize(ctx context.Context, id uuid.UUID, to domain.ChainStatus, reason *string, events ...domain.Event) (*domain.Chain, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	chain, err := lockChain(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(id, chain.Status, to); err != nil {
		return nil, err
	}
	hops, err := queryHops(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	sent, fees := finalTotals(hops)

	chain, err = scanChain(tx.QueryRow(ctx, `
		UPDATE relay_chains
		SET status = $2,
			amount_sent_sats = $3,
			total_fees_sats = $4,
			error_message = COALESCE($5, error_message),
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+chainColumns, id, string(to), sent, fees, reason))
	if err != nil {
		return nil, fmt.Errorf("failed to finalize chain: %w", err)
	}
	for _, event := range events {
		if err := r.insertEventTx(ctx, tx, event); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return chain, nil
}

// RecordArrival stores the first sighting of funds at a hop. It reports false when the
// arrival was already recorded.
func (r *PostgresRepository) RecordArrival(ctx context.Context, id uuid.UUID, hopNumber int, height, amount int64, event domain.Event) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockChain(ctx, tx, id); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE relay_hops
		SET arrival_height = $3, incoming_amount_sats = $4
		WHERE chain_id = $1 AND hop_number = $2 AND arrival_height IS NULL
	`, id, hopNumber, height, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if hopNumber == 0 {
		if _, err := tx.Exec(ctx, `UPDATE relay_chains SET amount_received_sats = $2, updated_at = NOW() WHERE id = $1`, id, amount); err != nil {
			return false, err
		}
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// RecordRelayIntent persists the signed transaction before it is broadcast.
func (r *PostgresRepository) RecordRelayIntent(ctx context.Context, id uuid.UUID, hopNumber int, relay PendingRelay, event domain.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := lockChain(ctx, tx, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE relay_hops
		SET pending_txid = $3, pending_raw_tx = $4, pending_amount_sats = $5, pending_fee_sats = $6
		WHERE chain_id = $1 AND hop_number = $2 AND outgoing_txid IS NULL
	`, id, hopNumber, relay.TxID, relay.RawTx, relay.AmountSats, relay.FeeSats)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleHop
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordRetry bumps the attempt counter of a hop and returns the new count.
func (r *PostgresRepository) RecordRetry(ctx context.Context, id uuid.UUID, hopNumber int, event domain.Event) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockChain(ctx, tx, id); err != nil {
		return 0, err
	}
	var attempts int
	err = tx.QueryRow(ctx, `
		UPDATE relay_hops SET relay_attempts = relay_attempts + 1
		WHERE chain_id = $1 AND hop_number = $2
		RETURNING relay_attempts
	`, id, hopNumber).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrHopNotFound
		}
		return 0, err
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return 0, err
	}
	return attempts, tx.Commit(ctx)
}

// AdvanceHop marks the current hop forwarded and moves current_hop past it.
func (r *PostgresRepository) AdvanceHop(ctx context.Context, id uuid.UUID, hopNumber int, advance HopAdvance, event domain.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	chain, err := lockChain(ctx, tx, id)
	if err != nil {
		return err
	}
	if chain.Status != domain.StatusActive || chain.CurrentHop != hopNumber {
		return ErrStaleHop
	}

	tag, err := tx.Exec(ctx, `
		UPDATE relay_hops
		SET forwarded = TRUE,
			outgoing_txid = $3,
			outgoing_raw_tx = pending_raw_tx,
			outgoing_amount_sats = $4,
			outgoing_fee_sats = $5,
			forwarded_at_height = $6,
			pending_txid = NULL,
			pending_raw_tx = NULL,
			pending_amount_sats = 0,
			pending_fee_sats = 0
		WHERE chain_id = $1 AND hop_number = $2 AND outgoing_txid IS NULL
	`, id, hopNumber, advance.TxID, advance.AmountSats, advance.FeeSats, advance.Height)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleHop
	}

	_, err = tx.Exec(ctx, `
		UPDATE relay_chains
		SET current_hop = $2,
			amount_sent_sats = $3,
			total_fees_sats = total_fees_sats + $4,
			updated_at = NOW()
		WHERE id = $1
	`, id, hopNumber+1, advance.AmountSats, advance.FeeSats)
	if err != nil {
		return err
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplySync overwrites hop progress with what the chain shows.
func (r *PostgresRepository) ApplySync(ctx context.Context, id uuid.UUID, hops []domain.Hop, currentHop int, event domain.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := lockChain(ctx, tx, id); err != nil {
		return err
	}
	for _, h := range hops {
		_, err := tx.Exec(ctx, `
			UPDATE relay_hops
			SET arrival_height = $3,
				incoming_amount_sats = $4,
				forwarded = $5,
				outgoing_txid = $6,
				outgoing_raw_tx = $7,
				outgoing_amount_sats = $8,
				outgoing_fee_sats = $9,
				forwarded_at_height = $10,
				pending_txid = $11,
				pending_raw_tx = $12,
				pending_amount_sats = $13,
				pending_fee_sats = $14
			WHERE chain_id = $1 AND hop_number = $2
		`, id, h.HopNumber, h.ArrivalHeight, h.IncomingAmountSats, h.Forwarded, h.OutgoingTxID, h.OutgoingRawTx,
			h.OutgoingAmountSats, h.OutgoingFeeSats, h.ForwardedAtHeight, h.PendingTxID, h.PendingRawTx,
			h.PendingAmountSats, h.PendingFeeSats)
		if err != nil {
			return fmt.Errorf("failed to sync hop %d: %w", h.HopNumber, err)
		}
	}
	sent, fees := finalTotals(hops)
	var received int64
	if len(hops) > 0 {
		received = hops[0].IncomingAmountSats
	}
	_, err = tx.Exec(ctx, `
		UPDATE relay_chains
		SET current_hop = $2, amount_sent_sats = $3, total_fees_sats = $4,
			amount_received_sats = GREATEST(amount_received_sats, $5), updated_at = NOW()
		WHERE id = $1
	`, id, currentHop, sent, fees, received)
	if err != nil {
		return err
	}
	if err := r.insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetSetting reads one settings row.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", err
	}
	return value, nil
}

// SetSetting upserts one settings row.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}

// SetSettingIfAbsent writes a setting only if it does not exist yet.
func (r *PostgresRepository) SetSettingIfAbsent(ctx context.Context, key, value string) (bool, error) {
	tag, err := r.db.Exec(ctx, `INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, key, value)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func lockChain(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Chain, error) {
	chain, err := scanChain(tx.QueryRow(ctx, `SELECT `+chainColumns+` FROM relay_chains WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChainNotFound
		}
		return nil, fmt.Errorf("failed to get and lock chain: %w", err)
	}
	return chain, nil
}

// insertEventTx appends to the event log and enqueues the same event for publishing.
func (r *PostgresRepository) insertEventTx(ctx context.Context, tx pgx.Tx, event domain.Event) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO relay_events (chain_id, hop_number, event_type, txid, amount_sats, fee_sats, block_height, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, event.ChainID, event.HopNumber, string(event.Type), event.TxID, event.AmountSats, event.FeeSats,
		event.BlockHeight, event.Detail).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return enqueueEventTx(ctx, tx, r.exchange, event.RoutingKey(), event)
}
