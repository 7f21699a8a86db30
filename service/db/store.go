package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/paylock/service/escrow"
	"github.com/brojonat/paylock/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for payment records and scheduled
// intents. It implements escrow.Store on top of a pgx connection pool.
// Status transitions are applied as conditional updates so that exactly one
// of two concurrent transition attempts on the same slot succeeds.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Pool exposes the underlying connection pool for administrative commands.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) observe(operation, table string, start time.Time, err error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

// CreateTransaction inserts a new single-recipient payment record. The
// plaintext claim code is never written; only the hash is persisted.
func (s *Store) CreateTransaction(ctx context.Context, rec *escrow.TransactionRecord) (err error) {
	start := time.Now()
	defer func() { s.observe("insert", "payments", start, err) }()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payments (digest, sender, receiver, amount, token_type, status, code_hash, updated_digest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Digest, rec.Sender, rec.Receiver, rec.Amount, rec.TokenType,
		rec.Status, rec.CodeHash, rec.UpdatedDigest, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment %s: %w", rec.Digest, err)
	}
	return nil
}

// CreateBulkTransaction inserts a bulk payment record and its recipient slots
// in one transaction.
func (s *Store) CreateBulkTransaction(ctx context.Context, rec *escrow.BulkTransactionRecord) (err error) {
	start := time.Now()
	defer func() { s.observe("insert", "bulk_payments", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO bulk_payments (digest, sender, total_amount, token_type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Digest, rec.Sender, rec.TotalAmount, rec.TokenType, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bulk payment %s: %w", rec.Digest, err)
	}

	for _, slot := range rec.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO bulk_payment_recipients (digest, address, amount, status, code_hash, updated_digest)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.Digest, slot.Address, slot.Amount, slot.Status, slot.CodeHash, slot.UpdatedDigest,
		)
		if err != nil {
			return fmt.Errorf("failed to insert recipient %s of %s: %w", slot.Address, rec.Digest, err)
		}
	}

	return tx.Commit(ctx)
}

// GetTransaction retrieves a single-recipient payment record by digest.
func (s *Store) GetTransaction(ctx context.Context, digest string) (rec *escrow.TransactionRecord, err error) {
	start := time.Now()
	defer func() { s.observe("select", "payments", start, err) }()

	rec = &escrow.TransactionRecord{}
	err = s.pool.QueryRow(ctx, `
		SELECT digest, sender, receiver, amount, token_type, status, code_hash, updated_digest, created_at
		FROM payments WHERE digest = $1`, digest,
	).Scan(&rec.Digest, &rec.Sender, &rec.Receiver, &rec.Amount, &rec.TokenType,
		&rec.Status, &rec.CodeHash, &rec.UpdatedDigest, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", digest, escrow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment %s: %w", digest, err)
	}
	return rec, nil
}

// GetBulkTransaction retrieves a bulk payment record and its recipient slots.
func (s *Store) GetBulkTransaction(ctx context.Context, digest string) (rec *escrow.BulkTransactionRecord, err error) {
	start := time.Now()
	defer func() { s.observe("select", "bulk_payments", start, err) }()

	rec = &escrow.BulkTransactionRecord{}
	err = s.pool.QueryRow(ctx, `
		SELECT digest, sender, total_amount, token_type, created_at
		FROM bulk_payments WHERE digest = $1`, digest,
	).Scan(&rec.Digest, &rec.Sender, &rec.TotalAmount, &rec.TokenType, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bulk transaction %s: %w", digest, escrow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bulk payment %s: %w", digest, err)
	}

	rec.Recipients, err = s.loadRecipients(ctx, digest)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadRecipients(ctx context.Context, digest string) ([]escrow.RecipientSlot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, amount, status, code_hash, updated_digest
		FROM bulk_payment_recipients WHERE digest = $1 ORDER BY address`, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients of %s: %w", digest, err)
	}
	defer rows.Close()

	var slots []escrow.RecipientSlot
	for rows.Next() {
		var slot escrow.RecipientSlot
		if err := rows.Scan(&slot.Address, &slot.Amount, &slot.Status, &slot.CodeHash, &slot.UpdatedDigest); err != nil {
			return nil, fmt.Errorf("failed to scan recipient of %s: %w", digest, err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// GetSlot returns the claimable slot for (digest, address). It distinguishes
// an unknown digest (escrow.ErrNotFound) from a known record the address has
// no slot in (escrow.ErrForbidden).
func (s *Store) GetSlot(ctx context.Context, digest, address string) (slot *escrow.SlotView, err error) {
	start := time.Now()
	defer func() { s.observe("select", "slots", start, err) }()

	slot = &escrow.SlotView{}
	err = s.pool.QueryRow(ctx, `
		SELECT digest, sender, receiver, amount, token_type, status, code_hash, updated_digest
		FROM payments WHERE digest = $1 AND receiver = $2`, digest, address,
	).Scan(&slot.Digest, &slot.Sender, &slot.Address, &slot.Amount, &slot.TokenType,
		&slot.Status, &slot.CodeHash, &slot.UpdatedDigest)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query slot %s/%s: %w", digest, address, err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT b.digest, b.sender, r.address, r.amount, b.token_type, r.status, r.code_hash, r.updated_digest
		FROM bulk_payments b
		JOIN bulk_payment_recipients r ON r.digest = b.digest
		WHERE b.digest = $1 AND r.address = $2`, digest, address,
	).Scan(&slot.Digest, &slot.Sender, &slot.Address, &slot.Amount, &slot.TokenType,
		&slot.Status, &slot.CodeHash, &slot.UpdatedDigest)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query slot %s/%s: %w", digest, address, err)
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE digest = $1)
		    OR EXISTS (SELECT 1 FROM bulk_payments WHERE digest = $1)`, digest,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check digest %s: %w", digest, err)
	}
	if exists {
		return nil, fmt.Errorf("address %s is not a recipient of %s: %w", address, digest, escrow.ErrForbidden)
	}
	return nil, fmt.Errorf("transaction %s: %w", digest, escrow.ErrNotFound)
}

// TransitionSlot atomically moves the slot from `from` to `to` with a
// conditional update. A zero row count on a live slot means another caller
// got there first.
func (s *Store) TransitionSlot(ctx context.Context, digest, address string, from, to escrow.Status) (err error) {
	start := time.Now()
	defer func() { s.observe("update", "slots", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = $1
		WHERE digest = $2 AND receiver = $3 AND status = $4`,
		to, digest, address, from)
	if err != nil {
		return fmt.Errorf("failed to transition slot %s/%s: %w", digest, address, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	tag, err = s.pool.Exec(ctx, `
		UPDATE bulk_payment_recipients SET status = $1
		WHERE digest = $2 AND address = $3 AND status = $4`,
		to, digest, address, from)
	if err != nil {
		return fmt.Errorf("failed to transition slot %s/%s: %w", digest, address, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a lost race from a slot that never existed.
	if _, slotErr := s.GetSlot(ctx, digest, address); slotErr != nil {
		return slotErr
	}
	return fmt.Errorf("slot %s/%s is no longer %s: %w", digest, address, from, escrow.ErrAlreadyTransitioned)
}

// SetSlotSettlement records the settlement digest produced by a claim or
// refund transfer.
func (s *Store) SetSlotSettlement(ctx context.Context, digest, address, updatedDigest string) (err error) {
	start := time.Now()
	defer func() { s.observe("update", "slots", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET updated_digest = $1
		WHERE digest = $2 AND receiver = $3`,
		updatedDigest, digest, address)
	if err != nil {
		return fmt.Errorf("failed to record settlement for %s/%s: %w", digest, address, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	tag, err = s.pool.Exec(ctx, `
		UPDATE bulk_payment_recipients SET updated_digest = $1
		WHERE digest = $2 AND address = $3`,
		updatedDigest, digest, address)
	if err != nil {
		return fmt.Errorf("failed to record settlement for %s/%s: %w", digest, address, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return fmt.Errorf("slot %s/%s: %w", digest, address, escrow.ErrNotFound)
}

// ListTransactionsByParty returns all single-recipient records where the
// address is the sender or the receiver, most recent first.
func (s *Store) ListTransactionsByParty(ctx context.Context, address string) (recs []*escrow.TransactionRecord, err error) {
	start := time.Now()
	defer func() { s.observe("select", "payments", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT digest, sender, receiver, amount, token_type, status, code_hash, updated_digest, created_at
		FROM payments WHERE sender = $1 OR receiver = $1
		ORDER BY created_at DESC`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for %s: %w", address, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &escrow.TransactionRecord{}
		if err := rows.Scan(&rec.Digest, &rec.Sender, &rec.Receiver, &rec.Amount, &rec.TokenType,
			&rec.Status, &rec.CodeHash, &rec.UpdatedDigest, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListBulkTransactionsByParty returns all bulk records where the address is
// the sender or any recipient slot, most recent first.
func (s *Store) ListBulkTransactionsByParty(ctx context.Context, address string) (recs []*escrow.BulkTransactionRecord, err error) {
	start := time.Now()
	defer func() { s.observe("select", "bulk_payments", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT b.digest, b.sender, b.total_amount, b.token_type, b.created_at
		FROM bulk_payments b
		LEFT JOIN bulk_payment_recipients r ON r.digest = b.digest
		WHERE b.sender = $1 OR r.address = $1
		ORDER BY b.created_at DESC`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk payments for %s: %w", address, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &escrow.BulkTransactionRecord{}
		if err := rows.Scan(&rec.Digest, &rec.Sender, &rec.TotalAmount, &rec.TokenType, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bulk payment: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		rec.Recipients, err = s.loadRecipients(ctx, rec.Digest)
		if err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// CreateIntent inserts a scheduled intent and its planned recipients in one
// transaction.
func (s *Store) CreateIntent(ctx context.Context, intent *escrow.ScheduledIntent) (err error) {
	start := time.Now()
	defer func() { s.observe("insert", "scheduled_intents", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_intents (id, sender, token_type, funding_digest, total_amount, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		intent.ID, intent.Sender, intent.TokenType, intent.FundingDigest,
		intent.TotalAmount, intent.ScheduledAt, intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert intent %s: %w", intent.ID, err)
	}

	for i, r := range intent.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO scheduled_intent_recipients (intent_id, address, amount, position)
			VALUES ($1, $2, $3, $4)`,
			intent.ID, r.Address, r.Amount, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert recipient %s of intent %s: %w", r.Address, intent.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetIntent retrieves a scheduled intent and its planned recipients.
func (s *Store) GetIntent(ctx context.Context, id string) (intent *escrow.ScheduledIntent, err error) {
	start := time.Now()
	defer func() { s.observe("select", "scheduled_intents", start, err) }()

	intent = &escrow.ScheduledIntent{}
	err = s.pool.QueryRow(ctx, `
		SELECT id, sender, token_type, funding_digest, total_amount, scheduled_at, created_at
		FROM scheduled_intents WHERE id = $1`, id,
	).Scan(&intent.ID, &intent.Sender, &intent.TokenType, &intent.FundingDigest,
		&intent.TotalAmount, &intent.ScheduledAt, &intent.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, escrow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query intent %s: %w", id, err)
	}

	intent.Recipients, err = s.loadIntentRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Store) loadIntentRecipients(ctx context.Context, id string) ([]escrow.IntentRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, amount FROM scheduled_intent_recipients
		WHERE intent_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients of intent %s: %w", id, err)
	}
	defer rows.Close()

	var out []escrow.IntentRecipient
	for rows.Next() {
		var r escrow.IntentRecipient
		if err := rows.Scan(&r.Address, &r.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan recipient of intent %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteIntent removes a scheduled intent; recipients cascade.
func (s *Store) DeleteIntent(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", "scheduled_intents", start, err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_intents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete intent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", id, escrow.ErrNotFound)
	}
	return nil
}

// ListIntentsBySender returns all pending intents created by the sender,
// soonest scheduled first.
func (s *Store) ListIntentsBySender(ctx context.Context, sender string) (intents []*escrow.ScheduledIntent, err error) {
	start := time.Now()
	defer func() { s.observe("select", "scheduled_intents", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, token_type, funding_digest, total_amount, scheduled_at, created_at
		FROM scheduled_intents WHERE sender = $1
		ORDER BY scheduled_at ASC`, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents for %s: %w", sender, err)
	}
	defer rows.Close()

	for rows.Next() {
		intent := &escrow.ScheduledIntent{}
		if err := rows.Scan(&intent.ID, &intent.Sender, &intent.TokenType, &intent.FundingDigest,
			&intent.TotalAmount, &intent.ScheduledAt, &intent.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, intent := range intents {
		intent.Recipients, err = s.loadIntentRecipients(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
	}
	return intents, nil
}
