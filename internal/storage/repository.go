package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateMemo signals a payment memo collision on insert.
	ErrDuplicateMemo = errors.New("storage: duplicate payment memo")
	// ErrStatusConflict means a conditional status update matched no PENDING row.
	ErrStatusConflict = errors.New("storage: deal is no longer pending")
)

const (
	uniqueViolation = "23505"
	memoConstraint  = "locked_deals_payment_memo_key"
)

const (
	getItemSQL = `SELECT id, name, base_price::text, floor_price::text, meta, created_at
    FROM inventory_items
    WHERE id = $1 AND is_active;`

	upsertItemSQL = `INSERT INTO inventory_items (id, name, base_price, floor_price, meta)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (id) DO UPDATE
    SET name        = EXCLUDED.name,
        base_price  = EXCLUDED.base_price,
        floor_price = EXCLUDED.floor_price,
        meta        = EXCLUDED.meta,
        is_active   = TRUE;`

	insertDealSQL = `INSERT INTO locked_deals (
        id,
        item_id,
        item_name,
        final_price,
        currency,
        payment_memo,
        secret_content,
        status,
        buyer_did,
        created_at,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	dealColumns = `id,
        item_id,
        item_name,
        final_price::text,
        currency,
        payment_memo,
        secret_content,
        status,
        buyer_did,
        created_at,
        expires_at,
        paid_at,
        transaction_hash,
        block_number,
        from_address`

	getDealSQL       = `SELECT ` + dealColumns + ` FROM locked_deals WHERE id = $1;`
	getDealByMemoSQL = `SELECT ` + dealColumns + ` FROM locked_deals WHERE payment_memo = $1;`

	listRecentDealsSQL = `SELECT ` + dealColumns + `
    FROM locked_deals
    ORDER BY created_at DESC
    LIMIT $1;`

	listDealsBetweenSQL = `SELECT ` + dealColumns + `
    FROM locked_deals
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	markDealPaidSQL = `UPDATE locked_deals
    SET status           = 'PAID',
        paid_at          = $2,
        transaction_hash = $3,
        block_number     = $4,
        from_address     = $5
    WHERE id = $1
      AND status = 'PENDING';`

	markDealExpiredSQL = `UPDATE locked_deals
    SET status = 'EXPIRED'
    WHERE id = $1
      AND status = 'PENDING'
      AND expires_at < $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ItemStore reads and seeds catalog items.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (domain.Item, error)
	UpsertItem(ctx context.Context, item domain.Item) error
}

// DealStore persists escrow records. Status changes are conditional on the
// row still being PENDING.
type DealStore interface {
	CreateDeal(ctx context.Context, deal domain.LockedDeal) error
	GetDeal(ctx context.Context, id uuid.UUID) (domain.LockedDeal, error)
	GetDealByMemo(ctx context.Context, memo string) (domain.LockedDeal, error)
	MarkDealPaid(ctx context.Context, id uuid.UUID, proof domain.PaymentProof) error
	MarkDealExpired(ctx context.Context, id uuid.UUID, now time.Time) error
	ListRecentDeals(ctx context.Context, limit int) ([]domain.LockedDeal, error)
	ListDealsBetween(ctx context.Context, from, to time.Time) ([]domain.LockedDeal, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to items and locked deals.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session anyway, so a failed unlock only delays the next holder
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetItem loads an active catalog item.
func (s *Store) GetItem(ctx context.Context, id string) (domain.Item, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Item{}, err
	}

	var (
		item              domain.Item
		baseStr, floorStr string
		meta              []byte
	)
	row := pool.QueryRow(ctx, getItemSQL, id)
	if err := row.Scan(&item.ID, &item.Name, &baseStr, &floorStr, &meta, &item.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Item{}, ErrNotFound
		}
		return domain.Item{}, fmt.Errorf("get item: %w", err)
	}

	if item.BasePrice, err = decimal.NewFromString(baseStr); err != nil {
		return domain.Item{}, fmt.Errorf("parse base price: %w", err)
	}
	if item.FloorPrice, err = decimal.NewFromString(floorStr); err != nil {
		return domain.Item{}, fmt.Errorf("parse floor price: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Meta); err != nil {
			return domain.Item{}, fmt.Errorf("parse item meta: %w", err)
		}
	}
	return item, nil
}

// UpsertItem inserts or refreshes a catalog item.
func (s *Store) UpsertItem(ctx context.Context, item domain.Item) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	meta := item.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode item meta: %w", err)
	}

	if _, err := pool.Exec(ctx, upsertItemSQL,
		item.ID,
		item.Name,
		item.BasePrice.String(),
		item.FloorPrice.String(),
		metaJSON,
	); err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// CreateDeal inserts a new PENDING deal. A memo collision yields ErrDuplicateMemo.
func (s *Store) CreateDeal(ctx context.Context, deal domain.LockedDeal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var buyer interface{}
	if deal.BuyerDID != "" {
		buyer = deal.BuyerDID
	}

	_, execErr := pool.Exec(ctx, insertDealSQL,
		deal.ID,
		deal.ItemID,
		deal.ItemName,
		deal.FinalPrice.String(),
		deal.Currency,
		deal.PaymentMemo,
		deal.SecretContent,
		string(domain.DealPending),
		buyer,
		deal.CreatedAt,
		deal.ExpiresAt,
	)
	if execErr != nil {
		if isMemoCollision(execErr) {
			return ErrDuplicateMemo
		}
		return fmt.Errorf("insert deal: %w", execErr)
	}
	return nil
}

func isMemoCollision(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == memoConstraint
}

// GetDeal loads a deal by id.
func (s *Store) GetDeal(ctx context.Context, id uuid.UUID) (domain.LockedDeal, error) {
	return s.getDealBy(ctx, getDealSQL, id)
}

// GetDealByMemo loads a deal by payment memo.
func (s *Store) GetDealByMemo(ctx context.Context, memo string) (domain.LockedDeal, error) {
	return s.getDealBy(ctx, getDealByMemoSQL, memo)
}

func (s *Store) getDealBy(ctx context.Context, query string, arg any) (domain.LockedDeal, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.LockedDeal{}, err
	}

	rows, err := pool.Query(ctx, query, arg)
	if err != nil {
		return domain.LockedDeal{}, fmt.Errorf("get deal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return domain.LockedDeal{}, fmt.Errorf("get deal: %w", rows.Err())
		}
		return domain.LockedDeal{}, ErrNotFound
	}
	return scanDeal(rows)
}

// MarkDealPaid moves a PENDING deal to PAID with its proof.
func (s *Store) MarkDealPaid(ctx context.Context, id uuid.UUID, proof domain.PaymentProof) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markDealPaidSQL,
		id,
		proof.ConfirmedAt,
		proof.TransactionHash,
		proof.BlockNumber,
		proof.FromAddress,
	)
	if execErr != nil {
		return fmt.Errorf("mark deal paid: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkDealExpired moves a PENDING deal whose expiry passed before now to EXPIRED.
func (s *Store) MarkDealExpired(ctx context.Context, id uuid.UUID, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markDealExpiredSQL, id, now)
	if execErr != nil {
		return fmt.Errorf("mark deal expired: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListRecentDeals lists the most recent deals, newest first.
func (s *Store) ListRecentDeals(ctx context.Context, limit int) ([]domain.LockedDeal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDealsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deals: %w", queryErr)
	}
	defer rows.Close()

	return collectDeals(rows, limit)
}

// ListDealsBetween lists deals created within a time window.
func (s *Store) ListDealsBetween(ctx context.Context, from, to time.Time) ([]domain.LockedDeal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDealsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list deals between: %w", queryErr)
	}
	defer rows.Close()

	return collectDeals(rows, 0)
}

func collectDeals(rows pgx.Rows, capacity int) ([]domain.LockedDeal, error) {
	deals := make([]domain.LockedDeal, 0, capacity)
	for rows.Next() {
		deal, scanErr := scanDeal(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deals = append(deals, deal)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deals, nil
}

func scanDeal(rows pgx.Rows) (domain.LockedDeal, error) {
	var (
		deal     domain.LockedDeal
		priceStr string
		status   string
		buyer    sql.NullString
		paidAt   sql.NullTime
		txHash   sql.NullString
		block    sql.NullString
		from     sql.NullString
	)

	if err := rows.Scan(
		&deal.ID,
		&deal.ItemID,
		&deal.ItemName,
		&priceStr,
		&deal.Currency,
		&deal.PaymentMemo,
		&deal.SecretContent,
		&status,
		&buyer,
		&deal.CreatedAt,
		&deal.ExpiresAt,
		&paidAt,
		&txHash,
		&block,
		&from,
	); err != nil {
		return domain.LockedDeal{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.LockedDeal{}, fmt.Errorf("parse final price: %w", err)
	}
	deal.FinalPrice = price
	deal.Status = domain.DealStatus(status)
	deal.BuyerDID = buyer.String

	if paidAt.Valid {
		ts := paidAt.Time
		deal.PaidAt = &ts
	}
	if txHash.Valid {
		v := txHash.String
		deal.TransactionHash = &v
	}
	if block.Valid {
		v := block.String
		deal.BlockNumber = &v
	}
	if from.Valid {
		v := from.String
		deal.FromAddress = &v
	}

	return deal, nil
}

var (
	_ ItemStore      = (*Store)(nil)
	_ DealStore      = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
