package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// CommitMarket runs in one transaction: the market row is locked with
// SELECT ... FOR UPDATE and account rows are updated in ascending id
// order, so concurrent settlements touching many accounts cannot deadlock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, balance, is_privileged, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		a.ID, a.Username, a.Balance.String(), a.IsPrivileged, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s / username %s already exists", model.ErrValidation, a.ID, a.Username)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, is_privileged, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Username, &balance, &a.IsPrivileged, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, balance::TEXT, is_privileged, created_at
		 FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var balance string
		if err := rows.Scan(&a.ID, &a.Username, &balance, &a.IsPrivileged, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Balance, _ = decimal.NewFromString(balance)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SetPrivileged(ctx context.Context, id string, privileged bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET is_privileged = $2 WHERE id = $1`, id, privileged)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (*model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := applyDelta(ctx, tx, BalanceDelta{AccountID: id, Amount: delta}); err != nil {
		return nil, err
	}

	var a model.Account
	var balance string
	if err := tx.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, is_privileged, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Username, &balance, &a.IsPrivileged, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Balance, _ = decimal.NewFromString(balance)

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &a, nil
}

// applyDelta updates one balance inside tx, refusing to go negative.
func applyDelta(ctx context.Context, tx pgx.Tx, dl BalanceDelta) error {
	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0`,
		dl.AccountID, dl.Amount.String())
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", dl.AccountID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, dl.AccountID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: account %s", model.ErrNotFound, dl.AccountID)
	}
	return fmt.Errorf("%w: account %s", model.ErrInsufficientFunds, dl.AccountID)
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, owner_account_id, threshold, subject, test_name, description,
		                      status, above_total, below_total, total_pot, wager_count,
		                      winning_side, created_at, version)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)`,
		m.ID, m.OwnerAccountID, m.Threshold.String(), m.Subject, m.TestName, m.Description,
		string(m.Status), m.AboveTotal.String(), m.BelowTotal.String(), m.TotalPot.String(), m.WagerCount,
		string(m.WinningSide), m.CreatedAt, m.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: market %s already exists", model.ErrValidation, m.ID)
	}
	return err
}

const marketColumns = `id, owner_account_id, threshold::TEXT, subject, test_name, description,
	status, above_total::TEXT, below_total::TEXT, total_pot::TEXT, wager_count,
	revealed_value::TEXT, winning_side, created_at, settled_at, voided_at, version`

// readTxOptions gives every statement of a multi-query read the same
// snapshot, so a market's totals always match its wager list.
var readTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// inReadTx runs fn in a read-only REPEATABLE READ transaction.
func (s *PostgresStore) inReadTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, readTxOptions)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m *model.Market
	err := s.inReadTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = scanMarket(tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: market %s", model.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get market %s: %w", id, err)
		}
		return loadChildren(ctx, tx, map[string]*model.Market{m.ID: m})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	var order []*model.Market
	err := s.inReadTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		byID := make(map[string]*model.Market)
		for rows.Next() {
			m, err := scanMarket(rows)
			if err != nil {
				return err
			}
			order = append(order, m)
			byID[m.ID] = m
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		return loadChildren(ctx, tx, byID)
	})
	if err != nil {
		return nil, err
	}

	markets := make([]model.Market, 0, len(order))
	for _, m := range order {
		markets = append(markets, *m)
	}
	return markets, nil
}

// loadChildren attaches wagers and payouts to the given markets. Run it in
// the same transaction that read the market rows.
func loadChildren(ctx context.Context, tx pgx.Tx, byID map[string]*model.Market) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, market_id, account_id, side, stake::TEXT, placed_at
		 FROM wagers WHERE market_id = ANY($1) ORDER BY market_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("load wagers: %w", err)
	}
	for rows.Next() {
		var w model.Wager
		var side, stake string
		if err := rows.Scan(&w.ID, &w.MarketID, &w.AccountID, &side, &stake, &w.PlacedAt); err != nil {
			rows.Close()
			return err
		}
		w.Side = model.Side(side)
		w.Stake, _ = decimal.NewFromString(stake)
		m := byID[w.MarketID]
		m.Wagers = append(m.Wagers, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = tx.Query(ctx,
		`SELECT wager_id, market_id, account_id, stake::TEXT, profit::TEXT, total_credited::TEXT
		 FROM payouts WHERE market_id = ANY($1) ORDER BY market_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("load payouts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Payout
		var marketID, stake, profit, total string
		if err := rows.Scan(&p.WagerID, &marketID, &p.AccountID, &stake, &profit, &total); err != nil {
			return err
		}
		p.Stake, _ = decimal.NewFromString(stake)
		p.Profit, _ = decimal.NewFromString(profit)
		p.TotalCredited, _ = decimal.NewFromString(total)
		m := byID[marketID]
		m.Payouts = append(m.Payouts, p)
	}
	return rows.Err()
}

func (s *PostgresStore) CommitMarket(ctx context.Context, m *model.Market, expectedVersion int64, deltas []BalanceDelta) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM markets WHERE id = $1 FOR UPDATE`, m.ID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, m.ID)
	}
	if err != nil {
		return fmt.Errorf("lock market %s: %w", m.ID, err)
	}
	if version != expectedVersion {
		return fmt.Errorf("%w: market %s at version %d, expected %d",
			model.ErrConflict, m.ID, version, expectedVersion)
	}

	// Ascending account order, same as every other writer.
	for _, dl := range MergeDeltas(deltas) {
		if err := applyDelta(ctx, tx, dl); err != nil {
			return err
		}
	}

	var revealed *string
	if m.RevealedValue != nil {
		v := m.RevealedValue.String()
		revealed = &v
	}
	if _, err := tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2, above_total = $3::NUMERIC, below_total = $4::NUMERIC,
		     total_pot = $5::NUMERIC, wager_count = $6, revealed_value = $7::NUMERIC,
		     winning_side = $8, settled_at = $9, voided_at = $10, version = $11
		 WHERE id = $1`,
		m.ID, string(m.Status), m.AboveTotal.String(), m.BelowTotal.String(),
		m.TotalPot.String(), m.WagerCount, revealed,
		string(m.WinningSide), m.SettledAt, m.VoidedAt, m.Version,
	); err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}

	batch := &pgx.Batch{}
	for i, w := range m.Wagers {
		batch.Queue(
			`INSERT INTO wagers (id, market_id, account_id, side, stake, placed_at, seq)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			w.ID, w.MarketID, w.AccountID, string(w.Side), w.Stake.String(), w.PlacedAt, i,
		)
	}
	for i, p := range m.Payouts {
		batch.Queue(
			`INSERT INTO payouts (wager_id, market_id, account_id, stake, profit, total_credited, seq)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (wager_id) DO NOTHING`,
			p.WagerID, m.ID, p.AccountID, p.Stake.String(), p.Profit.String(), p.TotalCredited.String(), i,
		)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("write market %s children: %w", m.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOpenExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT w.market_id, COALESCE(SUM(w.stake), 0)::TEXT
		 FROM wagers w
		 JOIN markets m ON m.id = w.market_id
		 WHERE w.account_id = $1 AND m.status = 'open'
		 GROUP BY w.market_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var marketID, total string
		if err := rows.Scan(&marketID, &total); err != nil {
			return nil, err
		}
		exposures[marketID], _ = decimal.NewFromString(total)
	}
	return exposures, rows.Err()
}

// scanMarket reads one market row in marketColumns order.
func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var threshold, above, below, pot, status, winning string
	var revealed *string
	var settledAt, voidedAt *time.Time

	if err := row.Scan(&m.ID, &m.OwnerAccountID, &threshold, &m.Subject, &m.TestName, &m.Description,
		&status, &above, &below, &pot, &m.WagerCount,
		&revealed, &winning, &m.CreatedAt, &settledAt, &voidedAt, &m.Version); err != nil {
		return nil, err
	}

	m.Threshold, _ = decimal.NewFromString(threshold)
	m.AboveTotal, _ = decimal.NewFromString(above)
	m.BelowTotal, _ = decimal.NewFromString(below)
	m.TotalPot, _ = decimal.NewFromString(pot)
	m.Status = model.Status(status)
	m.WinningSide = model.Side(winning)
	m.SettledAt = settledAt
	m.VoidedAt = voidedAt
	if revealed != nil {
		v, _ := decimal.NewFromString(*revealed)
		m.RevealedValue = &v
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
