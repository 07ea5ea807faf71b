package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// PgxPool is the slice of pgxpool.Pool the journal uses. Satisfied by
// *pgxpool.Pool in production and by pgxmock in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresJournal is the network-attached backend.
type PostgresJournal struct {
	pool PgxPool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id BIGSERIAL PRIMARY KEY,
	trader_id TEXT NOT NULL,
	cycle_number INTEGER NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	input_prompt TEXT NOT NULL DEFAULT '',
	cot_trace TEXT NOT NULL DEFAULT '',
	decision_json TEXT NOT NULL DEFAULT '',
	raw_response TEXT,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT NOT NULL DEFAULT '',
	account_total_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
	account_available_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
	account_unrealized_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
	account_position_count INTEGER NOT NULL DEFAULT 0,
	account_margin_used_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	candidate_coins TEXT NOT NULL DEFAULT '[]',
	execution_log TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (trader_id, cycle_number)
);

CREATE INDEX IF NOT EXISTS idx_decisions_trader_cycle ON decisions(trader_id, cycle_number);

CREATE TABLE IF NOT EXISTS positions (
	id BIGSERIAL PRIMARY KEY,
	decision_id BIGINT NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	mark_price DOUBLE PRECISION NOT NULL,
	unrealized_profit DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL,
	liquidation_price DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_decision ON positions(decision_id);

CREATE TABLE IF NOT EXISTS decision_actions (
	id BIGSERIAL PRIMARY KEY,
	decision_id BIGINT NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	action TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL DEFAULT 0,
	price DOUBLE PRECISION NOT NULL,
	order_id BIGINT NOT NULL DEFAULT 0,
	timestamp TIMESTAMPTZ NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decision_actions_decision ON decision_actions(decision_id);
`

// NewPostgresJournal connects to databaseURL, applies the schema and returns
// the journal.
func NewPostgresJournal(ctx context.Context, databaseURL string) (*PostgresJournal, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	log.Info().Msg("Connected to postgres decision journal")
	return &PostgresJournal{pool: pool}, nil
}

// NewPostgresJournalFromPool wraps an existing pool without applying the
// schema. Used by tests.
func NewPostgresJournalFromPool(pool PgxPool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

// Close releases the connection pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

// Append writes one record transactionally, retrying transient failures.
func (j *PostgresJournal) Append(ctx context.Context, record *DecisionRecord) error {
	return withRetry(ctx, "postgres append", func() error {
		return j.appendOnce(ctx, record)
	})
}

func (j *PostgresJournal) appendOnce(ctx context.Context, record *DecisionRecord) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	candidateCoins, executionLog := marshalRecordLists(record)

	var decisionID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO decisions (
			trader_id, cycle_number, timestamp, input_prompt, cot_trace,
			decision_json, raw_response, success, error_message,
			account_total_balance, account_available_balance,
			account_unrealized_profit, account_position_count,
			account_margin_used_pct, candidate_coins, execution_log
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		record.TraderID, record.CycleNumber, record.Timestamp.UTC(),
		record.InputPrompt, record.CoTTrace, record.DecisionJSON,
		nullableString(record.RawResponse), record.Success, record.ErrorMessage,
		record.AccountState.TotalBalance, record.AccountState.AvailableBalance,
		record.AccountState.UnrealizedProfit, record.AccountState.PositionCount,
		record.AccountState.MarginUsedPct, candidateCoins, executionLog,
	).Scan(&decisionID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert decision record: %w", err)
	}

	for i, pos := range record.Positions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO positions (
				decision_id, seq, symbol, side, quantity, entry_price,
				mark_price, unrealized_profit, leverage, liquidation_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			decisionID, i, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice,
			pos.MarkPrice, pos.UnrealizedProfit, pos.Leverage, pos.LiquidationPrice,
		); err != nil {
			return fmt.Errorf("failed to insert position %d: %w", i, err)
		}
	}

	for i, action := range record.Actions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO decision_actions (
				decision_id, seq, action, symbol, quantity, leverage,
				price, order_id, timestamp, success, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			decisionID, i, action.Action, action.Symbol, action.Quantity, action.Leverage,
			action.Price, action.OrderID, action.Timestamp.UTC(), action.Success, action.Error,
		); err != nil {
			return fmt.Errorf("failed to insert action %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	record.ID = decisionID
	return nil
}

// Seed inserts the cycle-0 record if absent.
func (j *PostgresJournal) Seed(ctx context.Context, traderID string, initialBalance float64) error {
	return withRetry(ctx, "postgres seed", func() error {
		_, err := j.pool.Exec(ctx, `
			INSERT INTO decisions (
				trader_id, cycle_number, timestamp, decision_json, success,
				account_total_balance, account_available_balance
			) VALUES ($1, 0, $2, $3, TRUE, $4, $5)
			ON CONFLICT (trader_id, cycle_number) DO NOTHING`,
			traderID, time.Now().UTC(), seedDecisionJSON, initialBalance, initialBalance,
		)
		if err != nil {
			return fmt.Errorf("failed to seed trader %s: %w", traderID, err)
		}
		return nil
	})
}

const postgresSelectColumns = `
	id, trader_id, cycle_number, timestamp, input_prompt, cot_trace,
	decision_json, raw_response, success, error_message,
	account_total_balance, account_available_balance, account_unrealized_profit,
	account_position_count, account_margin_used_pct, candidate_coins, execution_log`

// Latest returns the record with the highest cycle number.
func (j *PostgresJournal) Latest(ctx context.Context, traderID string) (*DecisionRecord, error) {
	row := j.pool.QueryRow(ctx, `
		SELECT `+postgresSelectColumns+`
		FROM decisions WHERE trader_id = $1
		ORDER BY cycle_number DESC LIMIT 1`, traderID)

	record, err := j.scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no journal records for trader %s", traderID)
		}
		return nil, fmt.Errorf("failed to load latest record: %w", err)
	}

	if err := j.loadChildren(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Range returns records with from <= cycle_number <= to, ascending.
func (j *PostgresJournal) Range(ctx context.Context, traderID string, from, to int) ([]*DecisionRecord, error) {
	return j.queryRecords(ctx, `
		SELECT `+postgresSelectColumns+`
		FROM decisions WHERE trader_id = $1 AND cycle_number BETWEEN $2 AND $3
		ORDER BY cycle_number ASC`, traderID, from, to)
}

// All returns the full history in ascending cycle order.
func (j *PostgresJournal) All(ctx context.Context, traderID string) ([]*DecisionRecord, error) {
	return j.queryRecords(ctx, `
		SELECT `+postgresSelectColumns+`
		FROM decisions WHERE trader_id = $1
		ORDER BY cycle_number ASC`, traderID)
}

// RestoreState reads the seed and latest records for boot-time recovery.
func (j *PostgresJournal) RestoreState(ctx context.Context, traderID string) (*RestoredState, error) {
	var initialBalance float64
	err := j.pool.QueryRow(ctx, `
		SELECT account_total_balance FROM decisions
		WHERE trader_id = $1 AND cycle_number = 0`, traderID).Scan(&initialBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trader %s has no seed record", traderID)
		}
		return nil, fmt.Errorf("failed to read seed record: %w", err)
	}

	latest, err := j.Latest(ctx, traderID)
	if err != nil {
		return nil, err
	}

	return &RestoredState{
		InitialBalance: initialBalance,
		LastAccount:    latest.AccountState,
		LastCycle:      latest.CycleNumber,
	}, nil
}

func (j *PostgresJournal) queryRecords(ctx context.Context, query string, args ...any) ([]*DecisionRecord, error) {
	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		record, err := j.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record iteration failed: %w", err)
	}

	for _, record := range records {
		if err := j.loadChildren(ctx, record); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (j *PostgresJournal) scanRecord(row pgx.Row) (*DecisionRecord, error) {
	var (
		record      DecisionRecord
		rawResponse *string
		candidates  string
		execLog     string
	)

	err := row.Scan(
		&record.ID, &record.TraderID, &record.CycleNumber, &record.Timestamp,
		&record.InputPrompt, &record.CoTTrace, &record.DecisionJSON, &rawResponse,
		&record.Success, &record.ErrorMessage,
		&record.AccountState.TotalBalance, &record.AccountState.AvailableBalance,
		&record.AccountState.UnrealizedProfit, &record.AccountState.PositionCount,
		&record.AccountState.MarginUsedPct, &candidates, &execLog,
	)
	if err != nil {
		return nil, err
	}

	if rawResponse != nil {
		record.RawResponse = *rawResponse
	}
	unmarshalRecordLists(&record, candidates, execLog)

	return &record, nil
}

func (j *PostgresJournal) loadChildren(ctx context.Context, record *DecisionRecord) error {
	posRows, err := j.pool.Query(ctx, `
		SELECT symbol, side, quantity, entry_price, mark_price,
		       unrealized_profit, leverage, liquidation_price
		FROM positions WHERE decision_id = $1 ORDER BY seq ASC`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to query positions: %w", err)
	}
	defer posRows.Close()

	for posRows.Next() {
		var pos decision.Position
		if err := posRows.Scan(
			&pos.Symbol, &pos.Side, &pos.Quantity, &pos.EntryPrice, &pos.MarkPrice,
			&pos.UnrealizedProfit, &pos.Leverage, &pos.LiquidationPrice,
		); err != nil {
			return fmt.Errorf("failed to scan position: %w", err)
		}
		record.Positions = append(record.Positions, pos)
	}
	if err := posRows.Err(); err != nil {
		return fmt.Errorf("position iteration failed: %w", err)
	}

	actRows, err := j.pool.Query(ctx, `
		SELECT action, symbol, quantity, leverage, price, order_id,
		       timestamp, success, error
		FROM decision_actions WHERE decision_id = $1 ORDER BY seq ASC`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to query actions: %w", err)
	}
	defer actRows.Close()

	for actRows.Next() {
		var action Action
		if err := actRows.Scan(
			&action.Action, &action.Symbol, &action.Quantity, &action.Leverage,
			&action.Price, &action.OrderID, &action.Timestamp, &action.Success, &action.Error,
		); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		record.Actions = append(record.Actions, action)
	}
	if err := actRows.Err(); err != nil {
		return fmt.Errorf("action iteration failed: %w", err)
	}

	return nil
}
