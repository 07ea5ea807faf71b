package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// SQLiteJournal is the embedded backend. Every append runs in a transaction
// and is synced to disk before returning.
type SQLiteJournal struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_id TEXT NOT NULL,
	cycle_number INTEGER NOT NULL,
	timestamp DATETIME NOT NULL,
	input_prompt TEXT NOT NULL DEFAULT '',
	cot_trace TEXT NOT NULL DEFAULT '',
	decision_json TEXT NOT NULL DEFAULT '',
	raw_response TEXT,
	success BOOLEAN NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	account_total_balance REAL NOT NULL DEFAULT 0,
	account_available_balance REAL NOT NULL DEFAULT 0,
	account_unrealized_profit REAL NOT NULL DEFAULT 0,
	account_position_count INTEGER NOT NULL DEFAULT 0,
	account_margin_used_pct REAL NOT NULL DEFAULT 0,
	candidate_coins TEXT NOT NULL DEFAULT '[]',
	execution_log TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (trader_id, cycle_number)
);

CREATE INDEX IF NOT EXISTS idx_decisions_trader_cycle ON decisions(trader_id, cycle_number);

CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id INTEGER NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	mark_price REAL NOT NULL,
	unrealized_profit REAL NOT NULL,
	leverage INTEGER NOT NULL,
	liquidation_price REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_decision ON positions(decision_id);

CREATE TABLE IF NOT EXISTS decision_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id INTEGER NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	action TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity REAL NOT NULL,
	leverage INTEGER NOT NULL DEFAULT 0,
	price REAL NOT NULL,
	order_id INTEGER NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decision_actions_decision ON decision_actions(decision_id);
`

// NewSQLiteJournal opens (or creates) the journal database at path.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	// synchronous=FULL so each committed append reaches disk
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// The sqlite driver is not safe for concurrent writers on one connection
	// pool beyond this; traders share the handle so keep it to one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Opened sqlite decision journal")
	return &SQLiteJournal{db: db}, nil
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Append writes one record transactionally, retrying transient failures.
func (j *SQLiteJournal) Append(ctx context.Context, record *DecisionRecord) error {
	return withRetry(ctx, "sqlite append", func() error {
		return j.appendOnce(ctx, record)
	})
}

func (j *SQLiteJournal) appendOnce(ctx context.Context, record *DecisionRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	candidateCoins, executionLog := marshalRecordLists(record)

	result, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (
			trader_id, cycle_number, timestamp, input_prompt, cot_trace,
			decision_json, raw_response, success, error_message,
			account_total_balance, account_available_balance,
			account_unrealized_profit, account_position_count,
			account_margin_used_pct, candidate_coins, execution_log
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TraderID, record.CycleNumber, record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.InputPrompt, record.CoTTrace, record.DecisionJSON,
		nullableString(record.RawResponse), record.Success, record.ErrorMessage,
		record.AccountState.TotalBalance, record.AccountState.AvailableBalance,
		record.AccountState.UnrealizedProfit, record.AccountState.PositionCount,
		record.AccountState.MarginUsedPct, candidateCoins, executionLog,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert decision record: %w", err)
	}

	decisionID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read decision id: %w", err)
	}

	for i, pos := range record.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (
				decision_id, seq, symbol, side, quantity, entry_price,
				mark_price, unrealized_profit, leverage, liquidation_price
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			decisionID, i, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice,
			pos.MarkPrice, pos.UnrealizedProfit, pos.Leverage, pos.LiquidationPrice,
		); err != nil {
			return fmt.Errorf("failed to insert position %d: %w", i, err)
		}
	}

	for i, action := range record.Actions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO decision_actions (
				decision_id, seq, action, symbol, quantity, leverage,
				price, order_id, timestamp, success, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			decisionID, i, action.Action, action.Symbol, action.Quantity, action.Leverage,
			action.Price, action.OrderID, action.Timestamp.UTC().Format(time.RFC3339Nano),
			action.Success, action.Error,
		); err != nil {
			return fmt.Errorf("failed to insert action %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	record.ID = decisionID
	return nil
}

// Seed inserts the cycle-0 record if absent.
func (j *SQLiteJournal) Seed(ctx context.Context, traderID string, initialBalance float64) error {
	return withRetry(ctx, "sqlite seed", func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO decisions (
				trader_id, cycle_number, timestamp, decision_json, success,
				account_total_balance, account_available_balance
			) VALUES (?, 0, ?, ?, 1, ?, ?)`,
			traderID, time.Now().UTC().Format(time.RFC3339Nano), seedDecisionJSON,
			initialBalance, initialBalance,
		)
		if err != nil {
			return fmt.Errorf("failed to seed trader %s: %w", traderID, err)
		}
		return nil
	})
}

const sqliteSelectColumns = `
	id, trader_id, cycle_number, timestamp, input_prompt, cot_trace,
	decision_json, raw_response, success, error_message,
	account_total_balance, account_available_balance, account_unrealized_profit,
	account_position_count, account_margin_used_pct, candidate_coins, execution_log`

// Latest returns the record with the highest cycle number.
func (j *SQLiteJournal) Latest(ctx context.Context, traderID string) (*DecisionRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+sqliteSelectColumns+`
		FROM decisions WHERE trader_id = ?
		ORDER BY cycle_number DESC LIMIT 1`, traderID)

	record, err := j.scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
func (j *SQLiteJournal) Range(ctx context.Context, traderID string, from, to int) ([]*DecisionRecord, error) {
	return j.queryRecords(ctx, `
		SELECT `+sqliteSelectColumns+`
		FROM decisions WHERE trader_id = ? AND cycle_number BETWEEN ? AND ?
		ORDER BY cycle_number ASC`, traderID, from, to)
}

// All returns the full history in ascending cycle order.
func (j *SQLiteJournal) All(ctx context.Context, traderID string) ([]*DecisionRecord, error) {
	return j.queryRecords(ctx, `
		SELECT `+sqliteSelectColumns+`
		FROM decisions WHERE trader_id = ?
		ORDER BY cycle_number ASC`, traderID)
}

// RestoreState reads the seed and latest records for boot-time recovery.
func (j *SQLiteJournal) RestoreState(ctx context.Context, traderID string) (*RestoredState, error) {
	var initialBalance float64
	err := j.db.QueryRowContext(ctx, `
		SELECT account_total_balance FROM decisions
		WHERE trader_id = ? AND cycle_number = 0`, traderID).Scan(&initialBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (j *SQLiteJournal) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*DecisionRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (j *SQLiteJournal) scanRecord(row rowScanner) (*DecisionRecord, error) {
	var (
		record       DecisionRecord
		timestampStr string
		rawResponse  sql.NullString
		candidates   string
		execLog      string
	)

	err := row.Scan(
		&record.ID, &record.TraderID, &record.CycleNumber, &timestampStr,
		&record.InputPrompt, &record.CoTTrace, &record.DecisionJSON, &rawResponse,
		&record.Success, &record.ErrorMessage,
		&record.AccountState.TotalBalance, &record.AccountState.AvailableBalance,
		&record.AccountState.UnrealizedProfit, &record.AccountState.PositionCount,
		&record.AccountState.MarginUsedPct, &candidates, &execLog,
	)
	if err != nil {
		return nil, err
	}

	record.Timestamp, _ = time.Parse(time.RFC3339Nano, timestampStr)
	record.RawResponse = rawResponse.String
	unmarshalRecordLists(&record, candidates, execLog)

	return &record, nil
}

func (j *SQLiteJournal) loadChildren(ctx context.Context, record *DecisionRecord) error {
	posRows, err := j.db.QueryContext(ctx, `
		SELECT symbol, side, quantity, entry_price, mark_price,
		       unrealized_profit, leverage, liquidation_price
		FROM positions WHERE decision_id = ? ORDER BY seq ASC`, record.ID)
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

	actRows, err := j.db.QueryContext(ctx, `
		SELECT action, symbol, quantity, leverage, price, order_id,
		       timestamp, success, error
		FROM decision_actions WHERE decision_id = ? ORDER BY seq ASC`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to query actions: %w", err)
	}
	defer actRows.Close()

	for actRows.Next() {
		var (
			action       Action
			timestampStr string
		)
		if err := actRows.Scan(
			&action.Action, &action.Symbol, &action.Quantity, &action.Leverage,
			&action.Price, &action.OrderID, &timestampStr, &action.Success, &action.Error,
		); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		action.Timestamp, _ = time.Parse(time.RFC3339Nano, timestampStr)
		record.Actions = append(record.Actions, action)
	}
	if err := actRows.Err(); err != nil {
		return fmt.Errorf("action iteration failed: %w", err)
	}

	return nil
}

func marshalRecordLists(record *DecisionRecord) (string, string) {
	candidates := record.CandidateCoins
	if candidates == nil {
		candidates = []string{}
	}
	execLog := record.ExecutionLog
	if execLog == nil {
		execLog = []string{}
	}

	candidatesJSON, _ := json.Marshal(candidates)
	execLogJSON, _ := json.Marshal(execLog)
	return string(candidatesJSON), string(execLogJSON)
}

func unmarshalRecordLists(record *DecisionRecord, candidates, execLog string) {
	if candidates != "" {
		json.Unmarshal([]byte(candidates), &record.CandidateCoins)
	}
	if execLog != "" {
		json.Unmarshal([]byte(execLog), &record.ExecutionLog)
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
