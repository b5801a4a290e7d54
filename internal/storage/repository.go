package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"anchored-view/internal/anchor"
	"anchored-view/internal/events"
	"anchored-view/internal/oracle"
	"anchored-view/internal/pricedata"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInvalidBundle indicates a bundle that can never be processed.
	ErrInvalidBundle = errors.New("storage: invalid bundle")
)

const (
	insertEventSQL = `INSERT INTO oracle_events (kind, payload, recorded_at)
    VALUES ($1, $2, $3);`

	upsertObservationSQL = `INSERT INTO observations (source, key, ts, value, updated_at)
    VALUES ($1, $2, $3::numeric, $4::numeric, $5)
    ON CONFLICT (source, key) DO UPDATE
    SET ts         = EXCLUDED.ts,
        value      = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at
    WHERE EXCLUDED.ts >= observations.ts;`

	upsertPublishedPriceSQL = `INSERT INTO published_prices (symbol_hash, symbol, price, updated_at)
    VALUES ($1, $2, $3::numeric, $4)
    ON CONFLICT (symbol_hash) DO UPDATE
    SET symbol     = EXCLUDED.symbol,
        price      = EXCLUDED.price,
        updated_at = EXCLUDED.updated_at;`

	insertPriceHistorySQL = `INSERT INTO price_history (symbol, price, recorded_at)
    VALUES ($1, $2::numeric, $3);`

	upsertAnchorWindowSQL = `INSERT INTO anchor_windows (symbol_hash, old_ts, new_ts, old_acc, new_acc, updated_at)
    VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
    ON CONFLICT (symbol_hash) DO UPDATE
    SET old_ts     = EXCLUDED.old_ts,
        new_ts     = EXCLUDED.new_ts,
        old_acc    = EXCLUDED.old_acc,
        new_acc    = EXCLUDED.new_acc,
        updated_at = EXCLUDED.updated_at;`

	upsertReporterStatusSQL = `INSERT INTO reporter_status (id, reporter, invalidated, invalidated_at)
    VALUES (1, $1, TRUE, $2)
    ON CONFLICT (id) DO UPDATE
    SET reporter       = EXCLUDED.reporter,
        invalidated    = TRUE,
        invalidated_at = COALESCE(reporter_status.invalidated_at, EXCLUDED.invalidated_at);`

	upsertFailoverSQL = `INSERT INTO failover_status (symbol_hash, symbol, active, updated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (symbol_hash) DO UPDATE
    SET symbol     = EXCLUDED.symbol,
        active     = EXCLUDED.active,
        updated_at = EXCLUDED.updated_at;`

	listFailoverSQL = `SELECT symbol_hash, active FROM failover_status;`

	listObservationsSQL = `SELECT source, key, ts::text, value::text FROM observations;`

	listPublishedPricesSQL = `SELECT symbol_hash, price::text FROM published_prices;`

	listAnchorWindowsSQL = `SELECT symbol_hash, old_ts, new_ts, old_acc::text, new_acc::text FROM anchor_windows;`

	reporterInvalidatedSQL = `SELECT COALESCE(bool_or(invalidated), FALSE) FROM reporter_status;`

	insertBundleSQL = `INSERT INTO price_bundles (kind, messages, signatures, symbols)
    VALUES ($1, $2, $3, $4)
    RETURNING id, status, created_at;`

	listPendingBundlesSQL = `SELECT id, kind, messages, signatures, symbols, status, error, created_at
    FROM price_bundles
    WHERE status = 'pending'
    ORDER BY id
    LIMIT $1;`

	markBundleSQL = `UPDATE price_bundles
    SET status = $2, error = $3, processed_at = now()
    WHERE id = $1;`

	listRecentEventsSQL = `SELECT id, kind, payload, recorded_at
    FROM oracle_events
    ORDER BY id DESC
    LIMIT $1;`

	listPriceHistorySQL = `SELECT symbol, price::text, recorded_at
    FROM price_history
    WHERE symbol = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at
    LIMIT $4;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore persists committed oracle events and their derived state.
type EventStore interface {
	RecordEvents(ctx context.Context, evs []events.Event, at time.Time) error
}

// StateLoader rebuilds oracle state on startup.
type StateLoader interface {
	LoadState(ctx context.Context) (oracle.State, error)
}

// BundleInbox is the queue external posters write signed bundles into.
type BundleInbox interface {
	InsertBundle(ctx context.Context, b Bundle) (Bundle, error)
	PendingBundles(ctx context.Context, limit int) ([]Bundle, error)
	MarkBundle(ctx context.Context, id int64, status string, errMsg string) error
}

// HistoryReader serves the show and export commands.
type HistoryReader interface {
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	ListPriceHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]PricePoint, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to oracle persistence.
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
		// best effort; the session lock also dies with the connection
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

// statement is one parameterised write derived from an event.
type statement struct {
	sql  string
	args []any
}

// eventStatements maps an event onto the rows it touches, log row first.
func eventStatements(ev events.Event, at time.Time) ([]statement, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	stmts := []statement{{sql: insertEventSQL, args: []any{string(ev.Kind()), payload, at}}}

	switch e := ev.(type) {
	case events.Write:
		stmts = append(stmts, statement{sql: upsertObservationSQL, args: []any{
			strings.ToLower(e.Source.Hex()), e.Key,
			strconv.FormatUint(e.Timestamp, 10), strconv.FormatUint(e.Value, 10), at,
		}})
	case events.PriceUpdated:
		stmts = append(stmts,
			statement{sql: upsertPublishedPriceSQL, args: []any{e.SymbolHash.Hex(), e.Symbol, e.Price.String(), at}},
			statement{sql: insertPriceHistorySQL, args: []any{e.Symbol, e.Price.String(), at}},
		)
	case events.AnchorWindowUpdated:
		stmts = append(stmts, statement{sql: upsertAnchorWindowSQL, args: []any{
			e.SymbolHash.Hex(), int64(e.OldTimestamp), int64(e.NewTimestamp),
			e.OldAccumulator.Dec(), e.NewAccumulator.Dec(), at,
		}})
	case events.ReporterInvalidated:
		stmts = append(stmts, statement{sql: upsertReporterStatusSQL, args: []any{e.Reporter.Hex(), at}})
	case events.FailoverActivated:
		stmts = append(stmts, statement{sql: upsertFailoverSQL, args: []any{e.SymbolHash.Hex(), e.Symbol, true, at}})
	case events.FailoverDeactivated:
		stmts = append(stmts, statement{sql: upsertFailoverSQL, args: []any{e.SymbolHash.Hex(), e.Symbol, false, at}})
	}
	return stmts, nil
}

// RecordEvents appends evs to the event log and applies their state changes
// in one transaction.
func (s *Store) RecordEvents(ctx context.Context, evs []events.Event, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}

	batch := make([]statement, 0, len(evs)*2)
	for _, ev := range evs {
		stmts, err := eventStatements(ev, at)
		if err != nil {
			return err
		}
		batch = append(batch, stmts...)
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, st := range batch {
			if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
				return fmt.Errorf("record events: %w", err)
			}
		}
		return nil
	})
}

// LoadState reads every persisted observation, published price, anchor
// window and failover flag, and the reporter flag.
func (s *Store) LoadState(ctx context.Context) (oracle.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.State{}, err
	}

	st := oracle.State{
		Prices:   make(map[common.Hash]*big.Int),
		Windows:  make(map[common.Hash]anchor.Window),
		Failover: make(map[common.Hash]bool),
	}

	rows, err := pool.Query(ctx, listObservationsSQL)
	if err != nil {
		return oracle.State{}, fmt.Errorf("list observations: %w", err)
	}
	for rows.Next() {
		var source, key, ts, value string
		if err := rows.Scan(&source, &key, &ts, &value); err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		entry, err := parseObservation(source, key, ts, value)
		if err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		st.Observations = append(st.Observations, entry)
	}
	rows.Close()
	if rows.Err() != nil {
		return oracle.State{}, rows.Err()
	}

	rows, err = pool.Query(ctx, listPublishedPricesSQL)
	if err != nil {
		return oracle.State{}, fmt.Errorf("list published prices: %w", err)
	}
	for rows.Next() {
		var hash, price string
		if err := rows.Scan(&hash, &price); err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		p, ok := new(big.Int).SetString(price, 10)
		if !ok {
			rows.Close()
			return oracle.State{}, fmt.Errorf("parse published price %q", price)
		}
		st.Prices[common.HexToHash(hash)] = p
	}
	rows.Close()
	if rows.Err() != nil {
		return oracle.State{}, rows.Err()
	}

	rows, err = pool.Query(ctx, listAnchorWindowsSQL)
	if err != nil {
		return oracle.State{}, fmt.Errorf("list anchor windows: %w", err)
	}
	for rows.Next() {
		var hash, oldAcc, newAcc string
		var oldTS, newTS int64
		if err := rows.Scan(&hash, &oldTS, &newTS, &oldAcc, &newAcc); err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		w, err := parseWindow(oldTS, newTS, oldAcc, newAcc)
		if err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		st.Windows[common.HexToHash(hash)] = w
	}
	rows.Close()
	if rows.Err() != nil {
		return oracle.State{}, rows.Err()
	}

	rows, err = pool.Query(ctx, listFailoverSQL)
	if err != nil {
		return oracle.State{}, fmt.Errorf("list failover status: %w", err)
	}
	for rows.Next() {
		var hash string
		var active bool
		if err := rows.Scan(&hash, &active); err != nil {
			rows.Close()
			return oracle.State{}, err
		}
		st.Failover[common.HexToHash(hash)] = active
	}
	rows.Close()
	if rows.Err() != nil {
		return oracle.State{}, rows.Err()
	}

	if err := pool.QueryRow(ctx, reporterInvalidatedSQL).Scan(&st.ReporterInvalidated); err != nil {
		return oracle.State{}, fmt.Errorf("read reporter status: %w", err)
	}

	return st, nil
}

func parseObservation(source, key, ts, value string) (pricedata.Entry, error) {
	timestamp, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return pricedata.Entry{}, fmt.Errorf("parse observation timestamp: %w", err)
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return pricedata.Entry{}, fmt.Errorf("parse observation value: %w", err)
	}
	return pricedata.Entry{
		Source: common.HexToAddress(source),
		Key:    key,
		Record: pricedata.Record{Timestamp: timestamp, Value: v},
	}, nil
}

func parseWindow(oldTS, newTS int64, oldAcc, newAcc string) (anchor.Window, error) {
	oldA, err := uint256.FromDecimal(oldAcc)
	if err != nil {
		return anchor.Window{}, fmt.Errorf("parse old accumulator: %w", err)
	}
	newA, err := uint256.FromDecimal(newAcc)
	if err != nil {
		return anchor.Window{}, fmt.Errorf("parse new accumulator: %w", err)
	}
	return anchor.Window{
		Old: anchor.Observation{Timestamp: uint32(oldTS), Acc: oldA},
		New: anchor.Observation{Timestamp: uint32(newTS), Acc: newA},
	}, nil
}

// ValidateBundle checks the structural shape of a bundle.
func ValidateBundle(b Bundle) error {
	switch b.Kind {
	case BundleKindPrices:
		if len(b.Messages) != len(b.Signatures) {
			return fmt.Errorf("%w: %d messages, %d signatures", ErrInvalidBundle, len(b.Messages), len(b.Signatures))
		}
		if len(b.Messages) == 0 && len(b.Symbols) == 0 {
			return fmt.Errorf("%w: prices bundle without messages or symbols", ErrInvalidBundle)
		}
	case BundleKindInvalidate:
		if len(b.Messages) != 1 || len(b.Signatures) != 1 || len(b.Symbols) != 0 {
			return fmt.Errorf("%w: invalidate bundle takes one message, one signature and no symbols", ErrInvalidBundle)
		}
	case BundleKindFailoverOn, BundleKindFailoverOff:
		if len(b.Messages) != 0 || len(b.Signatures) != 0 || len(b.Symbols) != 1 {
			return fmt.Errorf("%w: failover bundle takes exactly one symbol and no messages", ErrInvalidBundle)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidBundle, b.Kind)
	}
	return nil
}

// InsertBundle queues a signed bundle.
func (s *Store) InsertBundle(ctx context.Context, b Bundle) (Bundle, error) {
	pool, err := s.getPool()
	if err != nil {
		return Bundle{}, err
	}
	if err := ValidateBundle(b); err != nil {
		return Bundle{}, err
	}

	messages, signatures, symbols := b.Messages, b.Signatures, b.Symbols
	if messages == nil {
		messages = [][]byte{}
	}
	if signatures == nil {
		signatures = [][]byte{}
	}
	if symbols == nil {
		symbols = []string{}
	}
	if err := pool.QueryRow(ctx, insertBundleSQL, b.Kind, messages, signatures, symbols).
		Scan(&b.ID, &b.Status, &b.CreatedAt); err != nil {
		return Bundle{}, fmt.Errorf("insert bundle: %w", err)
	}
	return b, nil
}

// PendingBundles lists the oldest pending bundles.
func (s *Store) PendingBundles(ctx context.Context, limit int) ([]Bundle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingBundlesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending bundles: %w", queryErr)
	}
	defer rows.Close()

	bundles := make([]Bundle, 0, limit)
	for rows.Next() {
		var b Bundle
		if err := rows.Scan(&b.ID, &b.Kind, &b.Messages, &b.Signatures, &b.Symbols, &b.Status, &b.Error, &b.CreatedAt); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bundles, nil
}

// MarkBundle records the outcome of processing a bundle.
func (s *Store) MarkBundle(ctx context.Context, id int64, status string, errMsg string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	cmdTag, execErr := pool.Exec(ctx, markBundleSQL, id, status, msg)
	if execErr != nil {
		return fmt.Errorf("mark bundle: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentEvents lists the most recent events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListPriceHistory lists published prices of symbol within [from, to).
func (s *Store) ListPriceHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceHistorySQL, symbol, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		var (
			p     PricePoint
			price string
		)
		if err := rows.Scan(&p.Symbol, &price, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.Price, err = ScalePrice(price)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// ScalePrice converts a 1e6-unit integer price into USD.
func ScalePrice(raw string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("parse price %q", raw)
	}
	return decimal.NewFromBigInt(v, -6), nil
}

var (
	_ EventStore     = (*Store)(nil)
	_ StateLoader    = (*Store)(nil)
	_ BundleInbox    = (*Store)(nil)
	_ HistoryReader  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
