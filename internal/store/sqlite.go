package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiller/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a single SQLite database in WAL
// mode. Entities are persisted as JSON snapshots with the columns needed for
// querying pulled out alongside; the snapshot is the source of truth.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	state       TEXT NOT NULL,
	snapshot    TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(account_id, symbol);

CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	position_id  TEXT NOT NULL,
	client_token TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL,
	snapshot     TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	at          INTEGER NOT NULL,
	data        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_position ON events(position_id, at);

CREATE TABLE IF NOT EXISTS intents (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	snapshot    TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

CREATE TABLE IF NOT EXISTS leases (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The driver serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent lease contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates a position.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	snapshot, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshaling position %s: %w", pos.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, account_id, symbol, state, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		pos.ID.String(), pos.AccountID.String(), pos.Symbol, string(pos.State),
		string(snapshot), pos.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving position %s: %w", pos.ID, err)
	}
	return nil
}

// GetPosition retrieves a single position by its ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM positions WHERE id = ?`, id.String())
	return scanPosition(row)
}

// ListOpenPositions returns all positions that still need management.
// Error-state positions are included: they hold operator attention and, when
// recoverable, can return to Armed.
func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return s.listPositions(ctx, `
		SELECT snapshot FROM positions
		WHERE state IN ('armed', 'entering', 'active', 'exiting', 'error')
		ORDER BY updated_at DESC`)
}

// ListPositions returns every position, most recently updated first.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	return s.listPositions(ctx, `SELECT snapshot FROM positions ORDER BY updated_at DESC`)
}

// DeletePosition removes a position.
func (s *SQLiteStore) DeletePosition(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting position %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) listPositions(ctx context.Context, query string, args ...any) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var pos domain.Position
		if err := json.Unmarshal([]byte(snapshot), &pos); err != nil {
			return nil, fmt.Errorf("unmarshaling position: %w", err)
		}
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

func scanPosition(row *sql.Row) (*domain.Position, error) {
	var snapshot string
	if err := row.Scan(&snapshot); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var pos domain.Position
	if err := json.Unmarshal([]byte(snapshot), &pos); err != nil {
		return nil, fmt.Errorf("unmarshaling position: %w", err)
	}
	return &pos, nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts or updates an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	snapshot, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshaling order %s: %w", order.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, position_id, client_token, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		order.ID.String(), order.PositionID.String(), order.ClientToken,
		string(order.Status), string(snapshot), order.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.getOrder(ctx, `SELECT snapshot FROM orders WHERE id = ?`, id.String())
}

// GetOrderByToken retrieves an order by its client idempotency token.
func (s *SQLiteStore) GetOrderByToken(ctx context.Context, token string) (*domain.Order, error) {
	return s.getOrder(ctx, `SELECT snapshot FROM orders WHERE client_token = ?`, token)
}

// ListOrders returns all orders for a position, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, positionID uuid.UUID) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM orders WHERE position_id = ? ORDER BY updated_at ASC`,
		positionID.String())
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var order domain.Order
		if err := json.Unmarshal([]byte(snapshot), &order); err != nil {
			return nil, fmt.Errorf("unmarshaling order: %w", err)
		}
		orders = append(orders, &order)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) getOrder(ctx context.Context, query string, arg any) (*domain.Order, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&snapshot)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var order domain.Order
	if err := json.Unmarshal([]byte(snapshot), &order); err != nil {
		return nil, fmt.Errorf("unmarshaling order: %w", err)
	}
	return &order, nil
}

// ---------------------------------------------------------------------------
// EventStore implementation
// ---------------------------------------------------------------------------

// AppendEvents appends events to the log in order, atomically.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		var data any
		if len(ev.Data) > 0 {
			data = string(ev.Data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, position_id, type, at, data) VALUES (?, ?, ?, ?, ?)`,
			ev.ID.String(), ev.PositionID.String(), string(ev.Type), ev.At.UnixMilli(), data); err != nil {
			return fmt.Errorf("appending event %s: %w", ev.Type, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events for a position, oldest first, up to limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, positionID uuid.UUID, limit int) ([]domain.Event, error) {
	query := `SELECT id, position_id, type, at, data FROM events WHERE position_id = ? ORDER BY at ASC, id ASC`
	args := []any{positionID.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			id, posID, typ string
			at             int64
			data           sql.NullString
		)
		if err := rows.Scan(&id, &posID, &typ, &at, &data); err != nil {
			return nil, err
		}
		ev := domain.Event{
			Type: domain.EventType(typ),
			At:   time.UnixMilli(at).UTC(),
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing event id: %w", err)
		}
		if ev.PositionID, err = uuid.Parse(posID); err != nil {
			return nil, fmt.Errorf("parsing event position id: %w", err)
		}
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// IntentStore implementation
// ---------------------------------------------------------------------------

// CreateIntent journals a new intent. The primary key on the intent id makes
// the duplicate check and the insert a single atomic statement.
func (s *SQLiteStore) CreateIntent(ctx context.Context, intent *domain.Intent) error {
	snapshot, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshaling intent %s: %w", intent.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intents (id, position_id, kind, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		intent.ID.String(), intent.PositionID.String(), string(intent.Kind),
		string(intent.Status), string(snapshot), intent.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return ErrIntentExists
		}
		return fmt.Errorf("creating intent %s: %w", intent.ID, err)
	}
	return nil
}

// GetIntent retrieves an intent by its idempotency key.
func (s *SQLiteStore) GetIntent(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM intents WHERE id = ?`, id.String()).Scan(&snapshot)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var intent domain.Intent
	if err := json.Unmarshal([]byte(snapshot), &intent); err != nil {
		return nil, fmt.Errorf("unmarshaling intent: %w", err)
	}
	return &intent, nil
}

// UpdateIntent persists a status change.
func (s *SQLiteStore) UpdateIntent(ctx context.Context, intent *domain.Intent) error {
	snapshot, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshaling intent %s: %w", intent.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, snapshot = ?, updated_at = ? WHERE id = ?`,
		string(intent.Status), string(snapshot), intent.UpdatedAt.UnixMilli(), intent.ID.String())
	if err != nil {
		return fmt.Errorf("updating intent %s: %w", intent.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnresolvedIntents returns intents still pending or executing, oldest
// first.
func (s *SQLiteStore) ListUnresolvedIntents(ctx context.Context) ([]*domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM intents
		WHERE status IN ('pending', 'executing')
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved intents: %w", err)
	}
	defer rows.Close()

	var intents []*domain.Intent
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var intent domain.Intent
		if err := json.Unmarshal([]byte(snapshot), &intent); err != nil {
			return nil, fmt.Errorf("unmarshaling intent: %w", err)
		}
		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

// ---------------------------------------------------------------------------
// LeaseStore implementation
// ---------------------------------------------------------------------------

// AcquireLease takes the lease in one upsert: insert if free, steal if
// expired, refresh if already held by this holder. SQLite serializes the
// statement, so of two concurrent contenders exactly one sees rows affected.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		key, holder, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewLease extends a lease this holder still owns. A renewal that finds the
// lease expired or taken over returns false: the holder has lost ownership
// and must stop acting on the unit of work.
func (s *SQLiteStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE key = ? AND holder = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), key, holder, now)
	if err != nil {
		return false, fmt.Errorf("renewing lease %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if this holder owns it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("releasing lease %q: %w", key, err)
	}
	return nil
}

// HoldsLease reports whether the holder currently owns an unexpired lease.
func (s *SQLiteStore) HoldsLease(ctx context.Context, key, holder string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leases
		WHERE key = ? AND holder = ? AND expires_at > ?`,
		key, holder, time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking lease %q: %w", key, err)
	}
	return n > 0, nil
}
