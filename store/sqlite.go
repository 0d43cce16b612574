package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/everydev1618/fleet/protocol"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		options    TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS hosts (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		docker_client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		host             TEXT NOT NULL,
		port             INTEGER NOT NULL,
		secure           INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL DEFAULT 0,
		type      TEXT NOT NULL,
		data      TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_client ON hosts(docker_client_id);
	CREATE INDEX IF NOT EXISTS idx_events_client ON events(client_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertClient persists a client and returns its id.
func (s *SQLiteStore) InsertClient(ctx context.Context, name string, opts protocol.ClientOptions) (int64, error) {
	raw, err := json.Marshal(opts)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (name, options, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, string(raw), now, now,
	)
	if err != nil {
		return 0, conflict(err, "client "+name)
	}
	return res.LastInsertId()
}

// UpdateClient replaces the name and options of a client.
func (s *SQLiteStore) UpdateClient(ctx context.Context, id int64, name string, opts protocol.ClientOptions) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET name = ?, options = ?, updated_at = ? WHERE id = ?`,
		name, string(raw), time.Now().UTC(), id,
	)
	if err != nil {
		return conflict(err, "client "+name)
	}
	return affected(res, fmt.Sprintf("client %d", id))
}

// DeleteClient removes a client together with its hosts.
func (s *SQLiteStore) DeleteClient(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("client %d", id))
}

// GetClient returns a client by id.
func (s *SQLiteStore) GetClient(ctx context.Context, id int64) (Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, options, created_at, updated_at FROM clients WHERE id = ?`, id)
	return scanClient(row, fmt.Sprintf("client %d", id))
}

// GetClientByName returns a client by its unique name.
func (s *SQLiteStore) GetClientByName(ctx context.Context, name string) (Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, options, created_at, updated_at FROM clients WHERE name = ?`, name)
	return scanClient(row, "client "+name)
}

// ListClients returns all clients ordered by id.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, options, created_at, updated_at FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		c, err := scanClient(rows, "client")
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner, what string) (Client, error) {
	var c Client
	var opts string
	if err := row.Scan(&c.ID, &c.Name, &opts, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return c, err
	}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &c.Options); err != nil {
			return c, fmt.Errorf("decode options of client %d: %w", c.ID, err)
		}
	}
	return c, nil
}

// ListHosts returns the hosts of a client ordered by id.
func (s *SQLiteStore) ListHosts(ctx context.Context, clientID int64) ([]protocol.Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, host, port, secure FROM hosts WHERE docker_client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []protocol.Host
	for rows.Next() {
		var h protocol.Host
		if err := rows.Scan(&h.ID, &h.Name, &h.Host, &h.Port, &h.Secure); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// InsertHost persists a host for a client and returns its id.
func (s *SQLiteStore) InsertHost(ctx context.Context, clientID int64, h protocol.Host) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (docker_client_id, name, host, port, secure, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientID, h.Name, h.Host, h.Port, h.Secure, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateHost replaces the settings of a host owned by clientID.
func (s *SQLiteStore) UpdateHost(ctx context.Context, clientID int64, h protocol.Host) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET name = ?, host = ?, port = ?, secure = ?, updated_at = ?
		 WHERE id = ? AND docker_client_id = ?`,
		h.Name, h.Host, h.Port, h.Secure, time.Now().UTC(), h.ID, clientID,
	)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("host %d", h.ID))
}

// DeleteHost removes a host owned by clientID.
func (s *SQLiteStore) DeleteHost(ctx context.Context, clientID, hostID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM hosts WHERE id = ? AND docker_client_id = ?`, hostID, clientID)
	return err
}

// DeleteHosts removes every host of a client.
func (s *SQLiteStore) DeleteHosts(ctx context.Context, clientID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE docker_client_id = ?`, clientID)
	return err
}

// InsertEvent records an outward event.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (client_id, type, data, timestamp) VALUES (?, ?, ?, ?)`,
		e.ClientID, e.Type, e.Data, e.Timestamp.UTC(),
	)
	return err
}

// ListEvents returns recent events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, clientID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, client_id, type, data, timestamp FROM events`
	args := []any{}
	if clientID != 0 {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Type, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Tables lists the tables owned by the store, in deletion order.
var Tables = []string{"events", "hosts", "clients"}

// Count returns the number of rows in one of Tables.
func (s *SQLiteStore) Count(ctx context.Context, table string) (int, error) {
	if !owned(table) {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

// PruneEvents deletes events older than before and returns how many went.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reset deletes every row of every table and compacts the file.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, t := range Tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil && !strings.Contains(err.Error(), "no such table") {
		return err
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func owned(table string) bool {
	for _, t := range Tables {
		if t == table {
			return true
		}
	}
	return false
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func conflict(err error, what string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return err
}
