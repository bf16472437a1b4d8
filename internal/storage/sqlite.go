package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultMaxAttempts = 5

// Store wraps the SQLite database backing the durable delivery outbox.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "outbox.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Deliveries ---

// EnqueueDelivery inserts a pending delivery. RunAfter defaults to now and
// MaxAttempts to 5.
func (s *Store) EnqueueDelivery(d Delivery) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !d.RunAfter.IsZero() {
		runAfter = d.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, observed_at, signal, value, context_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		d.ID, d.ObservedAt.UTC().Format(time.RFC3339), d.Signal, d.Value, d.ContextJSON,
		maxAttempts, runAfter, now, now,
	)
	return err
}

const deliveryColumns = `id, observed_at, signal, value, context_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var d Delivery
	var observedAt, runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&d.ID, &observedAt, &d.Signal, &d.Value, &d.ContextJSON, &d.Status,
		&d.Attempts, &d.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Delivery{}, err
	}
	d.LastError = lastError.String

	var err error
	if d.ObservedAt, err = time.Parse(time.RFC3339, observedAt); err != nil {
		return Delivery{}, fmt.Errorf("parsing observed_at for delivery %s: %w", d.ID, err)
	}
	if d.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Delivery{}, fmt.Errorf("parsing run_after for delivery %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Delivery{}, fmt.Errorf("parsing created_at for delivery %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Delivery{}, fmt.Errorf("parsing updated_at for delivery %s: %w", d.ID, err)
	}
	return d, nil
}

// GetDelivery loads one delivery by ID.
func (s *Store) GetDelivery(id string) (Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Delivery{}, ErrNotFound
	}
	return d, err
}

// ClaimNextDelivery marks the oldest due pending delivery as running and
// returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextDelivery() (*Delivery, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	d, err := scanDelivery(tx.QueryRow(`SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next delivery: %w", err)
	}

	res, err := tx.Exec(`UPDATE deliveries SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, d.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating delivery status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated delivery rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	d.Status = StatusRunning
	if d.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for delivery %s: %w", d.ID, err)
	}
	return &d, nil
}

// CompleteDelivery marks a delivery as delivered.
func (s *Store) CompleteDelivery(id string) error {
	return s.setStatus(id, StatusDelivered, "")
}

// AbandonDelivery marks a delivery as permanently failed without further attempts.
func (s *Store) AbandonDelivery(id, errMsg string) error {
	return s.setStatus(id, StatusFailed, errMsg)
}

func (s *Store) setStatus(id, status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = s.db.Exec(`UPDATE deliveries SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	} else {
		res, err = s.db.Exec(`UPDATE deliveries SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`, status, errMsg, now, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailDelivery records a failed attempt. The delivery goes back to pending
// with exponential backoff, or to failed once max_attempts is reached; the
// returned bool reports the latter.
func (s *Store) FailDelivery(id string, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM deliveries WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++
	exhausted := attempts >= maxAttempts

	if exhausted {
		_, err = tx.Exec(`UPDATE deliveries SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE deliveries SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return false, err
	}

	return exhausted, tx.Commit()
}

// ReleaseRunning returns deliveries left running by a previous process to
// pending. Call it once at startup.
func (s *Store) ReleaseRunning() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE deliveries SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountByStatus returns how many deliveries are in the given status.
func (s *Store) CountByStatus(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM deliveries WHERE status = ?`, status).Scan(&n)
	return n, err
}
