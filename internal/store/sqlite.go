package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	city        TEXT    NOT NULL,
	observed_at INTEGER NOT NULL,
	temperature REAL    NOT NULL,
	feels_like  REAL    NOT NULL,
	humidity    INTEGER NOT NULL,
	pressure    INTEGER NOT NULL,
	wind_speed  REAL    NOT NULL,
	description TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_city_observed ON readings(city, observed_at);
CREATE INDEX IF NOT EXISTS idx_readings_observed ON readings(observed_at);`

const readingColumns = `city, observed_at, temperature, feels_like, humidity, pressure, wind_speed, description`

// Options tunes the SQLite connection pool. Zero values keep driver defaults.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// SQLiteStore implements Store on a single SQLite file. observed_at is stored
// as unix nanoseconds so ordering and round trips are exact.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	dsn, err := buildDSN(path, opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// buildDSN turns a file path into a go-sqlite3 DSN with WAL and a busy timeout,
// so readers are not blocked by the batch writer.
func buildDSN(path string, opts Options) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", busy.Milliseconds()),
		"_journal_mode=WAL",
		"_txlock=immediate",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// InsertBatch implements Store. All rows share one transaction.
func (s *SQLiteStore) InsertBatch(ctx context.Context, readings []models.Reading) (err error) {
	if len(readings) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observability.ObserveStoreOp("insert_batch", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWrite, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings(`+readingColumns+`) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %w", ErrWrite, err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err = stmt.ExecContext(ctx,
			r.City, r.ObservedAt.UTC().UnixNano(),
			r.Temperature, r.FeelsLike, r.Humidity, r.Pressure, r.WindSpeed, r.Description,
		); err != nil {
			return fmt.Errorf("%w: insert %s: %w", ErrWrite, r.City, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWrite, err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, city string) (r models.Reading, ok bool, err error) {
	start := time.Now()
	defer func() { observability.ObserveStoreOp("latest", start, err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE city = ? ORDER BY observed_at DESC, id DESC LIMIT 1`, city)
	r, err = scanReading(row)
	if err == sql.ErrNoRows {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, fmt.Errorf("%w: latest %s: %w", ErrRead, city, err)
	}
	return r, true, nil
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, city string, since time.Time) (out []models.Reading, err error) {
	start := time.Now()
	defer func() { observability.ObserveStoreOp("history", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE city = ? AND observed_at >= ? ORDER BY observed_at ASC, id ASC`,
		city, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %w", ErrRead, city, err)
	}
	defer rows.Close()

	out = make([]models.Reading, 0)
	for rows.Next() {
		r, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: scan history: %w", ErrRead, scanErr)
		}
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows: %w", ErrRead, err)
	}
	return out, nil
}

// Stats implements Store. Aggregates are nil when no rows match.
func (s *SQLiteStore) Stats(ctx context.Context, city string, since time.Time) (st models.Stats, err error) {
	start := time.Now()
	defer func() { observability.ObserveStoreOp("stats", start, err) }()

	var (
		n                         int
		avgTemp, minTemp, maxTemp sql.NullFloat64
		avgHumidity               sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(temperature), MIN(temperature), MAX(temperature), AVG(humidity)
		   FROM readings WHERE city = ? AND observed_at >= ?`,
		city, since.UTC().UnixNano(),
	).Scan(&n, &avgTemp, &minTemp, &maxTemp, &avgHumidity)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%w: stats %s: %w", ErrRead, city, err)
	}

	st = models.Stats{City: city, Samples: n}
	if n == 0 {
		return st, nil
	}
	st.AvgTemperature = rounded(avgTemp)
	st.MinTemperature = rounded(minTemp)
	st.MaxTemperature = rounded(maxTemp)
	st.AvgHumidity = rounded(avgHumidity)
	return st, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrRead, err)
	}
	return n, nil
}

// DeleteBefore implements Store.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { observability.ObserveStoreOp("delete_before", start, err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE observed_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: delete before %s: %w", ErrWrite, cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (models.Reading, error) {
	var (
		r  models.Reading
		ns int64
	)
	if err := row.Scan(&r.City, &ns, &r.Temperature, &r.FeelsLike, &r.Humidity, &r.Pressure, &r.WindSpeed, &r.Description); err != nil {
		return models.Reading{}, err
	}
	r.ObservedAt = time.Unix(0, ns).UTC()
	return r, nil
}

func rounded(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := RoundOne(v.Float64)
	return &out
}
