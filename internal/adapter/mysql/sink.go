// Package mysql stores metric points in MySQL and answers watermark queries
// against them.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"

	"sleep-scraper/internal/domain"
)

// Client implements ports.PointStore and ports.WatermarkSource on the
// metric_points table.
type Client struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// NormalizeDSN forces the driver options the store relies on: parsed
// DATETIME columns in UTC.
// Example DSN: user:pass@tcp(host:3306)/dbname
func NormalizeDSN(dsn string) (*mysql.Config, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}

// NewClient opens a MySQL connection pool.
func NewClient(ctx context.Context, dsn string, log *slog.Logger) (*Client, error) {
	cfg, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		db.Close()
		return nil, err
	}
	return &Client{db: db, log: log, now: time.Now}, nil
}

// WritePoints upserts points in one transaction. A point with the same
// measurement, entity and timestamp replaces the stored one.
func (c *Client) WritePoints(ctx context.Context, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	const q = `
INSERT INTO metric_points
  (measurement, entity, ts, tags, fields, written_at)
VALUES
  (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  tags=VALUES(tags),
  fields=VALUES(fields),
  written_at=VALUES(written_at);
`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	written := c.now().UTC()
	for _, p := range points {
		tags, err := json.Marshal(p.Tags)
		if err != nil {
			tx.Rollback()
			return err
		}
		fields, err := json.Marshal(p.Fields)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.Measurement, p.Entity, p.Time.UTC(), string(tags), string(fields), written); err != nil {
			tx.Rollback()
			return fmt.Errorf("mysql: write point %s/%s: %w", p.Measurement, p.Entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Info("mysql sink upserted points", slog.Int("count", len(points)))
	return nil
}

// LatestTimestamp returns the newest stored timestamp for entity in
// measurement. since limits the scan when non-zero. ok is false only when the
// query succeeded and found no rows.
func (c *Client) LatestTimestamp(ctx context.Context, entity, measurement string, since time.Time) (time.Time, bool, error) {
	q := "SELECT ts FROM metric_points WHERE measurement = ? AND entity = ?"
	args := []any{measurement, entity}
	if !since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, since.UTC())
	}
	q += " ORDER BY ts DESC LIMIT 1"

	var ts time.Time
	err := c.db.QueryRowContext(ctx, q, args...).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.UTC(), true, nil
}

// DeletePoints removes every point of measurement.
func (c *Client) DeletePoints(ctx context.Context, measurement string) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM metric_points WHERE measurement = ?", measurement)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	c.log.Info("mysql sink deleted points", slog.String("measurement", measurement), slog.Int64("count", n))
	return n, nil
}

// Close closes the underlying DB. Not wired via interface to keep ports minimal.
func (c *Client) Close() error { return c.db.Close() }
