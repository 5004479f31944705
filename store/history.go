package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

// History persists drained dirty points into the history table. It is the
// cache flush tick's persistence hook.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistory creates a history sink over an open gateway database
func NewHistory(db *sql.DB, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{db: db, logger: logger.With("component", "history")}
}

// Flush appends one row per drained point inside a single transaction
func (h *History) Flush(points []valuecache.Snapshot) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("history.Flush: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO history (point_id, value, quality, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history.Flush: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(p.PointID, p.Value, string(p.Quality), p.UpdatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("history.Flush: insert point %d: %w", p.PointID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history.Flush: commit: %w", err)
	}
	h.logger.Debug("history rows written", "count", len(points))
	return nil
}
