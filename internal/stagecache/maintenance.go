package stagecache

import (
	"context"
	"fmt"

	"lectern/internal/database"
)

// Stats summarizes cache contents per stage.
type Stats struct {
	Entries      int64            `json:"entries"`
	PayloadBytes int64            `json:"payload_bytes"`
	ByStage      map[string]int64 `json:"by_stage"`
	Claims       int64            `json:"claims"`
}

// Invalidate removes a single fingerprint. Used when a downstream consumer
// proves a checkpoint wrong, never to overwrite it in place.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stage_cache WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("invalidate checkpoint: %w", err)
	}
	return nil
}

// InvalidateStage removes every checkpoint written for stage.
func (s *Store) InvalidateStage(ctx context.Context, stage string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stage_cache WHERE stage = ?`, stage)
	if err != nil {
		return 0, fmt.Errorf("invalidate stage %s: %w", stage, err)
	}
	return res.RowsAffected()
}

// Purge evicts expired entries and abandoned claims.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, database.FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired checkpoints: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stage_claims WHERE expires_at <= ?`, database.FormatTime(now)); err != nil {
		return removed, fmt.Errorf("purge stale claims: %w", err)
	}
	return removed, nil
}

// Stats reports entry counts and payload volume.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStage: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(1), COALESCE(SUM(LENGTH(payload)), 0) FROM stage_cache GROUP BY stage`)
	if err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage string
			count int64
			bytes int64
		)
		if err := rows.Scan(&stage, &count, &bytes); err != nil {
			return stats, fmt.Errorf("scan cache stats: %w", err)
		}
		stats.ByStage[stage] = count
		stats.Entries += count
		stats.PayloadBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stage_claims`).Scan(&stats.Claims); err != nil {
		return stats, fmt.Errorf("claim stats: %w", err)
	}
	return stats, nil
}
