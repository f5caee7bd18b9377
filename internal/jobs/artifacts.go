package jobs

import (
	"context"
	"fmt"

	"lectern/internal/database"
)

// UpsertArtifact creates or replaces the (job, type) artifact row. Each
// artifact type moves through pending, ready and failed on its own.
func (s *Store) UpsertArtifact(ctx context.Context, art Artifact) error {
	if art.JobID == "" || art.Type == "" {
		return fmt.Errorf("upsert artifact: job id and type are required")
	}
	if art.Status == "" {
		art.Status = ArtifactPending
	}
	now := database.FormatTime(s.now())
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (job_id, type, status, storage_key, size_bytes, error_message, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(job_id, type) DO UPDATE SET
             status = excluded.status,
             storage_key = COALESCE(excluded.storage_key, artifacts.storage_key),
             size_bytes = excluded.size_bytes,
             error_message = excluded.error_message,
             updated_at = excluded.updated_at`,
		art.JobID,
		art.Type,
		art.Status,
		database.NullableString(art.StorageKey),
		art.SizeBytes,
		database.NullableString(art.ErrorMessage),
		now,
		now,
	); err != nil {
		return fmt.Errorf("upsert artifact %s/%s: %w", art.JobID, art.Type, err)
	}
	return nil
}

// Artifacts lists a job's artifacts ordered by type.
func (s *Store) Artifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? ORDER BY type`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, art)
	}
	return out, rows.Err()
}
