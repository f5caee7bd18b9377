package jobs

import (
	"database/sql"
	"strings"

	"lectern/internal/database"
)

const jobColumns = "id, user_id, status, stage, profile, input_type, input_ref, title, cancel_requested, lease_owner, lease_expires_at, error_stage, error_kind, error_message, progress_percent, context_json, attempts, created_at, updated_at, started_at, finished_at"

const artifactColumns = "job_id, type, status, storage_key, size_bytes, error_message, created_at, updated_at"

const eventColumns = "job_id, generation, seq, ordinal, stage, status, percent, message, terminal, created_at"

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job             Job
		status          string
		stage           sql.NullString
		title           sql.NullString
		cancelRequested int64
		leaseOwner      sql.NullString
		leaseExpires    sql.NullString
		errorStage      sql.NullString
		errorKind       sql.NullString
		errorMessage    sql.NullString
		contextJSON     sql.NullString
		createdRaw      string
		updatedRaw      string
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.UserID,
		&status,
		&stage,
		&job.Profile,
		&job.InputType,
		&job.InputRef,
		&title,
		&cancelRequested,
		&leaseOwner,
		&leaseExpires,
		&errorStage,
		&errorKind,
		&errorMessage,
		&job.ProgressPercent,
		&contextJSON,
		&job.Attempts,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.Stage = stage.String
	job.Title = title.String
	job.CancelRequested = cancelRequested != 0
	job.LeaseOwner = leaseOwner.String
	job.LeaseExpiresAt = database.ParseTime(leaseExpires.String)
	job.ErrorStage = errorStage.String
	job.ErrorKind = errorKind.String
	job.ErrorMessage = errorMessage.String
	job.ContextJSON = contextJSON.String
	job.CreatedAt = database.ParseTime(createdRaw)
	job.UpdatedAt = database.ParseTime(updatedRaw)
	job.StartedAt = database.ParseTime(startedRaw.String)
	job.FinishedAt = database.ParseTime(finishedRaw.String)
	return &job, nil
}

func scanArtifact(scanner rowScanner) (*Artifact, error) {
	var (
		art          Artifact
		kind         string
		status       string
		storageKey   sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(&art.JobID, &kind, &status, &storageKey, &art.SizeBytes, &errorMessage, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	art.Type = ArtifactType(kind)
	art.Status = ArtifactStatus(status)
	art.StorageKey = storageKey.String
	art.ErrorMessage = errorMessage.String
	art.CreatedAt = database.ParseTime(createdRaw)
	art.UpdatedAt = database.ParseTime(updatedRaw)
	return &art, nil
}

func scanEvent(scanner rowScanner) (Event, error) {
	var (
		ev         Event
		stage      sql.NullString
		message    sql.NullString
		terminal   int64
		createdRaw string
	)
	if err := scanner.Scan(&ev.JobID, &ev.Generation, &ev.Seq, &ev.Ordinal, &stage, &ev.Status, &ev.Percent, &message, &terminal, &createdRaw); err != nil {
		return Event{}, err
	}
	ev.Stage = stage.String
	ev.Message = message.String
	ev.Terminal = terminal != 0
	ev.CreatedAt = database.ParseTime(createdRaw)
	return ev, nil
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
