package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

type entityTable struct {
	table string
	owner string
	// extra narrows which rows of table belong to the entity type
	extra string
}

var entityTables = map[models.EntityType]entityTable{
	models.EntityDocument:       {table: "documents", owner: "user_id"},
	models.EntityConversation:   {table: "conversations", owner: "user_id"},
	models.EntityGeneratedImage: {table: "generated_images", owner: "user_id"},
	models.EntityMessageImage:   {table: "message_images", owner: "user_id"},
	models.EntityAudioJob:       {table: "jobs", owner: "user_id", extra: ` AND type IN ('tts', 'transcription', 'translation')`},
	models.EntityAPIKey:         {table: "api_keys", owner: "user_id"},
	models.EntityUser:           {table: "users", owner: "id"},
}

func lookupEntity(entity models.EntityType) (entityTable, error) {
	t, ok := entityTables[entity]
	if !ok {
		return entityTable{}, joberr.New(joberr.KindInvalidRequest, "unknown entity type %q", entity)
	}
	return t, nil
}

// MarkDeleted flags an entity owned by userID as deleted and creates the
// deletion job for it in the same transaction. The caller enqueues the
// returned job. Audio jobs that are still running cannot be deleted.
func (s *Store) MarkDeleted(ctx context.Context, entity models.EntityType, id, userID uuid.UUID) (*models.Job, error) {
	t, err := lookupEntity(entity)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	extra := t.extra
	if entity == models.EntityAudioJob {
		extra += ` AND status <> 'processing'`
	}
	tag, err := tx.Exec(ctx,
		`UPDATE `+t.table+` SET deleted = true
		 WHERE id = $1 AND `+t.owner+` = $2 AND NOT deleted`+extra,
		id, userID)
	if err != nil {
		return nil, fmt.Errorf("flag %s deleted: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, joberr.New(joberr.KindNotFound, "%s %s", entity, id)
	}

	job, err := s.CreateTx(ctx, tx, userID, models.NewDeletionPayload(entity, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit soft delete: %w", err)
	}
	return job, nil
}

// Artifact names an entity whose on-disk files are keyed by ID.
type Artifact struct {
	Entity models.EntityType
	ID     uuid.UUID
}

// Artifacts lists the file owners that go away with an entity. An uploaded
// document file is named after the job that first accepted the upload, which
// differs from the document's job when the upload was retried.
func (s *Store) Artifacts(ctx context.Context, entity models.EntityType, id uuid.UUID) ([]Artifact, error) {
	switch entity {
	case models.EntityDocument:
		var (
			jobID *uuid.UUID
			path  string
		)
		err := s.db.QueryRow(ctx, `SELECT job_id, file_path FROM documents WHERE id = $1`, id).Scan(&jobID, &path)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load document artifacts: %w", err)
		}
		out := []Artifact{{Entity: entity, ID: id}}
		if jobID != nil {
			out = append(out, Artifact{Entity: entity, ID: *jobID})
		}
		if key, ok := UploadKey(path); ok && (jobID == nil || key != *jobID) {
			out = append(out, Artifact{Entity: entity, ID: key})
		}
		return out, nil

	case models.EntityConversation:
		return s.queryArtifacts(ctx,
			`SELECT 'message_image', mi.id FROM message_images mi
			 JOIN messages m ON m.id = mi.message_id
			 WHERE m.conversation_id = $1`, id)

	case models.EntityUser:
		return s.queryArtifacts(ctx,
			`SELECT 'document', id FROM documents WHERE user_id = $1
			 UNION ALL SELECT 'document', job_id FROM documents WHERE user_id = $1 AND job_id IS NOT NULL
			 UNION ALL SELECT 'document', id FROM jobs WHERE user_id = $1 AND type = 'embedding'
			 UNION ALL SELECT 'generated_image', id FROM generated_images WHERE user_id = $1
			 UNION ALL SELECT 'message_image', id FROM message_images WHERE user_id = $1
			 UNION ALL SELECT 'audio_job', id FROM jobs WHERE user_id = $1 AND type IN ('tts', 'transcription', 'translation')`, id)

	case models.EntityAPIKey:
		return nil, nil
	}

	if _, err := lookupEntity(entity); err != nil {
		return nil, err
	}
	return []Artifact{{Entity: entity, ID: id}}, nil
}

// UploadKey returns the job id an uploaded file was named after.
func UploadKey(path string) (uuid.UUID, bool) {
	base := filepath.Base(path)
	if len(base) < 36 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(base[:36])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Store) queryArtifacts(ctx context.Context, sql string, id uuid.UUID) ([]Artifact, error) {
	rows, err := s.db.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.Entity, &a.ID); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Purge hard-deletes an entity row; foreign keys cascade to its dependents.
// It returns the owner and whether a row existed. Purging an absent entity
// is not an error.
func (s *Store) Purge(ctx context.Context, entity models.EntityType, id uuid.UUID) (uuid.UUID, bool, error) {
	t, err := lookupEntity(entity)
	if err != nil {
		return uuid.Nil, false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner uuid.UUID
	err = tx.QueryRow(ctx,
		`DELETE FROM `+t.table+` WHERE id = $1`+t.extra+` RETURNING `+t.owner, id,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("purge %s: %w", entity, err)
	}

	if entity == models.EntityUser {
		// jobs carry no foreign key; running ones finish on their own
		if _, err := tx.Exec(ctx,
			`DELETE FROM jobs WHERE user_id = $1 AND status <> 'processing'`, id); err != nil {
			return uuid.Nil, false, fmt.Errorf("purge user jobs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("commit purge: %w", err)
	}
	return owner, true, nil
}

// abandonedUpload holds for upload paths whose every embedding job failed
// and that no document was built from.
const abandonedUpload = `
	NOT EXISTS (SELECT 1 FROM documents d WHERE d.file_path = p.file_path)
	AND NOT EXISTS (
		SELECT 1 FROM jobs o JOIN embedding_payloads op ON op.job_id = o.id
		WHERE op.file_path = p.file_path AND o.status <> 'failed')`

// ListAbandonedUploads returns the files of uploads whose embedding jobs all
// failed before the given time and were not retried since.
func (s *Store) ListAbandonedUploads(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT p.file_path FROM jobs j JOIN embedding_payloads p ON p.job_id = j.id
		 WHERE j.type = 'embedding' AND j.status = 'failed' AND NOT j.deleted AND `+abandonedUpload+`
		 GROUP BY p.file_path
		 HAVING max(j.updated_at) < $1
		 ORDER BY max(j.updated_at) LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned uploads: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan abandoned upload: %w", err)
	}
	return paths, nil
}

// ForgetUpload marks the failed embedding jobs of an abandoned upload
// deleted so they can no longer be retried. It reports false when the upload
// was retried or ingested in the meantime and its file must stay.
func (s *Store) ForgetUpload(ctx context.Context, path string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs j SET deleted = true, updated_at = now()
		 FROM embedding_payloads p
		 WHERE p.job_id = j.id AND p.file_path = $1
		   AND j.type = 'embedding' AND j.status = 'failed' AND NOT j.deleted AND `+abandonedUpload,
		path)
	if err != nil {
		return false, fmt.Errorf("forget upload: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RedriveDeletions creates a fresh deletion job for each entity whose latest
// deletion job failed before the given time, until the entity has used
// maxTries failed deletions. The caller enqueues the returned jobs.
func (s *Store) RedriveDeletions(ctx context.Context, before time.Time, maxTries, limit int) ([]*models.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	type target struct {
		userID uuid.UUID
		entity models.EntityType
		id     uuid.UUID
	}
	rows, err := tx.Query(ctx,
		`SELECT j.user_id, p.entity_type, p.entity_id
		 FROM jobs j JOIN deletion_payloads p ON p.job_id = j.id
		 WHERE j.type = 'deletion' AND j.status = 'failed' AND j.updated_at < $1
		   AND NOT EXISTS (
			SELECT 1 FROM jobs o JOIN deletion_payloads op ON op.job_id = o.id
			WHERE op.entity_type = p.entity_type AND op.entity_id = p.entity_id AND o.created_at > j.created_at)
		   AND (
			SELECT count(*) FROM jobs o JOIN deletion_payloads op ON op.job_id = o.id
			WHERE op.entity_type = p.entity_type AND op.entity_id = p.entity_id AND o.status = 'failed') < $2
		 ORDER BY j.updated_at LIMIT $3
		 FOR UPDATE OF j SKIP LOCKED`,
		before, maxTries, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed deletions: %w", err)
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (target, error) {
		var t target
		err := row.Scan(&t.userID, &t.entity, &t.id)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed deletion: %w", err)
	}

	out := make([]*models.Job, 0, len(targets))
	for _, t := range targets {
		job, err := s.CreateTx(ctx, tx, t.userID, models.NewDeletionPayload(t.entity, t.id))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit deletion redrive: %w", err)
	}
	return out, nil
}
