// Package sqlite implements the generation repository on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	prompt_text TEXT NOT NULL,
	image_path TEXT,
	image_urls TEXT,
	brand_persona TEXT,
	brand_persona_image_urls TEXT,
	status TEXT NOT NULL,
	error_message TEXT,
	error_details TEXT,
	error_type TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	next_retry_at DATETIME,
	webhook_response_status INTEGER,
	webhook_response_body TEXT,
	last_attempt_at DATETIME,
	image_generation_path TEXT,
	video_path TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_user ON generations(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_generations_status ON generations(status);
`

// Store is the SQLite-backed generation repository.
type Store struct {
	db *sql.DB
}

var _ repository.GenerationRepository = (*Store)(nil)

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.Wrap(err, "open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, "create schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, gen *generation.Generation) error {
	imageURLs, err := json.Marshal(gen.ImageURLs)
	if err != nil {
		return apperrors.Wrap(err, "encode image urls")
	}
	personaURLs, err := json.Marshal(gen.BrandPersonaImageURLs)
	if err != nil {
		return apperrors.Wrap(err, "encode persona urls")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generations (
			id, user_id, prompt_text, image_path, image_urls, brand_persona,
			brand_persona_image_urls, status, error_message, error_details,
			error_type, retry_count, max_retries, next_retry_at,
			webhook_response_status, webhook_response_body, last_attempt_at,
			image_generation_path, video_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.UserID, gen.PromptText, gen.ImagePath, string(imageURLs),
		gen.BrandPersona, string(personaURLs), string(gen.Status),
		gen.ErrorMessage, gen.ErrorDetails, gen.ErrorType,
		gen.RetryCount, gen.MaxRetries, nullTime(gen.NextRetryAt),
		gen.WebhookResponseStatus, gen.WebhookResponseBody, nullTime(gen.LastAttemptAt),
		gen.ImageGenerationPath, gen.VideoPath, gen.CreatedAt, gen.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "insert generation")
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*generation.Generation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM generations WHERE id = ?`, id)
	gen, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("generation " + id + " not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "query generation")
	}
	return gen, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*generation.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM generations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "query generations")
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) Update(ctx context.Context, gen *generation.Generation) error {
	imageURLs, err := json.Marshal(gen.ImageURLs)
	if err != nil {
		return apperrors.Wrap(err, "encode image urls")
	}
	personaURLs, err := json.Marshal(gen.BrandPersonaImageURLs)
	if err != nil {
		return apperrors.Wrap(err, "encode persona urls")
	}
	gen.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE generations SET
			prompt_text = ?, image_path = ?, image_urls = ?, brand_persona = ?,
			brand_persona_image_urls = ?, status = ?, error_message = ?,
			error_details = ?, error_type = ?, retry_count = ?, max_retries = ?,
			next_retry_at = ?, webhook_response_status = ?, webhook_response_body = ?,
			last_attempt_at = ?, image_generation_path = ?, video_path = ?, updated_at = ?
		WHERE id = ?`,
		gen.PromptText, gen.ImagePath, string(imageURLs), gen.BrandPersona,
		string(personaURLs), string(gen.Status), gen.ErrorMessage,
		gen.ErrorDetails, gen.ErrorType, gen.RetryCount, gen.MaxRetries,
		nullTime(gen.NextRetryAt), gen.WebhookResponseStatus, gen.WebhookResponseBody,
		nullTime(gen.LastAttemptAt), gen.ImageGenerationPath, gen.VideoPath,
		gen.UpdatedAt, gen.ID,
	)
	if err != nil {
		return apperrors.Wrap(err, "update generation")
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return apperrors.NewNotFound("generation " + gen.ID + " not found")
	}
	return nil
}

func (s *Store) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*generation.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM generations
		 WHERE status = ? AND last_attempt_at IS NOT NULL AND last_attempt_at < ?`,
		string(generation.StatusProcessing), cutoff)
	if err != nil {
		return nil, apperrors.Wrap(err, "query stuck generations")
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time) ([]*generation.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM generations
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		   AND retry_count < max_retries`,
		string(generation.StatusFailed), now)
	if err != nil {
		return nil, apperrors.Wrap(err, "query due retries")
	}
	defer rows.Close()
	return collect(rows)
}

const selectColumns = `
	SELECT id, user_id, prompt_text, image_path, image_urls, brand_persona,
	       brand_persona_image_urls, status, error_message, error_details,
	       error_type, retry_count, max_retries, next_retry_at,
	       webhook_response_status, webhook_response_body, last_attempt_at,
	       image_generation_path, video_path, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*generation.Generation, error) {
	var gen generation.Generation
	var imageURLs, personaURLs sql.NullString
	var imagePath, persona, errMsg, errDetails, errType sql.NullString
	var imgGenPath, videoPath, webhookBody sql.NullString
	var nextRetryAt, lastAttemptAt sql.NullTime
	var webhookStatus sql.NullInt64
	var status string

	err := row.Scan(
		&gen.ID, &gen.UserID, &gen.PromptText, &imagePath, &imageURLs, &persona,
		&personaURLs, &status, &errMsg, &errDetails, &errType,
		&gen.RetryCount, &gen.MaxRetries, &nextRetryAt,
		&webhookStatus, &webhookBody, &lastAttemptAt,
		&imgGenPath, &videoPath, &gen.CreatedAt, &gen.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	gen.Status = generation.Status(status)
	gen.ImagePath = imagePath.String
	gen.BrandPersona = persona.String
	gen.ErrorMessage = errMsg.String
	gen.ErrorDetails = errDetails.String
	gen.ErrorType = errType.String
	gen.WebhookResponseBody = webhookBody.String
	gen.ImageGenerationPath = imgGenPath.String
	gen.VideoPath = videoPath.String
	gen.WebhookResponseStatus = int(webhookStatus.Int64)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		gen.NextRetryAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		gen.LastAttemptAt = &t
	}
	if imageURLs.Valid && imageURLs.String != "" {
		if err := json.Unmarshal([]byte(imageURLs.String), &gen.ImageURLs); err != nil {
			return nil, err
		}
	}
	if personaURLs.Valid && personaURLs.String != "" {
		if err := json.Unmarshal([]byte(personaURLs.String), &gen.BrandPersonaImageURLs); err != nil {
			return nil, err
		}
	}
	return &gen, nil
}

func collect(rows *sql.Rows) ([]*generation.Generation, error) {
	var gens []*generation.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "scan generation")
		}
		gens = append(gens, gen)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "iterate generations")
	}
	return gens, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
