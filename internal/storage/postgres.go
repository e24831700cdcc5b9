/**
 * PostgreSQL Client for the label scan worker
 *
 * Job bookkeeping only: status, provenance and timing of each recognition
 * job. Extracted nutrition data is never written here.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	Status           string
	Tier             string
	Provider         string
	ModelName        string
	Confidence       int
	ProcessingTimeMs int64
	Fallback         bool
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is a stored job row
type JobRecord struct {
	ID               string
	UserID           string
	Status           string
	Tier             string
	Provider         string
	ModelName        string
	Confidence       int
	ProcessingTimeMs int64
	Fallback         bool
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS labelscan;
	CREATE TABLE IF NOT EXISTS labelscan.recognition_jobs (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL DEFAULT 'anonymous',
		status             TEXT NOT NULL,
		tier               TEXT,
		provider           TEXT,
		model_name         TEXT,
		confidence         SMALLINT CHECK (confidence BETWEEN 0 AND 100),
		processing_time_ms BIGINT,
		fallback           BOOLEAN NOT NULL DEFAULT FALSE,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS recognition_jobs_status_idx ON labelscan.recognition_jobs (status);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the jobs table when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func validateUpdate(update *JobUpdate) error {
	if update == nil {
		return fmt.Errorf("update is required")
	}
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	switch update.Status {
	case StatusProcessing, StatusCompleted, StatusFailed:
	case "":
		return fmt.Errorf("status is required")
	default:
		return fmt.Errorf("unknown status %q", update.Status)
	}
	if update.Confidence < 0 || update.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range 0-100", update.Confidence)
	}
	return nil
}

// UpdateJobStatus upserts the job row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateUpdate(update); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	// UPSERT so the worker can create the row if the producer did not
	query := `
		INSERT INTO labelscan.recognition_jobs (
			id, user_id, status, tier, provider, model_name,
			confidence, processing_time_ms, fallback,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1, COALESCE(NULLIF($2, ''), 'anonymous'), $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			CASE WHEN $3 = 'completed' THEN $7::smallint ELSE NULL END, NULLIF($8::bigint, 0), $9,
			NULLIF($10, ''), NULLIF($11, ''), $12::jsonb,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			user_id = CASE WHEN $2 = '' THEN labelscan.recognition_jobs.user_id ELSE EXCLUDED.user_id END,
			tier = COALESCE(EXCLUDED.tier, labelscan.recognition_jobs.tier),
			provider = COALESCE(EXCLUDED.provider, labelscan.recognition_jobs.provider),
			model_name = COALESCE(EXCLUDED.model_name, labelscan.recognition_jobs.model_name),
			confidence = COALESCE(EXCLUDED.confidence, labelscan.recognition_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, labelscan.recognition_jobs.processing_time_ms),
			fallback = EXCLUDED.fallback,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = labelscan.recognition_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.UserID,           // $2
		update.Status,           // $3
		update.Tier,             // $4
		update.Provider,         // $5
		update.ModelName,        // $6
		update.Confidence,       // $7
		update.ProcessingTimeMs, // $8
		update.Fallback,         // $9
		update.ErrorCode,        // $10
		update.ErrorMessage,     // $11
		string(metadataJSON),    // $12
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, status, tier, provider, model_name,
			confidence, processing_time_ms, fallback,
			error_code, error_message, metadata,
			created_at, updated_at
		FROM labelscan.recognition_jobs
		WHERE id = $1
	`

	var (
		rec                       JobRecord
		tier, provider, modelName sql.NullString
		errorCode, errorMessage   sql.NullString
		confidence                sql.NullInt64
		processingTimeMs          sql.NullInt64
		metadataJSON              []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.UserID, &rec.Status, &tier, &provider, &modelName,
		&confidence, &processingTimeMs, &rec.Fallback,
		&errorCode, &errorMessage, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	rec.Tier = tier.String
	rec.Provider = provider.String
	rec.ModelName = modelName.String
	rec.Confidence = int(confidence.Int64)
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
