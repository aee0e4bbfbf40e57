package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const projectColumns = `
	id, story, style_slug, status, scenes, merged_video_asset_id,
	error_code, error_message, created_at, updated_at
`

func scanProject(row interface{ Scan(...interface{}) error }, p *models.Project) error {
	return row.Scan(
		&p.ID, &p.Story, &p.StyleSlug, &p.Status, &p.Scenes, &p.MergedVideoAssetID,
		&p.ErrorCode, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	)
}

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, story, style_slug, status, scenes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		project.ID, project.Story, project.StyleSlug, project.Status, project.Scenes,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	project := &models.Project{}
	err := scanProject(db.QueryRowContext(ctx, query, id), project)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// ListProjects returns projects ordered by creation date (newest first).
// Supports optional status filter, limit, and offset for pagination.
func (db *DB) ListProjects(ctx context.Context, status string, limit, offset int) ([]models.Project, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + projectColumns + ` FROM projects`

	if status != "" {
		query := baseSelect + ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := scanProject(rows, &p); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

// CountProjects returns the total number of projects, optionally filtered by status.
func (db *DB) CountProjects(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count)
	return count, err
}

func (db *DB) UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus) error {
	query := `
		UPDATE projects
		SET status = $1, error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2
	`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

func (db *DB) UpdateProjectError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE projects
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.ProjectStatusFailed, errorCode, errorMessage, id)
	return err
}

// SaveScenes replaces the whole scene list, as after script generation.
func (db *DB) SaveScenes(ctx context.Context, projectID uuid.UUID, scenes models.SceneList) error {
	query := `UPDATE projects SET scenes = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, scenes, projectID)
	return err
}

// UpdateScene overwrites the scene at position (0-based) in the project's list
// without touching its siblings, so concurrent scene updates do not clobber
// each other.
func (db *DB) UpdateScene(ctx context.Context, projectID uuid.UUID, position int, scene models.Scene) error {
	data, err := json.Marshal(scene)
	if err != nil {
		return fmt.Errorf("failed to marshal scene: %w", err)
	}

	query := `
		UPDATE projects
		SET scenes = jsonb_set(scenes, ARRAY[$1::text], $2::jsonb, false), updated_at = NOW()
		WHERE id = $3
	`
	res, err := db.ExecContext(ctx, query, strconv.Itoa(position), string(data), projectID)
	if err != nil {
		return fmt.Errorf("failed to update scene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// SetProjectFinalVideo records the assembled video and completes the project.
func (db *DB) SetProjectFinalVideo(ctx context.Context, projectID uuid.UUID, assetID string) error {
	query := `
		UPDATE projects
		SET merged_video_asset_id = $1, status = $2, error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, assetID, models.ProjectStatusCompleted, projectID)
	return err
}
