package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Project holds the per-project configuration the pipeline needs at runtime:
// which Tracker project it mirrors, the webhook secrets, and free-form context
// notes folded into agent prompts.
type Project struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	TrackerProjectID     string `json:"tracker_project_id"`
	TrackerWebhookSecret string `json:"-"`
	SCMWebhookSecret     string `json:"-"`
	ContextNotes         string `json:"context_notes,omitempty"`
}

// FieldMapping resolves an opaque external field id to its role in the
// pipeline. Kind is one of "auto", "repo", "status".
type FieldMapping struct {
	Kind            string `json:"kind"`
	ExternalFieldID string `json:"external_field_id"`
}

var ErrProjectNotFound = errors.New("project not found")

// UpsertProject creates or updates a project row.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, tracker_project_id, tracker_webhook_secret, scm_webhook_secret, context_notes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tracker_project_id = excluded.tracker_project_id,
			tracker_webhook_secret = excluded.tracker_webhook_secret,
			scm_webhook_secret = excluded.scm_webhook_secret,
			context_notes = excluded.context_notes,
			updated_at = CURRENT_TIMESTAMP;
	`, p.ID, p.Name, p.TrackerProjectID, p.TrackerWebhookSecret, p.SCMWebhookSecret, p.ContextNotes)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tracker_project_id, tracker_webhook_secret, scm_webhook_secret, context_notes
		FROM projects WHERE id = ?;
	`, projectID).Scan(&p.ID, &p.Name, &p.TrackerProjectID, &p.TrackerWebhookSecret, &p.SCMWebhookSecret, &p.ContextNotes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("select project: %w", err)
	}
	return &p, nil
}

// FindProjectByTrackerProject resolves the project mirroring a Tracker project.
func (s *Store) FindProjectByTrackerProject(ctx context.Context, trackerProjectID string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tracker_project_id, tracker_webhook_secret, scm_webhook_secret, context_notes
		FROM projects WHERE tracker_project_id = ?;
	`, trackerProjectID).Scan(&p.ID, &p.Name, &p.TrackerProjectID, &p.TrackerWebhookSecret, &p.SCMWebhookSecret, &p.ContextNotes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("select project by tracker id: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tracker_project_id, tracker_webhook_secret, scm_webhook_secret, context_notes
		FROM projects ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.TrackerProjectID, &p.TrackerWebhookSecret, &p.SCMWebhookSecret, &p.ContextNotes); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return out, nil
}

// SetTrackerWebhookSecret persists the secret captured during the Tracker
// webhook handshake.
func (s *Store) SetTrackerWebhookSecret(ctx context.Context, projectID, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET tracker_webhook_secret = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, secret, projectID)
	if err != nil {
		return fmt.Errorf("set tracker webhook secret: %w", err)
	}
	return nil
}

// SetProjectRepos replaces the project's configured repo list.
func (s *Store) SetProjectRepos(ctx context.Context, projectID string, repos [][2]string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin repos tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM project_repos WHERE project_id = ?;`, projectID); err != nil {
			return fmt.Errorf("clear project repos: %w", err)
		}
		for _, r := range repos {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO project_repos (project_id, owner, name) VALUES (?, ?, ?);
			`, projectID, r[0], r[1]); err != nil {
				return fmt.Errorf("insert project repo: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ProjectRepos returns the project's configured repos as "owner/name" strings.
func (s *Store) ProjectRepos(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, name FROM project_repos WHERE project_id = ? ORDER BY owner, name;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project repos: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var owner, name string
		if err := rows.Scan(&owner, &name); err != nil {
			return nil, fmt.Errorf("scan project repo: %w", err)
		}
		out = append(out, owner+"/"+name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project repo rows: %w", err)
	}
	return out, nil
}

// SetStatusMapping maps a Tracker status option gid to a pipeline outcome
// ("BLOCKED" or "CANCELLED").
func (s *Store) SetStatusMapping(ctx context.Context, projectID, optionGID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_mappings (project_id, option_gid, outcome)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, option_gid) DO UPDATE SET outcome = excluded.outcome;
	`, projectID, optionGID, outcome)
	if err != nil {
		return fmt.Errorf("set status mapping: %w", err)
	}
	return nil
}

// ResolveStatusOption returns the mapped outcome for a status option gid, or
// "" when the option has no mapping (normal flow).
func (s *Store) ResolveStatusOption(ctx context.Context, projectID, optionGID string) (string, error) {
	if optionGID == "" {
		return "", nil
	}
	var outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT outcome FROM status_mappings WHERE project_id = ? AND option_gid = ?;
	`, projectID, optionGID).Scan(&outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("resolve status option: %w", err)
	}
	return outcome, nil
}

// SetFieldMapping records which external field id carries the given role.
func (s *Store) SetFieldMapping(ctx context.Context, projectID, kind, externalFieldID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_mappings (project_id, kind, external_field_id)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, kind) DO UPDATE SET external_field_id = excluded.external_field_id;
	`, projectID, kind, externalFieldID)
	if err != nil {
		return fmt.Errorf("set field mapping: %w", err)
	}
	return nil
}

// FieldMappings returns the project's field mappings keyed by kind. Resolved
// once per task evaluation instead of re-scanned ad hoc.
func (s *Store) FieldMappings(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, external_field_id FROM field_mappings WHERE project_id = ?;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list field mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var kind, fieldID string
		if err := rows.Scan(&kind, &fieldID); err != nil {
			return nil, fmt.Errorf("scan field mapping: %w", err)
		}
		out[kind] = fieldID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("field mapping rows: %w", err)
	}
	return out, nil
}
