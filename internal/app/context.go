// Package app resolves the active project and its config for CLI entry
// points, seeding defaults when the workspace is fresh.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project
// plus config row exist in the DB, seeding defaults if missing. Resolution
// order: explicit override, then stageline.yml in the workspace, then the
// single project in the DB.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r *repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project or add stageline.yml")
		}
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, fileCfg, actorID); err != nil {
			return "", nil, err
		}
	}

	// The workspace file wins over the stored copy when both exist.
	if fileCfg != nil {
		fileCfg.Project.ID = projectID
		return projectID, fileCfg, nil
	}

	cfg := &config.Config{}
	if err := r.GetProjectConfig(ctx, projectID, cfg); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := seedConfig(ctx, r, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// createProject inserts a minimal project footprint using the seed config.
func createProject(ctx context.Context, r *repo.Repo, projectID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.CreateProject(ctx, tx, projectID, seedCfg.Project.Kind, "", now); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfig(ctx, tx, projectID, seedCfg, now); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return tx.Commit()
}

func seedConfig(ctx context.Context, r *repo.Repo, projectID string, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfig(ctx, tx, projectID, cfg, now); err != nil {
		return err
	}
	return tx.Commit()
}
