package app

import (
	"context"
	"errors"
	"fmt"

	"gateline/internal/config"
	"gateline/internal/engine"
	"gateline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project
// plus config exist in the database, seeding defaults if missing. It
// prefers overrides, then single-project DB. A missing project is
// initialized on the fly with its HITL settings and budget ledger.
func ResolveProjectAndConfig(ctx context.Context, eng engine.Engine, projectOverride, actorID string) (string, *config.Config, error) {
	r := eng.Repo
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := eng.InitProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("init project: %w", err)
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			seedCfg := config.Default(projectID)
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
