package app

import (
	"context"
	"errors"
	"fmt"

	"baton/internal/config"
	"baton/internal/repo"
)

// ResolveConfig picks the active engine config for a workspace. File
// config (baton.yml) wins when present and is persisted; otherwise the
// stored config is used, seeding defaults on first run.
func ResolveConfig(ctx context.Context, workspace, engineOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	engineID := engineOverride
	if engineID == "" && fileCfg != nil {
		engineID = fileCfg.Engine.ID
	}
	if engineID == "" {
		engineID = "default"
	}

	if fileCfg != nil {
		fileCfg.Engine.ID = engineID
		if err := r.UpsertEngineConfig(ctx, engineID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store engine config: %w", err)
		}
		return engineID, fileCfg, nil
	}

	cfg, err := r.GetEngineConfig(ctx, engineID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(engineID)
		if err := r.UpsertEngineConfig(ctx, engineID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed engine config: %w", err)
		}
	}
	cfg.Engine.ID = engineID
	return engineID, cfg, nil
}
