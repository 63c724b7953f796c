package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/secrets"
)

// newOrchestrator wires the engine the way every command needs it:
// config loaded, secure storage opened, persisted credentials restored.
func newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if err := ensureConfigExists(); err != nil {
		return nil, err
	}

	store, err := secrets.NewStore(filepath.Join(baseDir, "secrets"), logger)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(cfgMgr, store, logger)
	if err != nil {
		return nil, err
	}
	if err := orch.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return orch, nil
}
