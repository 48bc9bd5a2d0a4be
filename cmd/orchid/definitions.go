package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/calev/orchid/internal/activity"
	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/internal/validation"
	"github.com/calev/orchid/pkg/schema"
)

// loadDefinitions reads every *.json file in dir, validates it structurally
// and against the registered activity types, and stores the ones the store
// does not already hold. A missing directory is not an error.
func loadDefinitions(ctx context.Context, dir string, st store.Store, reg *activity.Registry, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", path, err)
		}

		var def schema.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validator.ValidateDefinition(&def); err != nil {
			return loaded, fmt.Errorf("validate %s: %w", path, err)
		}
		if err := reg.ValidateDefinition(&def).ToError(); err != nil {
			return loaded, fmt.Errorf("validate %s: %w", path, err)
		}

		if _, err := st.GetDefinition(ctx, def.ID); err == nil {
			continue // already loaded
		} else if !store.IsNotFound(err) {
			return loaded, err
		}
		if err := st.CreateDefinition(ctx, &def); err != nil {
			return loaded, fmt.Errorf("store %s: %w", path, err)
		}
		logger.Info("definition loaded", "definition_id", def.ID, "file", entry.Name())
		loaded++
	}
	return loaded, nil
}
