// Package loras imports the LoRA catalog from a YAML file into the database.
//
// The file is a list of entries:
//
//	- name: detail_tweaker
//	  file_path: /models/Lora/detail_tweaker.safetensors
//	  description: Adds fine detail
//	  tags: [detail, realism]
//
// Entries whose file exists on disk are fingerprinted with SHA256.
package loras

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
)

// Entry is one catalog entry of the YAML file.
type Entry struct {
	Name        string   `yaml:"name"`
	FilePath    string   `yaml:"file_path"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// Store persists catalog rows. *db.Repository implements it.
type Store interface {
	UpsertLoRA(ctx context.Context, l *db.LoRAMetadata) error
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int
	Hashed   int
	Skipped  int
}

// Parse reads and validates the YAML catalog at path.
func Parse(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read LoRA catalog: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse LoRA catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		e.Name = strings.TrimSpace(e.Name)
		e.FilePath = strings.TrimSpace(e.FilePath)
		if e.Name == "" {
			return nil, fmt.Errorf("LoRA catalog entry %d has no name", i+1)
		}
		if e.FilePath == "" {
			return nil, fmt.Errorf("LoRA %q has no file_path", e.Name)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("LoRA %q is listed twice", e.Name)
		}
		seen[e.Name] = true
	}
	return entries, nil
}

// Import parses the catalog at path and upserts every entry by name.
// A file that cannot be hashed is imported without a hash.
func Import(ctx context.Context, path string, store Store, logger *zap.Logger) (ImportResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result ImportResult

	entries, err := Parse(path)
	if err != nil {
		return result, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		row := &db.LoRAMetadata{
			Name:        e.Name,
			FilePath:    e.FilePath,
			Description: strings.TrimSpace(e.Description),
			Tags:        e.Tags,
		}
		if row.Tags == nil {
			row.Tags = []string{}
		}

		hash, err := core.ComputeSHA256(e.FilePath)
		switch {
		case err == nil:
			row.FileHash = hash
			result.Hashed++
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("LoRA file not present, importing without hash",
				zap.String("name", e.Name), zap.String("path", e.FilePath))
		default:
			logger.Warn("Failed to hash LoRA file",
				zap.String("name", e.Name), zap.String("path", e.FilePath), zap.Error(err))
		}

		if err := store.UpsertLoRA(ctx, row); err != nil {
			logger.Warn("Failed to store LoRA", zap.String("name", e.Name), zap.Error(err))
			result.Skipped++
			continue
		}
		result.Imported++
	}

	logger.Info("LoRA catalog imported",
		zap.String("path", path),
		zap.Int("imported", result.Imported),
		zap.Int("hashed", result.Hashed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}
