// Package registry discovers GGUF models in a directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llamactx/internal/common/fsutil"
	"llamactx/pkg/types"
)

const ggufExt = ".gguf"

// GGUFScanner lists *.gguf files (case-insensitive) in a single directory.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds models from filenames. ID is the full filename (including
// extension), Name is the filename without extension and Path the absolute
// file path. Models are ordered by ID.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	abs, err := absDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !isGGUF(e.Name()) {
			continue
		}
		name := e.Name()
		m := types.Model{
			ID:   name,
			Name: strings.TrimSuffix(name, filepath.Ext(name)),
			Path: filepath.Join(abs, name),
		}
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with a GGUFScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Find returns the model whose ID or Name equals ref.
func Find(models []types.Model, ref string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == ref || m.Name == ref {
			return m, true
		}
	}
	return types.Model{}, false
}

func absDir(dir string) (string, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}

func isGGUF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ggufExt)
}
