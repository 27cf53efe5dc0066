package schema

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadCollections walks root and collects collection declarations from
// every *.yaml / *.yml file. A file may hold either a top-level
// `collections:` list or a single collection document.
func LoadCollections(root string) (Config, error) {
	var cfg Config

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		cols, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Collections = append(cfg.Collections, cols...)
		return nil
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string) ([]Collection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Config
	if err := yaml.Unmarshal(b, &doc); err == nil && len(doc.Collections) > 0 {
		return doc.Collections, nil
	}

	var single Collection
	if err := yaml.Unmarshal(b, &single); err != nil {
		return nil, err
	}
	if single.Name == "" {
		return nil, fmt.Errorf("no collections found")
	}
	return []Collection{single}, nil
}
