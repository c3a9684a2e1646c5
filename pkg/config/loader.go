package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// componentGlobs are the file patterns a config root is searched with,
// relative to the root directory.
var componentGlobs = []string{"**/*.aurite.yaml", "**/*.aurite.yml", "**/*.aurite.json"}

// rawDocument is either a single component document or an array of them;
// every document shares the same "kind"/"name" (or "id") envelope.
type rawDocument struct {
	Kind Kind   `yaml:"kind"`
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// loadRoot walks root for component documents and decodes each into a
// ComponentRecord at the given provenance level. Files that fail to parse
// are skipped with a warning, matching the teacher's tolerant loader
// behavior for a single bad source among many.
func loadRoot(root string, level ContextLevel) ([]*ComponentRecord, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var paths []string
	for _, pattern := range componentGlobs {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("config: glob %s under %s: %w", pattern, root, err)
		}
		for _, m := range matches {
			paths = append(paths, filepath.Join(root, m))
		}
	}
	sort.Strings(paths)

	var records []*ComponentRecord
	for _, path := range paths {
		recs, err := loadFile(path, level)
		if err != nil {
			slog.Warn("config: skipping unparsable component file", "path", path, "error", err)
			continue
		}
		records = append(records, recs...)
	}
	return records, nil
}

// loadFile parses one component document (or array of documents) and
// returns its ComponentRecords, with Context set to the file's directory
// so path-bearing fields resolve relative to it.
func loadFile(path string, level ContextLevel) ([]*ComponentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var single map[string]any
	if err := yaml.Unmarshal(data, &single); err == nil && single != nil {
		if _, ok := single["kind"]; ok {
			rec, err := toRecord(single, path, level)
			if err != nil {
				return nil, err
			}
			return []*ComponentRecord{rec}, nil
		}
	}

	var list []map[string]any
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("document is neither a single component nor an array: %w", err)
	}
	records := make([]*ComponentRecord, 0, len(list))
	for i, doc := range list {
		rec, err := toRecord(doc, path, level)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func toRecord(body map[string]any, path string, level ContextLevel) (*ComponentRecord, error) {
	kindVal, _ := body["kind"].(string)
	if kindVal == "" {
		return nil, fmt.Errorf("missing required \"kind\" field")
	}
	kind := Kind(kindVal)

	id, _ := body["name"].(string)
	if id == "" {
		id, _ = body["id"].(string)
	}
	if id == "" {
		return nil, fmt.Errorf("%s document missing required \"name\" field", kind)
	}

	return &ComponentRecord{
		Kind:    kind,
		ID:      id,
		Body:    body,
		Source:  path,
		Context: filepath.Dir(path),
		Level:   level,
	}, nil
}
