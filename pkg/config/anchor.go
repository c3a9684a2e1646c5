package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AnchorType distinguishes a project anchor from a workspace anchor (§6).
type AnchorType string

const (
	AnchorProject   AnchorType = "project"
	AnchorWorkspace AnchorType = "workspace"
)

// anchorFileName is the exact filename §4.1 anchor discovery walks for.
const anchorFileName = ".aurite"

// anchorDocument is the raw shape of an anchor file's top-level section.
type anchorDocument struct {
	Aurite anchorSection    `yaml:"aurite"`
	Env    map[string]string `yaml:"env"`
}

type anchorSection struct {
	Type               AnchorType `yaml:"type"`
	IncludeConfigs     []string   `yaml:"include_configs"`
	Projects           []string   `yaml:"projects"`
	CustomWorkflowPaths []string  `yaml:"custom_workflow_paths"`
	ToolServerPaths    []string   `yaml:"tool_server_paths"`
}

// anchor is a parsed ".aurite" file together with the directory it lives in.
type anchor struct {
	Dir            string
	Type           AnchorType
	Roots          []string // this anchor's own config roots, in declared order
	IncludeConfigs []string
	Projects       []string // workspace-only: other project directories, in listed order
	Env            map[string]string
}

func loadAnchor(dir string) (*anchor, error) {
	path := filepath.Join(dir, anchorFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc anchorDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse anchor %s: %w", path, err)
	}

	a := &anchor{
		Dir:            dir,
		Type:           doc.Aurite.Type,
		IncludeConfigs: resolveRelative(dir, doc.Aurite.IncludeConfigs),
		Env:            doc.Env,
	}
	if a.Type == "" {
		a.Type = AnchorProject
	}
	// An anchor's own config root is conventionally "config" under its
	// directory; always include the anchor's directory itself too so a
	// flat layout (components alongside .aurite) is also discovered.
	a.Roots = []string{dir, filepath.Join(dir, "config")}
	if a.Type == AnchorWorkspace {
		a.Projects = resolveRelative(dir, doc.Aurite.Projects)
	}
	return a, nil
}

func resolveRelative(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if filepath.IsAbs(p) {
			out = append(out, p)
			continue
		}
		out = append(out, filepath.Join(base, p))
	}
	return out
}

// walkAnchors walks up from startDir collecting every ".aurite" file, in
// closest-to-farthest order, per §4.1 priority order steps 2-4.
func walkAnchors(startDir string) ([]*anchor, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	var anchors []*anchor
	for {
		if a, err := loadAnchor(dir); err == nil {
			anchors = append(anchors, a)
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return anchors, nil
}
