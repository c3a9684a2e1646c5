package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// placeholderPattern matches the spec's "{NAME}" placeholder syntax (§6),
// used inside a tool server's headers, args, and http_endpoint fields.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvResolver resolves "{NAME}" placeholders, consulting (in order) an
// anchor's own "env" section, a loaded .env file, then the process
// environment. Tool-server registration (§4.3 phase 1) uses it to expand
// placeholders in headers, args, and http_endpoint.
type EnvResolver struct {
	anchorEnv map[string]string
	dotenv    map[string]string
}

func newEnvResolver(mergedAnchorEnv map[string]string) *EnvResolver {
	dotenv, _ := godotenv.Read() // best-effort; absence of .env is not an error
	return &EnvResolver{anchorEnv: mergedAnchorEnv, dotenv: dotenv}
}

// lookup resolves a single variable name against the layered sources.
func (r *EnvResolver) lookup(name string) (string, bool) {
	if r != nil {
		if v, ok := r.anchorEnv[name]; ok {
			return v, true
		}
		if v, ok := r.dotenv[name]; ok {
			return v, true
		}
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	return "", false
}

// Expand replaces every "{NAME}" placeholder in s.
func (r *EnvResolver) Expand(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := r.lookup(name); ok {
			return v
		}
		return match
	})
}

// ExpandMap expands placeholders in every value of a string map (e.g.
// a tool server's headers or env block).
func (r *EnvResolver) ExpandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.Expand(v)
	}
	return out
}

// ExpandSlice expands placeholders in every element of a string slice
// (e.g. a tool server's args).
func (r *EnvResolver) ExpandSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = r.Expand(v)
	}
	return out
}

// ResolveToolServer returns a copy of cfg with every placeholder in its
// headers, args, and http_endpoint fields expanded (§4.3 phase 1, §6).
func (r *EnvResolver) ResolveToolServer(cfg *ToolServerConfig) *ToolServerConfig {
	out := *cfg
	out.HTTPEndpoint = r.Expand(cfg.HTTPEndpoint)
	out.Command = r.Expand(cfg.Command)
	out.Args = r.ExpandSlice(cfg.Args)
	out.Headers = r.ExpandMap(cfg.Headers)
	out.Env = r.ExpandMap(cfg.Env)
	return &out
}

// mergeAnchorEnv merges every anchor's "env" section, closest anchor
// winning over farther ones, matching §6's "merged across anchors with
// closest-wins" rule.
func mergeAnchorEnv(anchors []*anchor) map[string]string {
	merged := map[string]string{}
	// anchors is closest-first; apply farthest-first so closest overwrites.
	for i := len(anchors) - 1; i >= 0; i-- {
		for k, v := range anchors[i].Env {
			merged[k] = v
		}
	}
	return merged
}
