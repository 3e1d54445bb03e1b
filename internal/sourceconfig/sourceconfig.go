// Package sourceconfig renders the shared source.yaml downloader-config
// template into per-invocation YAML: round-robin port selection, token
// injection, and `{user}` placeholder substitution. Grounded on the
// teacher's YAML-templating pattern in internal/config (viper-adjacent
// struct marshal/unmarshal) and on original_source/python's
// render_source_config round-robin port picker.
package sourceconfig

import (
	"strings"
	"sync"
	"time"

	"amdl-orchestrator/internal/lockfile"
	"gopkg.in/yaml.v3"
)

// Template is the on-disk shape of source.yaml: decrypt/fetch ports are
// list-valued so multiple concurrent downloader invocations can each take a
// distinct pair via round-robin.
type Template struct {
	DecryptPorts   []int          `yaml:"decrypt-m3u8-port"`
	FetchPorts     []int          `yaml:"get-m3u8-port"`
	MediaUserToken string         `yaml:"media-user-token"`
	Extra          map[string]any `yaml:",inline"`
}

// Renderer loads source.yaml under lock and renders per-call instances.
type Renderer struct {
	file *lockfile.File

	mu          sync.Mutex
	decryptIdx  int
	fetchIdx    int
}

// New returns a Renderer backed by the source.yaml at path.
func New(path string) *Renderer {
	return &Renderer{file: lockfile.New(path)}
}

// Render reads the current template, picks the next decrypt/fetch port pair
// round-robin, injects token, substitutes every "{user}" placeholder in
// string-valued fields with user, and returns the rendered YAML bytes ready
// to be piped to the downloader's stdin.
func (r *Renderer) Render(token, user string) ([]byte, error) {
	var tmpl Template
	if err := r.file.ReadYAML(&tmpl, 200*time.Millisecond); err != nil {
		return nil, err
	}

	r.mu.Lock()
	decryptPort := pick(tmpl.DecryptPorts, &r.decryptIdx)
	fetchPort := pick(tmpl.FetchPorts, &r.fetchIdx)
	r.mu.Unlock()

	rendered := map[string]any{
		"decrypt-m3u8-port": decryptPort,
		"get-m3u8-port":     fetchPort,
		"media-user-token":  token,
		"api_token":         token,
	}
	for k, v := range tmpl.Extra {
		rendered[k] = substitute(v, user)
	}

	return yaml.Marshal(rendered)
}

func pick(values []int, idx *int) int {
	if len(values) == 0 {
		return 0
	}
	v := values[*idx%len(values)]
	*idx++
	return v
}

func substitute(v any, user string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "{user}", user)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = substitute(vv, user)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = substitute(vv, user)
		}
		return out
	default:
		return v
	}
}
