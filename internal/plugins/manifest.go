package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description of a plugin. Hooks map a hook name to a
// shell command that receives the HookContext as JSON on stdin.
type Manifest struct {
	Plugin `yaml:",inline"`
	Hooks  map[Hook]string `yaml:"hooks,omitempty"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a plugin ID from a display name.
func Slug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Scaffold renders a starter manifest for a new plugin.
func Scaffold(name string, t Type) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("plugin name is required")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("unknown plugin type %q", t)
	}
	m := Manifest{
		Plugin: Plugin{
			ID:          Slug(name),
			Name:        name,
			Version:     "1.0.0",
			Description: "Custom plugin for appforge",
			Author:      "Your Name",
			Type:        t,
			Enabled:     true,
		},
		Hooks: map[Hook]string{
			HookBeforeGenerate: `cat > /dev/null`,
			HookAfterGenerate:  `cat > /dev/null`,
		},
	}
	var buf bytes.Buffer
	buf.WriteString("# " + name + " plugin manifest.\n")
	buf.WriteString("# Each hook command receives the hook context as JSON on stdin.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadManifest reads one manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading plugin manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing plugin manifest %s: %w", path, err)
	}
	if m.ID == "" {
		m.ID = Slug(m.Name)
	}
	return m, nil
}

// LoadDir reads every *.yaml and *.yml manifest in dir, sorted by file name.
// A missing directory yields no manifests.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugin dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Install registers the manifest's plugin and wires each hook command.
func (r *Registry) Install(m Manifest) error {
	if err := r.Register(m.Plugin); err != nil {
		return err
	}
	hooks := make([]Hook, 0, len(m.Hooks))
	for h := range m.Hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i] < hooks[j] })

	for _, h := range hooks {
		if err := r.RegisterHook(m.ID, h, CommandHook(m.Hooks[h])); err != nil {
			_ = r.Unregister(m.ID)
			return err
		}
	}
	return nil
}

// CommandHook runs command through sh with the hook context as JSON on stdin.
func CommandHook(command string) HookFunc {
	return func(ctx context.Context, hc HookContext) error {
		input, err := json.Marshal(hc)
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(input)
		out, err := cmd.CombinedOutput()
		if err != nil {
			if msg := strings.TrimSpace(string(out)); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}
}
