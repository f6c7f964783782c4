package job

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultAppsDir is the fallback directory a Manifest's App field resolves
// against when BBM_APPS_DIR is unset.
const DefaultAppsDir = "/share/apps"

// Manifest is the on-disk YAML description of a Job submission, letting a
// CLI client describe a job's script, input, and file Layout in one file
// instead of passing them as separate flags. A manifest names its script
// either inline (Script) or by reference to a named app bundle (App); App
// takes precedence when both are set.
type Manifest struct {
	Script string `yaml:"script"`
	App    string `yaml:"app"`
	Input  string `yaml:"input"`
	Layout Layout `yaml:"layout"`
}

// LoadManifest reads and parses a Manifest from path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("job: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("job: parse manifest: %w", err)
	}
	return m, nil
}

// Job converts the Manifest into a submittable Job, applying DefaultLayout
// wherever the manifest left a Layout field blank. If the manifest names an
// App, its run script is read from <appsDir>/<app>/run in place of Script.
func (m Manifest) Job(appsDir string) (Job, error) {
	script := m.Script
	if m.App != "" {
		path := filepath.Join(appsDir, m.App, "run")
		data, err := os.ReadFile(path)
		if err != nil {
			return Job{}, fmt.Errorf("job: resolve app %q: %w", m.App, err)
		}
		script = string(data)
	}

	return Job{Script: script, Input: []byte(m.Input), Layout: m.Layout.OrDefaults()}, nil
}
