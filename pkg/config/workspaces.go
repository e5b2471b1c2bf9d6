package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkspaceConfig overrides routing and presentation for one workspace.
// Zero-valued fields fall back to the engine defaults.
type WorkspaceConfig struct {
	Backends      []string `mapstructure:"backends" yaml:"backends"`
	Tools         []string `mapstructure:"tools" yaml:"tools"`
	SynthesisTier string   `mapstructure:"synthesis_tier" yaml:"synthesis_tier"`
	Style         string   `mapstructure:"style" yaml:"style"`
	HighStakes    bool     `mapstructure:"high_stakes" yaml:"high_stakes"`
	RAGEnabled    bool     `mapstructure:"rag_enabled" yaml:"rag_enabled"`
}

type workspacesFile struct {
	Workspaces map[string]WorkspaceConfig `yaml:"workspaces"`
}

// LoadWorkspaces reads a standalone workspaces file and merges it over the
// workspaces already present in cfg. Entries in the file win.
func LoadWorkspaces(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workspaces %s: %w", path, err)
	}
	var file workspacesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse workspaces %s: %w", path, err)
	}
	if cfg.Workspaces == nil {
		cfg.Workspaces = make(map[string]WorkspaceConfig, len(file.Workspaces))
	}
	for name, ws := range file.Workspaces {
		if len(ws.Backends) > 0 {
			if err := validateBackendSet(ws.Backends); err != nil {
				return fmt.Errorf("workspace %q: %w", name, err)
			}
		}
		cfg.Workspaces[name] = ws
	}
	return nil
}
