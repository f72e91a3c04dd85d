package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedAgent is one pre-registered agent from the YAML seed file.
type SeedAgent struct {
	Name        string   `yaml:"name"`
	CallbackURL string   `yaml:"callbackUrl"`
	Description string   `yaml:"description,omitempty"`
	Secret      string   `yaml:"secret,omitempty"`
	AllowedIPs  []string `yaml:"allowedIPs,omitempty"`
}

type seedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

// LoadSeedAgents reads the YAML seed file of agents to register at startup.
// A missing file is not an error.
func LoadSeedAgents(path string, logger *slog.Logger) ([]SeedAgent, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("agent seed file does not exist, skipping", "path", path)
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	var agents []SeedAgent
	for _, a := range f.Agents {
		if a.Name == "" || a.CallbackURL == "" {
			logger.Warn("skipping seed agent missing name or callbackUrl", "name", a.Name)
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}
