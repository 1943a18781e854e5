package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Shipfile is the optional per-project pipeline settings file checked into
// the application repository as shipfile.yaml.
type Shipfile struct {
	Service       string   `yaml:"service,omitempty"`
	ImageRepo     string   `yaml:"image_repo,omitempty"`
	PublishedPort int      `yaml:"published_port,omitempty"`
	HealthPath    string   `yaml:"health_path,omitempty"`
	Outputs       []string `yaml:"outputs,omitempty"`
}

const shipfileName = "shipfile.yaml"

func (c *Config) applyShipfile() error {
	path := filepath.Join(c.WorkDir, shipfileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sf Shipfile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("failed to parse %s: %w", shipfileName, err)
	}

	if sf.Service != "" {
		c.ServiceName = sf.Service
	}
	if sf.ImageRepo != "" {
		c.ImageRepo = sf.ImageRepo
	}
	if sf.PublishedPort != 0 {
		c.PublishedPort = sf.PublishedPort
	}
	if sf.HealthPath != "" {
		c.HealthPath = sf.HealthPath
	}
	if len(sf.Outputs) > 0 {
		c.Outputs = sf.Outputs
	}
	return nil
}
