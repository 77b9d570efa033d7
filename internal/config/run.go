package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmgit/swarmgit/pkg/models"
)

// RunConfig is the on-disk description of one run, loaded from a YAML file.
type RunConfig struct {
	Goal              string        `yaml:"goal"`
	Repo              string        `yaml:"repo"`
	IntegrationBranch string        `yaml:"integration_branch"`
	Remote            string        `yaml:"remote"`
	Workers           int           `yaml:"workers"`
	Topology          string        `yaml:"topology"`
	Clusters          []string      `yaml:"clusters"`
	TimeBudget        time.Duration `yaml:"time_budget"`
	Model             string        `yaml:"model"`

	Executor struct {
		Command string        `yaml:"command"`
		Args    []string      `yaml:"args"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"executor"`

	CredentialsFile string `yaml:"credentials_file"`

	Queue struct {
		Capacity  int           `yaml:"capacity"`
		OpTimeout time.Duration `yaml:"op_timeout"`
	} `yaml:"queue"`

	Listen string `yaml:"listen"`

	Database string `yaml:"database"` // "sqlite" (default) or a postgres DSN
}

// LoadRun reads and validates a run configuration file. Relative repo paths
// resolve against the file's directory.
func LoadRun(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if !filepath.IsAbs(cfg.Repo) && cfg.Repo != "" {
		cfg.Repo = filepath.Join(filepath.Dir(path), cfg.Repo)
	}
	if cfg.CredentialsFile != "" && !filepath.IsAbs(cfg.CredentialsFile) {
		cfg.CredentialsFile = filepath.Join(filepath.Dir(path), cfg.CredentialsFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = models.DefaultWorkerCount
	}
	if c.Topology == "" {
		c.Topology = models.TopologyFlat
	}
	if c.IntegrationBranch == "" {
		c.IntegrationBranch = "main"
	}
	if c.Executor.Command == "" {
		c.Executor.Command = "swarm-agent"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7433"
	}
}

// Validate rejects configurations a run cannot start from.
func (c *RunConfig) Validate() error {
	if c.Goal == "" {
		return fmt.Errorf("config: goal is required")
	}
	if c.Repo == "" {
		return fmt.Errorf("config: repo is required")
	}
	switch c.Topology {
	case models.TopologyFlat:
	case models.TopologyHierarchical:
		if len(c.Clusters) == 0 {
			return fmt.Errorf("config: hierarchical topology requires clusters")
		}
		if c.Workers < len(c.Clusters) {
			return fmt.Errorf("config: %d workers cannot cover %d clusters", c.Workers, len(c.Clusters))
		}
	default:
		return fmt.Errorf("config: unknown topology %q", c.Topology)
	}
	return nil
}
