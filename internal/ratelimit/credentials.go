package ratelimit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is one entry in the external credential store.
type Credential struct {
	Name     string `yaml:"name"`
	EnvKey   string `yaml:"env"`
	Material string `yaml:"material"`
}

type credentialsFile struct {
	Credentials []Credential `yaml:"credentials"`
}

// LoadCredentials reads the YAML credential store at path. The file is a
// prioritized list:
//
//	credentials:
//	  - name: primary
//	    env: SWARMGIT_API_KEY
//	    material: sk-...
func LoadCredentials(path string) ([]Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f credentialsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	for i, c := range f.Credentials {
		if c.Name == "" {
			return nil, fmt.Errorf("credentials %s: entry %d has no name", path, i)
		}
	}
	return f.Credentials, nil
}
