package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PanelSeed is one panel entry of the seed file. Domain and RemarkPrefix are
// optional and follow the same defaults as the API.
type PanelSeed struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Domain       string `yaml:"domain"`
	RemarkPrefix string `yaml:"remark_prefix"`
}

type panelSeedFile struct {
	Panels []PanelSeed `yaml:"panels"`
}

// LoadPanelSeeds reads a YAML document of the form
//
//	panels:
//	  - name: de-1
//	    url: https://de1.example.com:2053/secret
//	    username: admin
//	    password: hunter2
//
// An empty path yields no seeds. Names must be unique within the file.
func LoadPanelSeeds(path string) ([]PanelSeed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read panels file: %w", err)
	}
	var doc panelSeedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse panels file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.Panels))
	var errs []string
	for i, p := range doc.Panels {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("panels[%d]: name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("panels[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(p.URL) == "" {
			errs = append(errs, fmt.Sprintf("panels[%d]: url is required", i))
		}
		if strings.TrimSpace(p.Username) == "" {
			errs = append(errs, fmt.Sprintf("panels[%d]: username is required", i))
		}
		doc.Panels[i].Name = name
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("panels file %s:\n  %s", path, strings.Join(errs, "\n  "))
	}
	return doc.Panels, nil
}
