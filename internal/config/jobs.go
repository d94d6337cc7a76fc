package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JobDef is a scheduler job as registered at startup (spec.md §4.5: "Jobs are
// registered at startup from config"). Cadence is either an interval
// ("30m", "1h") or a one-shot RFC3339 timestamp; Scheduler.Register
// interprets which.
type JobDef struct {
	Name     string `yaml:"name"`
	Cadence  string `yaml:"cadence"`
	Command  string `yaml:"command"`
	OneShot  bool   `yaml:"one_shot"`
	Disabled bool   `yaml:"disabled"`
}

// jobDefsFile is the on-disk shape of a jobs.yaml file.
type jobDefsFile struct {
	Jobs []JobDef `yaml:"jobs"`
}

// LoadJobDefs reads scheduler job definitions from a YAML file. A missing
// file yields an empty slice, not an error — an operator may run Leon with
// no user-defined jobs and only the built-ins.
func LoadJobDefs(path string) ([]JobDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job defs %s: %w", path, err)
	}

	var parsed jobDefsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse job defs %s: %w", path, err)
	}

	jobs := make([]JobDef, 0, len(parsed.Jobs))
	for _, j := range parsed.Jobs {
		if !j.Disabled {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
