package jobs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// LoadDir reads every *.yml and *.yaml file in dir as one job named after the
// file. Jobs are returned sorted by name.
func LoadDir(dir string) ([]Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	seen := map[string]string{}
	var out []Job
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %q defined by %s and %s", ErrDuplicateJob, name, prev, e.Name())
		}
		seen[name] = e.Name()

		job, err := loadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		job.Name = name
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func loadFile(path string) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return Job{}, err
	}
	defer f.Close()

	var job Job
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil && !errors.Is(err, io.EOF) {
		return Job{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	job.Cluster = strings.TrimSpace(job.Cluster)
	job.Cron = strings.TrimSpace(job.Cron)
	return job, nil
}
