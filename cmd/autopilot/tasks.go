package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/scheduler"
)

// taskFile is the YAML batch accepted by "autopilot run".
type taskFile struct {
	Mode        string     `yaml:"mode"`
	Goals       []string   `yaml:"goals"`
	Constraints []string   `yaml:"constraints"`
	Tasks       []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	ID        string   `yaml:"id"`
	Prompt    string   `yaml:"prompt"`
	Type      string   `yaml:"type"`
	Files     []string `yaml:"files"`
	Command   string   `yaml:"command"`
	Priority  int      `yaml:"priority"`
	Strategy  string   `yaml:"strategy"`
	DependsOn []string `yaml:"depends_on"`
}

func loadTaskFile(path string) (*taskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	return parseTaskFile(data)
}

func parseTaskFile(data []byte) (*taskFile, error) {
	var f taskFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("task file has no tasks")
	}
	return &f, nil
}

// schedulerTasks converts the specs, validating types and strategies.
func (f *taskFile) schedulerTasks() ([]scheduler.Task, error) {
	tasks := make([]scheduler.Task, 0, len(f.Tasks))
	var errs []error
	for i, s := range f.Tasks {
		name := s.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if strings.TrimSpace(s.Prompt) == "" {
			errs = append(errs, fmt.Errorf("task %s: prompt is required", name))
			continue
		}
		typ, err := scheduler.ParseTaskType(s.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
			continue
		}
		strategy, err := parseStrategy(s.Strategy)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
			continue
		}
		tasks = append(tasks, scheduler.Task{
			ID:           s.ID,
			Prompt:       s.Prompt,
			Type:         typ,
			Files:        s.Files,
			Command:      s.Command,
			BasePriority: s.Priority,
			Strategy:     strategy,
			DependsOn:    s.DependsOn,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tasks, nil
}

// parseStrategy accepts an empty string, which lets the selector decide.
func parseStrategy(s string) (scheduler.Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, st := range scheduler.Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}
