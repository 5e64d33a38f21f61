package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskfleet/internal/domain"
)

// Strictness modes for phase gate validation.
const (
	StrictnessStrict  = "strict"
	StrictnessLenient = "lenient"
	StrictnessBypass  = "bypass"
)

// Settings models taskfleet.yml, the per-project policy file. A copy is
// persisted per project in project_settings and overrides the workspace
// file when present.
type Settings struct {
	Gate struct {
		Strictness      string  `yaml:"strictness" json:"strictness"`
		MinTestCoverage float64 `yaml:"min_test_coverage" json:"min_test_coverage"`
	} `yaml:"gate" json:"gate"`
	Progression struct {
		Auto       bool                   `yaml:"auto" json:"auto"`
		SpawnTasks map[string][]SpawnTask `yaml:"spawn_tasks,omitempty" json:"spawn_tasks,omitempty"`
	} `yaml:"progression" json:"progression"`
	Concurrency struct {
		MaxPerProject int `yaml:"max_per_project" json:"max_per_project"`
	} `yaml:"concurrency" json:"concurrency"`
	Queue struct {
		DefaultMaxRetries  int `yaml:"default_max_retries" json:"default_max_retries"`
		ClaimStaleSeconds  int `yaml:"claim_stale_seconds" json:"claim_stale_seconds"`
		AssignStaleMinutes int `yaml:"assign_stale_minutes" json:"assign_stale_minutes"`
	} `yaml:"queue" json:"queue"`
	Monitor struct {
		StallMinutes int `yaml:"stall_minutes" json:"stall_minutes"`
	} `yaml:"monitor" json:"monitor"`
}

// SpawnTask describes one task the coordinator creates when a ticket
// enters a phase.
type SpawnTask struct {
	TaskType string `yaml:"task_type" json:"task_type"`
	Title    string `yaml:"title" json:"title"`
	Priority string `yaml:"priority" json:"priority"`
}

// tierAgentLimits caps concurrently active executors per organization by
// subscription tier. -1 means unlimited.
var tierAgentLimits = map[string]int{
	"free":       1,
	"pro":        5,
	"team":       20,
	"enterprise": -1,
}

// TierAgentLimit returns the org-wide active-agent cap for a tier.
// Unknown tiers get the free cap.
func TierAgentLimit(tier string) int {
	if limit, ok := tierAgentLimits[tier]; ok {
		return limit
	}
	return tierAgentLimits["free"]
}

// Default returns the built-in settings.
func Default() *Settings {
	var s Settings
	s.Gate.Strictness = StrictnessStrict
	s.Gate.MinTestCoverage = 80
	s.Progression.Auto = true
	s.Concurrency.MaxPerProject = 5
	s.Queue.DefaultMaxRetries = 3
	s.Queue.ClaimStaleSeconds = 60
	s.Queue.AssignStaleMinutes = 3
	s.Monitor.StallMinutes = 30
	return &s
}

// Validate ensures the settings meet required structure.
func (s *Settings) Validate() error {
	switch s.Gate.Strictness {
	case StrictnessStrict, StrictnessLenient, StrictnessBypass:
	default:
		return fmt.Errorf("gate.strictness must be strict, lenient, or bypass; got %q", s.Gate.Strictness)
	}
	if s.Gate.MinTestCoverage < 0 || s.Gate.MinTestCoverage > 100 {
		return fmt.Errorf("gate.min_test_coverage must be in [0,100]; got %v", s.Gate.MinTestCoverage)
	}
	if s.Concurrency.MaxPerProject < 1 {
		return fmt.Errorf("concurrency.max_per_project must be >= 1; got %d", s.Concurrency.MaxPerProject)
	}
	if s.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must be >= 0")
	}
	if s.Queue.ClaimStaleSeconds < 1 {
		return fmt.Errorf("queue.claim_stale_seconds must be >= 1")
	}
	if s.Queue.AssignStaleMinutes < 1 {
		return fmt.Errorf("queue.assign_stale_minutes must be >= 1")
	}
	if s.Monitor.StallMinutes < 1 {
		return fmt.Errorf("monitor.stall_minutes must be >= 1")
	}
	for phase, tasks := range s.Progression.SpawnTasks {
		for i, t := range tasks {
			if t.TaskType == "" {
				return fmt.Errorf("progression.spawn_tasks.%s[%d] has empty task_type", phase, i)
			}
			if t.Priority != "" && !domain.ValidPriority(t.Priority) {
				return fmt.Errorf("progression.spawn_tasks.%s[%d] has unknown priority %q", phase, i, t.Priority)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskfleet.yml")
}

// Load reads and validates settings from workspace.
func Load(workspace string) (*Settings, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tf init first", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Settings, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates settings from raw YAML bytes. Fields the
// file omits keep their defaults.
func FromYAML(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `gate:
  strictness: strict        # strict | lenient | bypass
  min_test_coverage: 80

progression:
  auto: true
  # spawn_tasks overrides the built-in per-phase task templates, e.g.:
  # spawn_tasks:
  #   PHASE_IMPLEMENTATION:
  #     - task_type: implement_feature
  #       title: "Implement the feature"
  #       priority: HIGH

concurrency:
  max_per_project: 5

queue:
  default_max_retries: 3
  claim_stale_seconds: 60
  assign_stale_minutes: 3

monitor:
  stall_minutes: 30
`
