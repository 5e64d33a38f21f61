package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
)

func TestDefaultValid(t *testing.T) {
	s := config.Default()
	require.NoError(t, s.Validate())
	require.Equal(t, config.StrictnessStrict, s.Gate.Strictness)
	require.Equal(t, 80.0, s.Gate.MinTestCoverage)
	require.True(t, s.Progression.Auto)
	require.Equal(t, 5, s.Concurrency.MaxPerProject)
	require.Equal(t, 3, s.Queue.DefaultMaxRetries)
	require.Equal(t, 30, s.Monitor.StallMinutes)
}

func TestFromYAMLPartialOverride(t *testing.T) {
	s, err := config.FromYAML([]byte("gate:\n  strictness: lenient\nmonitor:\n  stall_minutes: 15\n"))
	require.NoError(t, err)
	require.Equal(t, config.StrictnessLenient, s.Gate.Strictness)
	require.Equal(t, 15, s.Monitor.StallMinutes)
	// Omitted fields keep their defaults.
	require.Equal(t, 80.0, s.Gate.MinTestCoverage)
	require.Equal(t, 5, s.Concurrency.MaxPerProject)
}

func TestFromYAMLSpawnTasks(t *testing.T) {
	raw := `
progression:
  auto: true
  spawn_tasks:
    PHASE_TESTING:
      - task_type: smoke_tests
        title: Run smoke tests
        priority: CRITICAL
`
	s, err := config.FromYAML([]byte(raw))
	require.NoError(t, err)
	tasks := s.Progression.SpawnTasks[domain.PhaseTesting]
	require.Len(t, tasks, 1)
	require.Equal(t, "smoke_tests", tasks[0].TaskType)
	require.Equal(t, domain.PriorityCritical, tasks[0].Priority)
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []string{
		"gate:\n  strictness: relaxed\n",
		"gate:\n  min_test_coverage: 120\n",
		"concurrency:\n  max_per_project: 0\n",
		"queue:\n  claim_stale_seconds: 0\n",
		"monitor:\n  stall_minutes: 0\n",
		"progression:\n  spawn_tasks:\n    PHASE_TESTING:\n      - title: no type\n",
		"progression:\n  spawn_tasks:\n    PHASE_TESTING:\n      - task_type: x\n        priority: URGENT\n",
		"gate: [not, a, map]\n",
	}
	for _, raw := range cases {
		_, err := config.FromYAML([]byte(raw))
		require.Error(t, err, "yaml: %s", raw)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	s, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, config.Default(), s)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	s, err := config.LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, config.Default(), s)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "taskfleet.yml"),
		[]byte("gate:\n  strictness: bypass\n"), 0o644))
	s, err = config.LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, config.StrictnessBypass, s.Gate.Strictness)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "tf init")
}

func TestTierAgentLimit(t *testing.T) {
	require.Equal(t, 1, config.TierAgentLimit("free"))
	require.Equal(t, 5, config.TierAgentLimit("pro"))
	require.Equal(t, 20, config.TierAgentLimit("team"))
	require.Equal(t, -1, config.TierAgentLimit("enterprise"))
	require.Equal(t, 1, config.TierAgentLimit("never-heard-of-it"))
}
