package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// SchedulerConfig controls the dispatch loop and worker pool.
type SchedulerConfig struct {
	Concurrency int  `json:"concurrency"`          // Worker pool size (default 3)
	KeepAlive   bool `json:"keep_alive,omitempty"` // Keep Run alive when idle
}

// DecompositionConfig controls when and how tasks are split.
type DecompositionConfig struct {
	Threshold   float64 `json:"threshold"`    // Complexity above which tasks are decomposed (default 0.7)
	MaxDepth    int     `json:"max_depth"`    // Initial recursion budget
	MaxSubtasks int     `json:"max_subtasks"` // Upper bound on subtasks per decomposition
	Linking     string  `json:"linking"`      // "chain" (default) or "graph"
}

// AdaptationConfig tunes the adaptation rules.
type AdaptationConfig struct {
	Mode                string   `json:"mode"`                 // focused, exploration, conservative
	ConfidenceThreshold float64  `json:"confidence_threshold"` // Opportunities at or below are not applied
	LowScore            float64  `json:"low_score"`
	HighScore           float64  `json:"high_score"`
	FailureWindow       int      `json:"failure_window"`
	FailureLimit        int      `json:"failure_limit"`
	SlowExecution       Duration `json:"slow_execution"`
	MaxPivots           int      `json:"max_pivots"`
}

// PolicyConfig declares an additional safety policy.
type PolicyConfig struct {
	Kind                string   `json:"kind"` // path, command, content
	Patterns            []string `json:"patterns"`
	Severity            string   `json:"severity"` // low, medium, high, critical
	AutoBlock           bool     `json:"auto_block,omitempty"`
	RequireConfirmation bool     `json:"require_confirmation,omitempty"`
	Description         string   `json:"description,omitempty"`
}

// SafetyConfig configures the safety monitor.
type SafetyConfig struct {
	AuditLogPath   string                  `json:"audit_log_path"`
	ProtectedPaths []string                `json:"protected_paths,omitempty"`
	Policies       map[string]PolicyConfig `json:"policies,omitempty"` // Policy ID -> extra policy
}

// ResourceConfig configures the resource monitor and resource policies.
type ResourceConfig struct {
	Interval        Duration `json:"interval"`
	HistorySize     int      `json:"history_size"`
	Window          Duration `json:"window"`
	SpikeThreshold  float64  `json:"spike_threshold"`
	SpikeFloor      float64  `json:"spike_floor"`
	WarnPercent     float64  `json:"warn_percent"`
	HighPercent     float64  `json:"high_percent"`
	CriticalPercent float64  `json:"critical_percent"`
	DiskPath        string   `json:"disk_path"`
}

// BreakerConfig configures every circuit breaker in the registry.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout"`
}

// RetryConfig configures exponential backoff around the task processor.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
	MaxRetries          int      `json:"max_retries"`
}

// ProcessorConfig configures the external command used as task processor.
type ProcessorConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// StorageConfig configures the SQLite archive.
type StorageConfig struct {
	DBPath string `json:"db_path,omitempty"` // Empty disables the archive
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Dir    string `json:"dir,omitempty"` // When set, logs go to {dir}/autopilot.log
}

// Config is the top-level configuration.
type Config struct {
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Decomposition DecompositionConfig `json:"decomposition"`
	Adaptation    AdaptationConfig    `json:"adaptation"`
	Safety        SafetyConfig        `json:"safety"`
	Resources     ResourceConfig      `json:"resources"`
	Breaker       BreakerConfig       `json:"breaker"`
	Retry         RetryConfig         `json:"retry"`
	Processor     ProcessorConfig     `json:"processor"`
	Storage       StorageConfig       `json:"storage"`
	Logging       LoggingConfig       `json:"logging"`
}
