package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Concurrency: 3,
		},
		Decomposition: DecompositionConfig{
			Threshold:   0.7,
			MaxDepth:    3,
			MaxSubtasks: 6,
			Linking:     "chain",
		},
		Adaptation: AdaptationConfig{
			Mode:                "focused",
			ConfidenceThreshold: 0.7,
			LowScore:            0.4,
			HighScore:           0.8,
			FailureWindow:       5,
			FailureLimit:        3,
			SlowExecution:       Duration(300 * time.Second),
			MaxPivots:           3,
		},
		Safety: SafetyConfig{
			AuditLogPath: ".autopilot/audit.log",
			ProtectedPaths: []string{
				"/etc", "/usr", "/bin", "/sbin", "/boot", "/var/lib",
				"/System", "C:\\Windows", "~/.ssh", "~/.aws", "~/.gnupg",
			},
			Policies: map[string]PolicyConfig{},
		},
		Resources: ResourceConfig{
			Interval:        Duration(time.Second),
			HistorySize:     60,
			Window:          Duration(30 * time.Second),
			SpikeThreshold:  2.0,
			SpikeFloor:      50,
			WarnPercent:     80,
			HighPercent:     90,
			CriticalPercent: 95,
			DiskPath:        "/",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
			MaxRetries:          2,
		},
		Storage: StorageConfig{
			DBPath: ".autopilot/autopilot.db",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
