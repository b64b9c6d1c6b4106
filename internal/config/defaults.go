package config

const (
	defaultDataDir            = "~/.local/share/easel"
	defaultLogDir             = "~/.local/share/easel/logs"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMaxConcurrent      = 1
	defaultPollIntervalMS     = 500
	defaultWaitTimeoutSeconds = 300
	defaultGenTimeoutSeconds  = 120
	defaultGenRetryAttempts   = 2

	// maxConcurrentCeiling caps per-resource parallel generations.
	maxConcurrentCeiling = 5
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Workflow: Workflow{
			MaxConcurrent:      defaultMaxConcurrent,
			PollIntervalMS:     defaultPollIntervalMS,
			WaitTimeoutSeconds: defaultWaitTimeoutSeconds,
		},
		Generation: Generation{
			TimeoutSeconds: defaultGenTimeoutSeconds,
			RetryAttempts:  defaultGenRetryAttempts,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
