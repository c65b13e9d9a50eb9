package config

const (
	defaultDataDir    = "~/.local/share/medgate/data"
	defaultStagingDir = "~/.local/share/medgate/staging"
	defaultLogDir     = "~/.local/share/medgate/logs"

	defaultPipelineVersion  = "v1"
	defaultWorkers          = 2
	defaultMaxAttempts      = 3
	defaultRetryBackoffSecs = 5
	defaultStageTimeoutSecs = 600
	defaultQueuePollSecs    = 5
	defaultErrorRetrySecs   = 10
	defaultHeartbeatSecs    = 15
	defaultHeartbeatTimeout = 120
	defaultSweepSecs        = 30

	defaultMinJustificationChars = 20

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Pipeline: Pipeline{
			Version:              defaultPipelineVersion,
			Workers:              defaultWorkers,
			MaxAttempts:          defaultMaxAttempts,
			RetryBackoffSecs:     defaultRetryBackoffSecs,
			StageTimeoutSecs:     defaultStageTimeoutSecs,
			QueuePollSecs:        defaultQueuePollSecs,
			ErrorRetrySecs:       defaultErrorRetrySecs,
			HeartbeatSecs:        defaultHeartbeatSecs,
			HeartbeatTimeoutSecs: defaultHeartbeatTimeout,
			SweepSecs:            defaultSweepSecs,
		},
		Gate: Gate{
			MinJustificationChars: defaultMinJustificationChars,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
