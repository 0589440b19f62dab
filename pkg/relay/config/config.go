package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

type Config struct {
	Addr string

	// Upstream collaborators.
	WorkflowBaseURL string
	GeminiAPIKey    string

	// Audio pipeline.
	FFmpegPath       string
	InputSampleRate  int
	OutputSampleRate int
	TranscodeTimeout time.Duration

	// Session timers.
	ConfigFetchTimeout  time.Duration
	InitWatchdog        time.Duration
	InitBackoffStep     time.Duration
	IdleTimeout         time.Duration
	HealthInterval      time.Duration
	SweepInterval       time.Duration
	FunctionCallTimeout time.Duration

	// Client WebSocket limits.
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
	MaxJSONMessage     int64
	MaxAudioFrameBytes int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOXRELAY_ADDR", ":8080"),
		WorkflowBaseURL:     envOr("VOXRELAY_WORKFLOW_URL", ""),
		GeminiAPIKey:        envOr("VOXRELAY_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		FFmpegPath:          envOr("VOXRELAY_FFMPEG_PATH", "ffmpeg"),
		InputSampleRate:     envIntOr("VOXRELAY_INPUT_SAMPLE_RATE", 16000),
		OutputSampleRate:    envIntOr("VOXRELAY_OUTPUT_SAMPLE_RATE", 24000),
		TranscodeTimeout:    envDurationOr("VOXRELAY_TRANSCODE_TIMEOUT", 10*time.Second),
		ConfigFetchTimeout:  envDurationOr("VOXRELAY_CONFIG_FETCH_TIMEOUT", 15*time.Second),
		InitWatchdog:        envDurationOr("VOXRELAY_INIT_WATCHDOG", 45*time.Second),
		InitBackoffStep:     envDurationOr("VOXRELAY_INIT_BACKOFF_STEP", 2*time.Second),
		IdleTimeout:         envDurationOr("VOXRELAY_IDLE_TIMEOUT", 30*time.Minute),
		HealthInterval:      envDurationOr("VOXRELAY_HEALTH_INTERVAL", 30*time.Second),
		SweepInterval:       envDurationOr("VOXRELAY_SWEEP_INTERVAL", time.Minute),
		FunctionCallTimeout: envDurationOr("VOXRELAY_FUNCTION_CALL_TIMEOUT", 30*time.Second),
		WSWriteTimeout:      envDurationOr("VOXRELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("VOXRELAY_WS_PING_INTERVAL", 20*time.Second),
		MaxJSONMessage:      envInt64Or("VOXRELAY_MAX_JSON_MESSAGE_BYTES", 1<<20),
		MaxAudioFrameBytes:  envIntOr("VOXRELAY_MAX_AUDIO_FRAME_BYTES", 512<<10),
		ReadHeaderTimeout:   envDurationOr("VOXRELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXRELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	// Collect every violation so a misconfigured deploy surfaces all of them
	// in one pass instead of one per restart.
	var errs error
	if strings.TrimSpace(cfg.WorkflowBaseURL) == "" {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_WORKFLOW_URL must be set"))
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_GEMINI_API_KEY (or GEMINI_API_KEY) must be set"))
	}
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_FFMPEG_PATH must not be empty"))
	}
	if cfg.InputSampleRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_INPUT_SAMPLE_RATE must be > 0"))
	}
	if cfg.OutputSampleRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_OUTPUT_SAMPLE_RATE must be > 0"))
	}
	if cfg.TranscodeTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_TRANSCODE_TIMEOUT must be > 0"))
	}
	if cfg.ConfigFetchTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_CONFIG_FETCH_TIMEOUT must be > 0"))
	}
	if cfg.InitWatchdog <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_INIT_WATCHDOG must be > 0"))
	}
	if cfg.InitBackoffStep <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_INIT_BACKOFF_STEP must be > 0"))
	}
	if cfg.IdleTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_IDLE_TIMEOUT must be > 0"))
	}
	if cfg.HealthInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_HEALTH_INTERVAL must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.FunctionCallTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_FUNCTION_CALL_TIMEOUT must be > 0"))
	}
	if cfg.WSWriteTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_WS_WRITE_TIMEOUT must be > 0"))
	}
	if cfg.WSPingInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_WS_PING_INTERVAL must be > 0"))
	}
	if cfg.MaxJSONMessage <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_MAX_JSON_MESSAGE_BYTES must be > 0"))
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_MAX_AUDIO_FRAME_BYTES must be > 0"))
	}
	if cfg.ReadHeaderTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_READ_HEADER_TIMEOUT must be > 0"))
	}
	if cfg.ShutdownGracePeriod <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("VOXRELAY_SHUTDOWN_GRACE_PERIOD must be > 0"))
	}
	if errs != nil {
		return Config{}, errs
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
