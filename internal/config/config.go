package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	// Supabase data store
	SupabaseURL string
	SupabaseKey string

	// External processing services
	TranscriberURL     string
	PromptGenURL       string
	ScorerURL          string
	EventDetectorURL   string
	EventAggregatorURL string
	VoiceFeatureURL    string
	VoiceAggregatorURL string

	// Stage call behavior
	StageTimeout     time.Duration
	LongStageTimeout time.Duration
	ProbeTimeout     time.Duration
	PollInterval     time.Duration
	PollMaxWait      time.Duration
	TickTimeout      time.Duration

	// Slot reconciliation
	ScanDeviceID    string
	ScanCronSpec    string
	ScanAutoStart   bool
	TranscribeModel string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "true" || v == "1" {
			return true
		}
		if v == "false" || v == "0" {
			return false
		}
		slog.Warn("bad bool env, using default", "key", key, "value", v)
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		slog.Warn("bad duration env, using default", "key", key, "value", v)
	}
	return def
}

func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	// try to find .env files starting from current directory and going up
	currentDir, err := os.Getwd()
	if err != nil {
		slog.Debug("failed to get current directory", "error", err)
		return
	}

	// look in current directory and up to 3 parent directories
	searchDirs := []string{currentDir}
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(currentDir)
		if parent == currentDir {
			break // reached root
		}
		searchDirs = append(searchDirs, parent)
		currentDir = parent
	}

	loadedAny := false
	for _, dir := range searchDirs {
		for _, envFile := range envFiles {
			envPath := filepath.Join(dir, envFile)
			if _, err := os.Stat(envPath); err == nil {
				if err := godotenv.Load(envPath); err == nil {
					slog.Debug("loaded environment file", "path", envPath)
					loadedAny = true
				} else {
					slog.Debug("failed to load environment file", "path", envPath, "error", err)
				}
			}
		}
		if loadedAny {
			break // stop searching once we find .env files in a directory
		}
	}

	if !loadedAny {
		slog.Debug("no .env files found, using system environment variables only")
	}
}

func Load() Config {
	loadEnvFiles()
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":9000"),

		SupabaseURL: getenv("SUPABASE_URL", ""),
		SupabaseKey: getenv("SUPABASE_KEY", ""),

		TranscriberURL:     getenv("TRANSCRIBER_URL", "https://api.hey-watch.me/vibe-transcriber"),
		PromptGenURL:       getenv("PROMPT_GEN_URL", "https://api.hey-watch.me/vibe-aggregator"),
		ScorerURL:          getenv("SCORER_URL", "https://api.hey-watch.me/vibe-scorer"),
		EventDetectorURL:   getenv("EVENT_DETECTOR_URL", "https://api.hey-watch.me/behavior-features"),
		EventAggregatorURL: getenv("EVENT_AGGREGATOR_URL", "https://api.hey-watch.me/behavior-aggregator"),
		VoiceFeatureURL:    getenv("VOICE_FEATURE_URL", "https://api.hey-watch.me/emotion-features"),
		VoiceAggregatorURL: getenv("VOICE_AGGREGATOR_URL", "https://api.hey-watch.me/emotion-aggregator"),

		StageTimeout:     mustDuration("STAGE_TIMEOUT", 300*time.Second),
		LongStageTimeout: mustDuration("LONG_STAGE_TIMEOUT", 600*time.Second),
		ProbeTimeout:     mustDuration("PROBE_TIMEOUT", 5*time.Second),
		PollInterval:     mustDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxWait:      mustDuration("POLL_MAX_WAIT", 300*time.Second),
		TickTimeout:      mustDuration("TICK_TIMEOUT", 15*time.Minute),

		ScanDeviceID:    getenv("SCAN_DEVICE_ID", ""),
		ScanCronSpec:    getenv("SCAN_CRON_SPEC", "0 0,3,6,9,12,15,18,21 * * *"),
		ScanAutoStart:   getBool("SCAN_AUTO_START", false),
		TranscribeModel: getenv("TRANSCRIBE_MODEL", "base"),
	}
}
