package pipeline

import (
	"time"

	"github.com/watchme/admin/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		TranscriberURL:     "https://api.example.com/vibe-transcriber",
		PromptGenURL:       "https://api.example.com/vibe-aggregator",
		ScorerURL:          "https://api.example.com/vibe-scorer",
		EventDetectorURL:   "https://api.example.com/behavior-features",
		EventAggregatorURL: "https://api.example.com/behavior-aggregator",
		VoiceFeatureURL:    "https://api.example.com/emotion-features",
		VoiceAggregatorURL: "https://api.example.com/emotion-aggregator",
		StageTimeout:       300 * time.Second,
		LongStageTimeout:   600 * time.Second,
	}
}
