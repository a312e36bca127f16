// Package pipeline runs fixed ordered stage sequences for one job context,
// short-circuiting on the first failing stage.
package pipeline

import (
	"net/http"

	"github.com/watchme/admin/internal/config"
	"github.com/watchme/admin/internal/stage"
)

// Pipeline names. Each maps to a fixed, configuration-time stage sequence.
const (
	PsychologyGraph = "psychology-graph"
	BehaviorGraph   = "behavior-graph"
	EmotionGraph    = "emotion-graph"
)

// Stage names.
const (
	StageTranscription    = "transcription"
	StagePromptGeneration = "prompt-generation"
	StageScoring          = "scoring"
	StageEventDetection   = "event-detection"
	StageEventAggregation = "event-aggregation"
	StageFeatureExtract   = "feature-extraction"
	StageFeatureAggregate = "feature-aggregation"
)

// Definitions builds the static pipeline table from service endpoints.
// Transcription is the one asynchronous stage: its initial call returns a
// task handle that the poller resolves before the next stage runs.
func Definitions(cfg config.Config) map[string][]stage.Spec {
	transcription := stage.NewSpec(StageTranscription, stage.PayloadDeviceDate,
		cfg.TranscriberURL, "/fetch-and-transcribe", http.MethodPost, cfg.LongStageTimeout)
	transcription.Async = true
	transcription.StatusPath = "/status"

	return map[string][]stage.Spec{
		PsychologyGraph: {
			transcription,
			stage.NewSpec(StagePromptGeneration, stage.PayloadDeviceDate,
				cfg.PromptGenURL, "/generate-mood-prompt-supabase", http.MethodGet, cfg.StageTimeout),
			stage.NewSpec(StageScoring, stage.PayloadDeviceDate,
				cfg.ScorerURL, "/analyze-vibegraph-supabase", http.MethodPost, cfg.LongStageTimeout),
		},
		BehaviorGraph: {
			stage.NewSpec(StageEventDetection, stage.PayloadDeviceDate,
				cfg.EventDetectorURL, "/fetch-and-process-paths", http.MethodPost, cfg.StageTimeout),
			stage.NewSpec(StageEventAggregation, stage.PayloadDeviceDate,
				cfg.EventAggregatorURL, "/analysis/sed", http.MethodPost, cfg.StageTimeout),
		},
		EmotionGraph: {
			stage.NewSpec(StageFeatureExtract, stage.PayloadDeviceDate,
				cfg.VoiceFeatureURL, "/process/emotion-features", http.MethodPost, cfg.StageTimeout),
			stage.NewSpec(StageFeatureAggregate, stage.PayloadDeviceDate,
				cfg.VoiceAggregatorURL, "/analyze/opensmile-aggregator", http.MethodPost, cfg.StageTimeout),
		},
	}
}

// Names lists the known pipeline names.
func Names(defs map[string][]stage.Spec) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names
}
