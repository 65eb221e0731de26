package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveStageDuration("classify", 150*time.Millisecond)
	pr.ObservePipelineDuration(5 * time.Second)
	pr.IncPipelineOutcome(ResultSuccess)
	pr.IncSectionResult(ResultFailed)
	pr.AddLLMTokens("openai", "gpt-4o", 120, 40)
	pr.IncLLMCall("openai", ResultSuccess)
	pr.SetRepositoriesByStatus("PENDING", 3)
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("clone", time.Second)
	r.IncPipelineOutcome(ResultCanceled)
	r.AddLLMTokens("anthropic", "claude-sonnet", 1, 1)
	r.SetRepositoriesByStatus("FAILED", 0)
}
