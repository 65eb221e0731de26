// Package metrics defines the observability hooks for the documentation
// pipeline. Components receive a Recorder by injection; the noop default
// keeps metrics optional without nil checks at call sites.
package metrics

import "time"

// ResultLabel enumerates outcome categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines the hooks the pipeline, gateway, and scheduler emit.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObservePipelineDuration(d time.Duration)
	IncPipelineOutcome(outcome ResultLabel)
	IncSectionResult(result ResultLabel)
	AddLLMTokens(provider, model string, prompt, completion int)
	IncLLMCall(provider string, result ResultLabel)
	SetRepositoriesByStatus(status string, n int)
}

// NoopRecorder is the default Recorder when metrics are not configured.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObservePipelineDuration(time.Duration)      {}
func (NoopRecorder) IncPipelineOutcome(ResultLabel)             {}
func (NoopRecorder) IncSectionResult(ResultLabel)               {}
func (NoopRecorder) AddLLMTokens(string, string, int, int)      {}
func (NoopRecorder) IncLLMCall(string, ResultLabel)             {}
func (NoopRecorder) SetRepositoriesByStatus(string, int)        {}
