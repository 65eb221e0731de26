package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder over a Prometheus registry.
type PrometheusRecorder struct {
	once             sync.Once
	registry         *prom.Registry
	stageDuration    *prom.HistogramVec
	pipelineDuration prom.Histogram
	pipelineOutcome  *prom.CounterVec
	sectionResults   *prom.CounterVec
	llmTokens        *prom.CounterVec
	llmCalls         *prom.CounterVec
	reposByStatus    *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers the pipeline metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "codewiki",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.pipelineDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "codewiki",
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end pipeline duration per repository run",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		})
		pr.pipelineOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "codewiki",
			Name:      "pipeline_outcomes_total",
			Help:      "Pipeline outcomes by final status",
		}, []string{"outcome"})
		pr.sectionResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "codewiki",
			Name:      "section_results_total",
			Help:      "Section generation results per leaf",
		}, []string{"result"})
		pr.llmTokens = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "codewiki",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by provider, model and direction",
		}, []string{"provider", "model", "direction"})
		pr.llmCalls = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "codewiki",
			Name:      "llm_calls_total",
			Help:      "Model calls by provider and result",
		}, []string{"provider", "result"})
		pr.reposByStatus = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "codewiki",
			Name:      "repositories_by_status",
			Help:      "Repository counts per pipeline status",
		}, []string{"status"})
		reg.MustRegister(pr.stageDuration, pr.pipelineDuration, pr.pipelineOutcome,
			pr.sectionResults, pr.llmTokens, pr.llmCalls, pr.reposByStatus)
	})
	return pr
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePipelineDuration(d time.Duration) {
	if p == nil || p.pipelineDuration == nil {
		return
	}
	p.pipelineDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPipelineOutcome(outcome ResultLabel) {
	if p == nil || p.pipelineOutcome == nil {
		return
	}
	p.pipelineOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncSectionResult(result ResultLabel) {
	if p == nil || p.sectionResults == nil {
		return
	}
	p.sectionResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) AddLLMTokens(provider, model string, prompt, completion int) {
	if p == nil || p.llmTokens == nil {
		return
	}
	p.llmTokens.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	p.llmTokens.WithLabelValues(provider, model, "completion").Add(float64(completion))
}

func (p *PrometheusRecorder) IncLLMCall(provider string, result ResultLabel) {
	if p == nil || p.llmCalls == nil {
		return
	}
	p.llmCalls.WithLabelValues(provider, string(result)).Inc()
}

func (p *PrometheusRecorder) SetRepositoriesByStatus(status string, n int) {
	if p == nil || p.reposByStatus == nil {
		return
	}
	p.reposByStatus.WithLabelValues(status).Set(float64(n))
}
