package plugin

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"ragpack/internal/artifact"
)

const metricsFile = "metrics.prom"

// PromMetrics writes run counters in the Prometheus textfile format so a node
// exporter textfile collector can pick them up.
type PromMetrics struct{}

func (p *PromMetrics) Name() string { return "prom_metrics" }

func (p *PromMetrics) PostRun(ctx context.Context, run Context) (artifact.PluginOutputs, error) {
	if err := ctx.Err(); err != nil {
		return artifact.PluginOutputs{}, err
	}
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{
		"pack_type": run.Manifest.Pack.PackType,
		"engine":    run.Manifest.Pack.Engine,
	}
	runGauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ragpack",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		registry.MustRegister(g)
	}
	fatal := 0.0
	if run.Manifest.Outputs.Fatal {
		fatal = 1
	}
	runGauge("questions_total", "Questions executed in the run.", float64(run.Manifest.Outputs.TotalQuestions))
	runGauge("questions_ok", "Questions that finished without issues.", float64(run.Manifest.Outputs.ScoreOK))
	runGauge("ok_percentage", "Share of questions without issues.", run.Manifest.Outputs.OKPercentage)
	runGauge("run_fatal", "1 when a fatal gate failed.", fatal)

	perQuestion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "ragpack",
		Name:        "question_issues",
		Help:        "Validator issues per question and scope.",
		ConstLabels: labels,
	}, []string{"question", "scope"})
	calls := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "ragpack",
		Name:        "question_model_calls",
		Help:        "Model calls per question.",
		ConstLabels: labels,
	}, []string{"question"})
	retries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "ragpack",
		Name:        "question_retries",
		Help:        "Corrective retries per question and kind.",
		ConstLabels: labels,
	}, []string{"question", "kind"})
	registry.MustRegister(perQuestion, calls, retries)

	var issues, modelCalls float64
	for _, record := range run.Records {
		perQuestion.WithLabelValues(record.ID, "answer").Set(float64(len(record.Issues)))
		perQuestion.WithLabelValues(record.ID, "advice").Set(float64(len(record.AdviceIssues)))
		calls.WithLabelValues(record.ID).Set(float64(record.ModelCalls))
		retries.WithLabelValues(record.ID, "schema").Set(float64(record.SchemaRetries))
		retries.WithLabelValues(record.ID, "adaptive").Set(float64(record.AdaptiveReruns))
		retries.WithLabelValues(record.ID, "advice").Set(float64(record.AdviceRetries))
		issues += float64(len(record.Issues) + len(record.AdviceIssues))
		modelCalls += float64(record.ModelCalls)
	}

	if err := prometheus.WriteToTextfile(run.Writer.Path(metricsFile), registry); err != nil {
		return artifact.PluginOutputs{}, fmt.Errorf("write metrics textfile: %w", err)
	}
	if err := run.Writer.Track(metricsFile, "prometheus metrics"); err != nil {
		return artifact.PluginOutputs{}, err
	}
	return outputsFor(run.Writer, map[string]float64{
		"issues_total":      issues,
		"model_calls_total": modelCalls,
	}, metricsFile), nil
}
