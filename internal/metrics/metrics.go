// Package metrics provides Prometheus metrics for the prediction pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage names used as the "stage" label.
const (
	StagePreprocess = "preprocess"
	StageInference  = "inference"
	StageStore      = "store"
)

// PipelineMetrics contains all Prometheus metrics related to predictions.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	PredictionsTotal *prometheus.CounterVec
	PredictionErrors *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	LabelCounter     *prometheus.CounterVec
	ModelLoaded      prometheus.Gauge
}

// NewPipelineMetrics creates and registers the pipeline metrics on registry.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safran_predictions_total",
				Help: "Total number of prediction requests partitioned by mode and status.",
			},
			[]string{"mode", "status"},
		),
		PredictionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safran_prediction_errors_total",
				Help: "Total number of failed predictions partitioned by error kind.",
			},
			[]string{"kind"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safran_pipeline_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"stage"},
		),
		LabelCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safran_predicted_labels_total",
				Help: "Total number of stored predictions partitioned by label.",
			},
			[]string{"label"},
		),
		ModelLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safran_model_loaded",
				Help: "1 when the classification model is loaded and serving.",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.PredictionsTotal, m.PredictionErrors, m.StageDuration, m.LabelCounter, m.ModelLoaded,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveStage records how long a stage took since start.
func (m *PipelineMetrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordResult counts a finished request.
func (m *PipelineMetrics) RecordResult(mode string, err error, kind string) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.PredictionErrors.WithLabelValues(kind).Inc()
	}
	m.PredictionsTotal.WithLabelValues(mode, status).Inc()
}

// RecordLabel counts a stored prediction for label.
func (m *PipelineMetrics) RecordLabel(label string) {
	if m == nil {
		return
	}
	m.LabelCounter.WithLabelValues(label).Inc()
}

// SetModelLoaded flips the model gauge.
func (m *PipelineMetrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}
