package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// defaultDatadogURL is the v1 series intake endpoint.
const defaultDatadogURL = "https://api.datadoghq.com/api/v1/series"

// CycleStats is the per-cycle summary pushed to the external metrics
// backend.
type CycleStats struct {
	PendingPods      int
	IdleNodes        int
	ScaleUpsPlanned  int
	ScaleUpsExecuted int
	NodesTerminated  int
	Duration         time.Duration
}

// DatadogSink pushes per-cycle gauges to Datadog. Like notification,
// delivery is best-effort: a push failure is logged and swallowed.
type DatadogSink struct {
	apiKey string
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewDatadogSink creates a sink. An empty API key disables every push.
func NewDatadogSink(apiKey string, logger *slog.Logger) *DatadogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatadogSink{
		apiKey: apiKey,
		url:    defaultDatadogURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SetURL overrides the intake endpoint (used by tests).
func (d *DatadogSink) SetURL(url string) { d.url = url }

// Enabled reports whether an API key is configured.
func (d *DatadogSink) Enabled() bool { return d.apiKey != "" }

type ddSeries struct {
	Series []ddMetric `json:"series"`
}

type ddMetric struct {
	Metric string       `json:"metric"`
	Points [][2]float64 `json:"points"`
	Type   string       `json:"type"`
	Tags   []string     `json:"tags,omitempty"`
}

// PushCycle delivers one cycle's stats. Errors are logged and swallowed.
func (d *DatadogSink) PushCycle(ctx context.Context, cluster string, stats CycleStats) {
	if !d.Enabled() {
		return
	}

	now := float64(time.Now().Unix())
	tags := []string{"cluster:" + cluster}
	gauge := func(name string, value float64) ddMetric {
		return ddMetric{
			Metric: "fleet_autoscaler." + name,
			Points: [][2]float64{{now, value}},
			Type:   "gauge",
			Tags:   tags,
		}
	}

	body := ddSeries{Series: []ddMetric{
		gauge("pending_pods", float64(stats.PendingPods)),
		gauge("idle_nodes", float64(stats.IdleNodes)),
		gauge("scale_ups_planned", float64(stats.ScaleUpsPlanned)),
		gauge("scale_ups_executed", float64(stats.ScaleUpsExecuted)),
		gauge("nodes_terminated", float64(stats.NodesTerminated)),
		gauge("cycle_duration_seconds", stats.Duration.Seconds()),
	}}

	if err := d.push(ctx, body); err != nil {
		d.logger.Warn("metrics push failed", "error", err)
	}
}

func (d *DatadogSink) push(ctx context.Context, body ddSeries) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics intake returned status %d", resp.StatusCode)
	}
	return nil
}
