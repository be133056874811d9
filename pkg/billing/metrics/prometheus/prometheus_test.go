package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestPrometheusMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "processed")
	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "processed")
	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "duplicate")
	metrics.RecordWebhookError("stripe", "auth_failed")

	mf := findFamily(t, reg, "test_billing_webhook_events_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labels(m)["outcome"]] = m.GetCounter().GetValue()
	}
	if counts["processed"] != 2 || counts["duplicate"] != 1 {
		t.Errorf("unexpected webhook event counts: %v", counts)
	}

	errs := findFamily(t, reg, "test_billing_webhook_errors_total")
	if got := errs.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("webhook errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_StatusTransitionFromNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusTransition("stripe", "", "active")
	metrics.RecordStatusTransition("stripe", "active", "past_due")

	mf := findFamily(t, reg, "test_billing_subscription_status_transitions_total")
	seen := map[string]bool{}
	for _, m := range mf.GetMetric() {
		l := labels(m)
		seen[l["from_status"]+">"+l["to_status"]] = true
	}
	if !seen["none>active"] || !seen["active>past_due"] {
		t.Errorf("unexpected transitions: %v", seen)
	}
}

func TestPrometheusMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", 50*time.Millisecond)
	metrics.RecordAPICall("stripe", "/subscriptions/{id}", "success")
	metrics.RecordAPICallDuration("stripe", "/subscriptions/{id}", 120*time.Millisecond)
	metrics.RecordCheckout("stripe", "created")

	hist := findFamily(t, reg, "test_billing_webhook_processing_duration_seconds")
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
	api := findFamily(t, reg, "test_billing_api_call_duration_seconds")
	if got := api.GetMetric()[0].GetHistogram().GetSampleSum(); got < 0.11 || got > 0.13 {
		t.Errorf("api call duration sum = %v", got)
	}
	checkouts := findFamily(t, reg, "test_billing_checkouts_total")
	if got := checkouts.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("checkouts = %v, want 1", got)
	}
	findFamily(t, reg, "test_billing_api_calls_total")
}
