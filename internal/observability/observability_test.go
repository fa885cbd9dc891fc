package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"SwapLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":       zerolog.InfoLevel,
		"debug":  zerolog.DebugLevel,
		"WARN":   zerolog.WarnLevel,
		" error": zerolog.ErrorLevel,
		"chatty": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "settlement", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Str("fingerprint", "0xab").Msg("settled")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["component"] != "settlement" || line["message"] != "settled" {
		t.Errorf("log line: got %v", line)
	}
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()
	probe := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	if got := probe(); got != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d, want 503", got)
	}
	h.SetReady(true)
	if got := probe(); got != http.StatusOK {
		t.Errorf("ready: got %d, want 200", got)
	}

	h.AddCheck("store", func(context.Context) error { return errors.New("disk full") })
	if got := probe(); got != http.StatusServiceUnavailable {
		t.Errorf("failing probe: got %d, want 503", got)
	}
	if f := h.RunChecks(context.Background()); f["store"] != "disk full" {
		t.Errorf("failures: got %v", f)
	}
}

func TestChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.SetChannelMetrics("persist", 25, 100)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "swap_channel_utilization" {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0.25 {
			t.Errorf("utilization: got %v, want 0.25", got)
		}
		return
	}
	t.Error("swap_channel_utilization not registered")
}
