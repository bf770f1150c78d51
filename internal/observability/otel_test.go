package observability

import (
	"context"
	"testing"

	"github.com/brightming/genflow/internal/logger"
)

func TestSampleRatioClamped(t *testing.T) {
	cases := map[string]float64{
		"":     0.1,
		"0.5":  0.5,
		"-1":   0,
		"3":    1,
		"junk": 0.1,
	}
	for in, want := range cases {
		t.Setenv("OTEL_SAMPLER_RATIO", in)
		if got := otelSampleRatio(); got != want {
			t.Errorf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestHeadersParsed(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=1, b = 2 ,bad,=x")
	h := otelHeaders()
	if len(h) != 2 || h["a"] != "1" || h["b"] != "2" {
		t.Fatalf("headers = %v", h)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	shutdown := InitOTel(context.Background(), logger.Nop(), OtelConfig{ServiceName: "test"})
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop")
	span.End()
}
