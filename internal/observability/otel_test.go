package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/config"
)

func TestSetupDisabledReturnsInertRuntime(t *testing.T) {
	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("runtime should be disabled")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Metric hooks must be safe no-ops.
	runtime.RecordTraceQueueDrop("v0")
	runtime.RecordTraceWriteFailure("write_batch", 3)
}

func TestNilRuntimeIsSafe(t *testing.T) {
	var runtime *Runtime
	if runtime.Enabled() {
		t.Fatal("nil runtime should report disabled")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil runtime: %v", err)
	}
}

func TestWrapHTTPTransportDisabledPassthrough(t *testing.T) {
	runtime := &Runtime{}

	base := http.DefaultTransport
	if got := runtime.WrapHTTPTransport(base); got != base {
		t.Fatal("disabled runtime must return the base transport unchanged")
	}
	if got := runtime.WrapHTTPTransport(nil); got != http.DefaultTransport {
		t.Fatal("nil base should fall back to http.DefaultTransport")
	}
}

func TestChainInterceptorDisabledPassthrough(t *testing.T) {
	runtime := &Runtime{}
	interceptor := runtime.ChainInterceptor()

	want := &chain.Output{Raw: "out", Parsed: true}
	out, err := interceptor(context.Background(), "in", chain.Info{ChainName: "v0"},
		func(_ context.Context, input string) (*chain.Output, error) {
			if input != "in" {
				t.Fatalf("input = %q", input)
			}
			return want, nil
		})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if out != want {
		t.Fatal("output not passed through")
	}
}

func TestChainInterceptorPropagatesErrors(t *testing.T) {
	runtime := &Runtime{}
	interceptor := runtime.ChainInterceptor()

	wantErr := errors.New("model offline")
	_, err := interceptor(context.Background(), "in", chain.Info{ChainName: "v1"},
		func(context.Context, string) (*chain.Output, error) {
			return nil, wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestNormalizeOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host", "collector:4318", "collector:4318", false, false},
		{"http url", "http://collector:4318", "collector:4318", true, false},
		{"https url", "https://collector:4318", "collector:4318", false, false},
		{"empty", "  ", "", false, true},
		{"bad scheme", "grpc://collector:4317", "", false, true},
		{"missing host", "http://", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, insecure, err := normalizeOTLPEndpoint(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint: %v", err)
			}
			if endpoint != tt.wantEndpoint || insecure != tt.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", endpoint, insecure, tt.wantEndpoint, tt.wantInsecure)
			}
		})
	}
}
