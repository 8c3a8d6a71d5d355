package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/razvanmacovei/stagevar-gateway/internal/config"
	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/router"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, cfg *config.Config, stages ...string) *Handler {
	t.Helper()
	store := registry.New()
	for _, stage := range stages {
		if err := store.Register(stage, registry.Descriptor{ID: stage + "-alias", Endpoint: &target.Greeter{}}); err != nil {
			t.Fatalf("Register(%q): %v", stage, err)
		}
	}
	h, err := NewHandler(router.New(store, router.WithLogger(quiet())), cfg, quiet())
	if err != nil {
		t.Fatalf("NewHandler returned error: %v", err)
	}
	return h
}

func testConfig() *config.Config {
	c := &config.Config{
		Deployments: []config.Deployment{
			{Name: "miztiik-dev", Variables: map[string]string{"lambdaAlias": "dev"}},
			{Name: "miztiik-prod", Variables: map[string]string{"lambdaAlias": "prod"}},
			{Name: "anti-pattern"},
			{Name: "throttled", Variables: map[string]string{"lambdaAlias": "dev"}, Throttling: config.Throttling{RateLimit: 0.001, BurstLimit: 1}},
		},
		RequiredHeaders: []config.HeaderRule{{Name: "InvocationType", Pattern: "^(RequestResponse|Event)$"}},
	}
	c.ApplyDefaults()
	return c
}

func get(h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

var invocationHeader = map[string]string{"InvocationType": "RequestResponse"}

func TestHandlerRoutesByStageVariable(t *testing.T) {
	h := newTestHandler(t, testConfig(), "dev", "prod")

	for deployment, stage := range map[string]string{"miztiik-dev": "dev", "miztiik-prod": "prod"} {
		w := get(h, "/"+deployment+"/wa-api/greeter", invocationHeader)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200, body %s", deployment, w.Code, w.Body.String())
		}
		var g envelope.Greeting
		if err := json.NewDecoder(w.Body).Decode(&g); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if g.APIStage != stage {
			t.Errorf("%s: api_stage = %q, want %q", deployment, g.APIStage, stage)
		}
		if g.LambdaVersion != stage+"-alias" {
			t.Errorf("%s: lambda_version = %q", deployment, g.LambdaVersion)
		}
		if w.Header().Get("X-Request-Id") == "" {
			t.Error("X-Request-Id header missing")
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
	}
}

func TestHandlerDeploymentWithoutStageVariableUsesFallback(t *testing.T) {
	h := newTestHandler(t, testConfig(), envelope.FallbackStage)

	w := get(h, "/anti-pattern/wa-api/greeter", invocationHeader)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	var g envelope.Greeting
	json.NewDecoder(w.Body).Decode(&g)
	if g.APIStage != envelope.FallbackStage {
		t.Errorf("api_stage = %q, want %q", g.APIStage, envelope.FallbackStage)
	}
}

func TestHandlerRejections(t *testing.T) {
	h := newTestHandler(t, testConfig(), "dev")

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{name: "unknown deployment", method: http.MethodGet, path: "/miztiik-qa/wa-api/greeter", headers: invocationHeader, want: http.StatusForbidden},
		{name: "unknown resource", method: http.MethodGet, path: "/miztiik-dev/wa-api/other", headers: invocationHeader, want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodDelete, path: "/miztiik-dev/wa-api/greeter", headers: invocationHeader, want: http.StatusMethodNotAllowed},
		{name: "missing header", method: http.MethodGet, path: "/miztiik-dev/wa-api/greeter", want: http.StatusBadRequest},
		{name: "header not matching", method: http.MethodGet, path: "/miztiik-dev/wa-api/greeter", headers: map[string]string{"InvocationType": "DryRun"}, want: http.StatusBadRequest},
		{name: "unregistered stage", method: http.MethodGet, path: "/miztiik-prod/wa-api/greeter", headers: invocationHeader, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandlerMissingHeaderMessage(t *testing.T) {
	h := newTestHandler(t, testConfig(), "dev")
	w := get(h, "/miztiik-dev/wa-api/greeter", nil)
	if !strings.Contains(w.Body.String(), "InvocationType") {
		t.Errorf("body = %s, want it to name InvocationType", w.Body.String())
	}
}

func TestHandlerMethodNotAllowedSetsAllow(t *testing.T) {
	h := newTestHandler(t, testConfig(), "dev")
	r := httptest.NewRequest(http.MethodPost, "/miztiik-dev/wa-api/greeter", nil)
	r.Header.Set("InvocationType", "Event")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Allow"); got != "GET" {
		t.Errorf("Allow = %q, want GET", got)
	}
}

func TestHandlerThrottling(t *testing.T) {
	h := newTestHandler(t, testConfig(), "dev")

	if w := get(h, "/throttled/wa-api/greeter", invocationHeader); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	if w := get(h, "/throttled/wa-api/greeter", invocationHeader); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
	// Other deployments keep their own bucket.
	if w := get(h, "/miztiik-dev/wa-api/greeter", invocationHeader); w.Code != http.StatusOK {
		t.Errorf("other deployment status = %d, want 200", w.Code)
	}
}

func TestHandlerForwardsPayloadAndHeaders(t *testing.T) {
	store := registry.New()
	var got target.Invocation
	store.Register("dev", registry.Descriptor{Endpoint: target.InvokerFunc(
		func(_ context.Context, inv target.Invocation) (*target.Result, error) {
			got = inv
			return &target.Result{}, nil
		},
	)})
	h, err := NewHandler(router.New(store, router.WithLogger(quiet())), testConfig(), quiet())
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/miztiik-dev/wa-api/greeter", strings.NewReader("payload"))
	r.Header.Set("InvocationType", "Event")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if string(got.Payload) != "payload" {
		t.Errorf("payload = %q", got.Payload)
	}
	if got.Metadata["InvocationType"] != "Event" || got.Metadata["deployment"] != "miztiik-dev" || got.Metadata["path"] != "/wa-api/greeter" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.StageVariables["lambdaAlias"] != "dev" {
		t.Errorf("stage variables = %v", got.StageVariables)
	}
}

func TestServerHealthz(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler(), quiet())
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}
