package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

func TestMockBackendGreets(t *testing.T) {
	mux := newMux(&target.Greeter{Message: "hello", Version: "9"})

	req := httptest.NewRequest(http.MethodPost, "/greet", strings.NewReader(`{}`))
	req.Header.Set("X-Api-Stage", "dev")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	g, err := envelope.DecodeGreeting(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if g.Message != "hello" || g.APIStage != "dev" || g.LambdaVersion != "9" {
		t.Errorf("greeting = %+v", g)
	}
}

func TestMockBackendAndonCord(t *testing.T) {
	mux := newMux(&target.Greeter{AndonCordPulled: true})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/greet", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
