// Command mock-backend is a stand-alone greeter backend for http targets.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

func main() {
	port := os.Getenv("BACKEND_PORT")
	if port == "" {
		port = "8080"
	}
	version := os.Getenv("BACKEND_VERSION")
	if version == "" {
		version = "$LATEST"
	}

	g := target.GreeterFromEnv(version)
	addr := fmt.Sprintf(":%s", port)
	slog.Info("starting mock backend", "addr", addr, "version", version, "randomSleep", g.RandomSleep, "andonCord", g.AndonCordPulled)

	if err := http.ListenAndServe(addr, newMux(g)); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newMux(g *target.Greeter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		r.Body.Close()

		stage := r.Header.Get("X-Api-Stage")
		slog.Info("greet request",
			"path", r.URL.Path,
			"stage", stage,
			"requestId", r.Header.Get("requestId"),
			"bytes", len(body),
			"time", time.Now().Format(time.RFC3339),
		)

		res, err := g.Invoke(r.Context(), target.Invocation{Stage: stage, Payload: body})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, target.ErrAndonCordPulled) {
				status = http.StatusServiceUnavailable
			}
			slog.Warn("greeter failed", "stage", stage, "error", err)
			writeJSON(w, status, envelope.ErrorBody{Error: err.Error(), APIStage: stage})
			return
		}

		writeJSON(w, http.StatusOK, envelope.Greeting{
			Message:       res.Message,
			APIStage:      stage,
			LambdaVersion: res.Version,
			TS:            time.Now().Format(envelope.TimestampLayout),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
