package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"k8s.io/client-go/rest"
)

func TestRunReleasesStagesOnStartupFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte("targets:\n  - stage: dev\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	code := run(context.Background(), options{
		configFile: path,
		restConfig: func() (*rest.Config, error) { return nil, errors.New("no cluster") },
	}, logger)

	if code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if !strings.Contains(logs.String(), "stage configuration unloaded") {
		t.Errorf("loader was not shut down, logs:\n%s", logs.String())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte("targets:\n  - stage: \"a/b\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if code := run(context.Background(), options{configFile: path}, slog.Default()); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
}
