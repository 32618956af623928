package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_FileDefaultsAndEnv(t *testing.T) {
	path := writeConfig(t, `
default_destination_id: "room-1"
generator:
  command: "cat $ARTIFACT_PATH"
poll:
  interval: 2m
dispatch:
  max_attempts: 3
`)
	t.Setenv("RELAY_CHATWORK_TOKEN", "from-env")
	t.Setenv("RELAY_POLL_RUN_ON_START", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DefaultDestinationID != "room-1" || cfg.Generator.Command != "cat $ARTIFACT_PATH" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Poll.Interval != 2*time.Minute || cfg.Poll.ListTimeout != 30*time.Second || cfg.Poll.RunOnStart {
		t.Fatalf("unexpected poll config: %+v", cfg.Poll)
	}
	if cfg.Chatwork.Token != "from-env" || cfg.Chatwork.MaxChunk != 20000 {
		t.Fatalf("unexpected chatwork config: %+v", cfg.Chatwork)
	}
	if cfg.Poll.Lookback != 30*24*time.Hour || cfg.Runner.FetchTimeout != 10*time.Minute {
		t.Fatalf("unexpected defaults: poll=%+v runner=%+v", cfg.Poll, cfg.Runner)
	}
	if cfg.Dispatch.MaxAttempts != 3 || cfg.Store.Backend != "file" || cfg.HttpListenAddr != ":8080" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "missing generator command", content: "store:\n  backend: file\n", want: "Command"},
		{name: "unknown backend", content: "generator:\n  command: x\nstore:\n  backend: sqlite\n", want: "Backend"},
		{name: "chunk too large", content: "generator:\n  command: x\nchatwork:\n  max_chunk: 50000\n", want: "MaxChunk"},
		{name: "unbounded fetch stage", content: "generator:\n  command: x\nrunner:\n  fetch_timeout: 0s\n", want: "FetchTimeout"},
		{name: "negative deliver stage", content: "generator:\n  command: x\nrunner:\n  deliver_timeout: -1s\n", want: "DeliverTimeout"},
		{name: "etcd without endpoints", content: "generator:\n  command: x\nstore:\n  backend: etcd\netcd:\n  endpoints: []\n", want: "required_for_etcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_RejectsZeroStageTimeoutFromEnv(t *testing.T) {
	t.Setenv("RELAY_GENERATOR_COMMAND", "cat $ARTIFACT_PATH")
	t.Setenv("RELAY_RUNNER_FETCH_TIMEOUT", "0s")

	_, err := Load(writeConfig(t, "store:\n  backend: file\n"))
	if err == nil || !strings.Contains(err.Error(), "FetchTimeout") {
		t.Fatalf("expected FetchTimeout validation error, got %v", err)
	}
}
