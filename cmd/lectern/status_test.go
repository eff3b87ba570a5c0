package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewStatusCmd(t *testing.T) {
	cmd := newStatusCmd()
	if cmd.Use != "status" {
		t.Errorf("Use = %q, want %q", cmd.Use, "status")
	}
	if got := cmd.Flags().Lookup("limit").DefValue; got != "20" {
		t.Errorf("--limit default = %q, want 20", got)
	}
}

func TestStatusCmd_FormatsPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pipeline_status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"audio_bridge": map[string]any{
				"ready": true, "sink_name": "at_class_sink", "source_name": "student_voice",
			},
			"roles":  []string{"ai", "teacher", "class", "stt"},
			"queues": map[string]int{"ai": 2, "teacher": 0, "class": 0, "stt": 0},
			"segments": []map[string]any{
				{"segment_id": "seg-1", "flow_run_id": "log1", "status": "sent", "injected": false},
			},
		})
	}))
	defer srv.Close()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--addr", srv.URL, "--limit", "5"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Audio bridge: ready") {
		t.Errorf("missing bridge line: %s", out)
	}
	if !strings.Contains(out, "ai") || !strings.Contains(out, "seg-1") {
		t.Errorf("missing queue or segment rows: %s", out)
	}
}

func TestStatusCmd_ServerUnreachable(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "--addr", "http://127.0.0.1:1"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
