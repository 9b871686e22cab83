package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogBuffer_HoldsPartialLines(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("engine: step "))
	lines, _ := b.Snapshot(10, "")
	if len(lines) != 0 {
		t.Fatalf("partial line leaked: %v", lines)
	}
	_, _ = b.Write([]byte("axis y\r\nweb: up\n\n"))
	lines, _ = b.Snapshot(10, "")
	if len(lines) != 2 || lines[0] != "engine: step axis y" || lines[1] != "web: up" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLogBuffer_TrimsAndCountsDropped(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		_, _ = fmt.Fprintf(b, "line %d\n", i)
	}
	lines, dropped := b.Snapshot(10, "")
	if dropped != 2 {
		t.Fatalf("dropped=%d want 2", dropped)
	}
	if strings.Join(lines, ",") != "line 2,line 3,line 4" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLogBuffer_SnapshotMatchAndTail(t *testing.T) {
	b := NewLogBuffer(100)
	for _, l := range []string{"engine: a", "ingest: b", "engine: c", "engine: d"} {
		_, _ = io.WriteString(b, l+"\n")
	}
	lines, _ := b.Snapshot(2, "engine:")
	if strings.Join(lines, ",") != "engine: c,engine: d" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLogsHandler(t *testing.T) {
	b := NewLogBuffer(100)
	_, _ = io.WriteString(b, "engine: ppg calibrated, 12 peaks in window\ningest: tcp connected\n")
	ts := httptest.NewServer(Handler(NewStatus(), b, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?match=ingest")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	resp.Body.Close()
	if len(out.Lines) != 1 || out.Lines[0] != "ingest: tcp connected" {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp, err = http.Get(ts.URL + "/api/logs?format=text&tail=1")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ingest: tcp connected\n" {
		t.Fatalf("body=%q", body)
	}

	resp, err = http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tail=0 status=%d want 400", resp.StatusCode)
	}
}
