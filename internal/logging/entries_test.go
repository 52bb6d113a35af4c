package logging

import (
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-01-02T10:00:00Z","level":"DEBUG","msg":"spawned","strategy":"reactor","pid":10,"path":"/bin/echo"}
not json
{"time":"2026-01-02T10:00:02Z","level":"WARN","msg":"stream error","strategy":"reactor","pid":10,"session_id":"s1"}

{"time":"2026-01-02T10:00:01Z","level":"INFO","msg":"exit","strategy":"polling","pid":11}
`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	e := entries[0]
	if e.PID != 10 || e.Strategy != "reactor" || e.Message != "spawned" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Attrs["path"] != "/bin/echo" {
		t.Errorf("attrs = %v", e.Attrs)
	}
	if entries[1].SessionID != "s1" {
		t.Errorf("session = %q", entries[1].SessionID)
	}
}

func TestSelect(t *testing.T) {
	entries, _ := Parse(strings.NewReader(sampleLog))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"empty", Filter{}, []string{"spawned", "stream error", "exit"}},
		{"level", Filter{Level: "info"}, []string{"stream error", "exit"}},
		{"pid", Filter{PID: 11}, []string{"exit"}},
		{"strategy", Filter{Strategy: "reactor"}, []string{"spawned", "stream error"}},
		{"session", Filter{SessionID: "s1"}, []string{"stream error"}},
		{"contains", Filter{Contains: "err"}, []string{"stream error"}},
		{"since", Filter{Since: time.Date(2026, 1, 2, 10, 0, 1, 0, time.UTC)}, []string{"stream error", "exit"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(entries, tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Message != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, e.Message, tt.want[i])
				}
			}
		})
	}
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LogFileName), []byte(sampleLog), 0644); err != nil {
		t.Fatal(err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(`{"time":"2026-01-01T00:00:00Z","level":"INFO","msg":"old"}` + "\n"))
	_ = zw.Close()
	if err := os.WriteFile(filepath.Join(dir, LogFileName+".1.gz"), gz.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	want := []string{"old", "spawned", "exit", "stream error"}
	for i, e := range entries {
		if e.Message != want[i] {
			t.Errorf("[%d] = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestReadDir_Missing(t *testing.T) {
	if _, err := ReadDir(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadDir(empty) = %v, want ErrNotExist", err)
	}
}

func TestWriteText(t *testing.T) {
	entries, _ := Parse(strings.NewReader(sampleLog))

	var buf bytes.Buffer
	if err := WriteText(&buf, entries[:1]); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{"DEBUG", "spawned", "(pid=10 reactor)", `{"path":"/bin/echo"}`} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}
