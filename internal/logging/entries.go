package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed line of childproc.log.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	PID       int            `json:"pid,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero-valued fields match everything; set fields
// are combined with AND.
type Filter struct {
	// Level keeps entries at or above this level.
	Level     string
	Since     time.Time
	PID       int
	Strategy  string
	SessionID string
	Contains  string
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadDir reads childproc.log and its rotated backups (plain or gzipped)
// from dir and returns every entry sorted by time. Lines that are not
// valid JSON are skipped.
func ReadDir(dir string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, LogFileName+"*"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s in %s: %w", LogFileName, dir, os.ErrNotExist)
	}

	var entries []Entry
	for _, p := range paths {
		got, err := readFile(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed log %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return Parse(r)
}

// Parse reads JSON log lines from r.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}

	var e Entry
	if s, ok := raw["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, s)
	}
	e.Level, _ = raw["level"].(string)
	e.Message, _ = raw["msg"].(string)
	e.Strategy, _ = raw["strategy"].(string)
	e.SessionID, _ = raw["session_id"].(string)
	if pid, ok := raw["pid"].(float64); ok {
		e.PID = int(pid)
	}

	for k, v := range raw {
		switch k {
		case "time", "level", "msg", "pid", "strategy", "session_id":
			continue
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[k] = v
	}
	return e, true
}

// Select returns the entries matching f.
func Select(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" {
		want, ok := levelRank[strings.ToUpper(f.Level)]
		have, known := levelRank[e.Level]
		if ok && known && have < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.PID != 0 && e.PID != f.PID {
		return false
	}
	if f.Strategy != "" && e.Strategy != f.Strategy {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
		return false
	}
	return true
}

// WriteText writes entries one per line in a human-readable form:
//
//	[15:04:05.000] WARN stream error (pid=42 reactor) {"error":"..."}
func WriteText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %-5s %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)

		var ctx []string
		if e.PID != 0 {
			ctx = append(ctx, fmt.Sprintf("pid=%d", e.PID))
		}
		if e.Strategy != "" {
			ctx = append(ctx, e.Strategy)
		}
		if e.SessionID != "" {
			ctx = append(ctx, "session="+e.SessionID)
		}
		if len(ctx) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(ctx, " "))
		}
		if len(e.Attrs) > 0 {
			attrs, _ := json.Marshal(e.Attrs)
			b.WriteByte(' ')
			b.Write(attrs)
		}
		b.WriteByte('\n')

		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}
