package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"Hello"}]}}
{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/home/u/proj/main.go"}}]}}
{"type":"progress"}
{"type":"result","session_id":"sess-2","result":"done","is_error":false,"total_cost_usd":0.002,"duration_ms":1234}
`

func collect(t *Translator, chunks ...string) []Event {
	var events []Event
	for _, chunk := range chunks {
		events = append(events, t.Write([]byte(chunk))...)
	}
	events = append(events, t.Close()...)
	return events
}

func TestTranslatorEventSequence(t *testing.T) {
	tr := NewTranslator()
	events := collect(tr, sampleStream)

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventText || events[0].Text != "Hello" || events[0].Final {
		t.Errorf("unexpected text event: %+v", events[0])
	}
	if events[1].Kind != EventToolUse || events[1].Tool != "Read" {
		t.Errorf("unexpected tool event: %+v", events[1])
	}
	if events[1].Description != "Reading proj/main.go" {
		t.Errorf("unexpected description: %q", events[1].Description)
	}
	if events[2].Kind != EventProgress {
		t.Errorf("unexpected progress event: %+v", events[2])
	}
	last := events[3]
	if last.Kind != EventResult || last.Result != "done" || last.IsError {
		t.Errorf("unexpected result event: %+v", last)
	}
	if last.CostUSD != 0.002 || last.DurationMS != 1234 || last.SessionID != "sess-2" {
		t.Errorf("unexpected result fields: %+v", last)
	}
}

func TestTranslatorChunkBoundaryInvariance(t *testing.T) {
	whole := collect(NewTranslator(), sampleStream)

	// Re-parse the same stream split at every possible boundary pair.
	for split := 1; split < len(sampleStream); split++ {
		tr := NewTranslator()
		got := collect(tr, sampleStream[:split], sampleStream[split:])
		if len(got) != len(whole) {
			t.Fatalf("split at %d: expected %d events, got %d", split, len(whole), len(got))
		}
		for i := range got {
			if got[i].Kind != whole[i].Kind || got[i].Text != whole[i].Text || got[i].Tool != whole[i].Tool {
				t.Fatalf("split at %d: event %d differs: %+v vs %+v", split, i, got[i], whole[i])
			}
		}
	}
}

func TestTranslatorMalformedTolerance(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}
this is not json
{not even close
` + "   \n" + `{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}
`
	events := collect(NewTranslator(), input)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Text != "one" || events[1].Text != "two" {
		t.Errorf("valid events dropped or reordered: %+v", events)
	}
}

func TestTranslatorFlushesTrailingSegment(t *testing.T) {
	tr := NewTranslator()
	// No trailing newline: the record completes only on Close.
	if got := tr.Write([]byte(`{"type":"result","result":"tail","is_error":false}`)); len(got) != 0 {
		t.Fatalf("expected no events before close, got %+v", got)
	}
	events := tr.Close()
	if len(events) != 1 || events[0].Result != "tail" {
		t.Fatalf("trailing segment not flushed: %+v", events)
	}
}

func TestTranslatorTokenUpdates(t *testing.T) {
	tr := NewTranslator()
	var tokens []string
	tr.SetTokenHandler(func(token string) { tokens = append(tokens, token) })

	collect(tr, sampleStream)

	// system, both assistant records, and the result all carry ids.
	want := []string{"sess-1", "sess-1", "sess-1", "sess-2"}
	if strings.Join(tokens, ",") != strings.Join(want, ",") {
		t.Errorf("token updates = %v, want %v", tokens, want)
	}
}

func TestDescribeToolUse(t *testing.T) {
	long := strings.Repeat("x", 100)
	tests := []struct {
		tool  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/a/b/c/d.txt"}`, "Reading c/d.txt"},
		{"Write", `{"file_path":"notes.md"}`, "Writing notes.md"},
		{"Edit", `{"file_path":"/x/y.go"}`, "Editing /x/y.go"},
		{"Bash", `{"command":"ls -la"}`, "Running: ls -la"},
		{"Bash", `{"command":"` + long + `"}`, "Running: " + long[:60] + "..."},
		{"Glob", `{"pattern":"**/*.go"}`, "Searching files: **/*.go"},
		{"Grep", `{"pattern":"func main"}`, "Searching code: func main"},
		{"Task", `{}`, "Running sub-task"},
		{"WebSearch", `{"query":"golang pty"}`, "Searching web: golang pty"},
		{"WebFetch", `{"url":"https://example.com"}`, "Fetching: https://example.com"},
		{"MysteryTool", `{}`, "Using MysteryTool"},
	}
	for _, tt := range tests {
		got := DescribeToolUse(tt.tool, json.RawMessage(tt.input))
		if got != tt.want {
			t.Errorf("DescribeToolUse(%s, %s) = %q, want %q", tt.tool, tt.input, got, tt.want)
		}
	}
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	// Two-byte runes guarantee some cap position falls mid-rune.
	long := strings.Repeat("é", 100)
	input, err := json.Marshal(map[string]string{"command": long})
	if err != nil {
		t.Fatal(err)
	}

	got := DescribeToolUse("Bash", input)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("long command not truncated: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
}
