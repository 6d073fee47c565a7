// Package stream translates the agent CLI's stream-json stdout into
// typed events. Input arrives in arbitrary chunks; records are complete
// newline-terminated JSON objects.
package stream

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"unicode/utf8"
)

// Event kinds.
const (
	EventText     = "text"
	EventToolUse  = "tool_use"
	EventProgress = "progress"
	EventResult   = "result"
)

// Event is one normalized unit of agent output.
type Event struct {
	Kind string

	// EventText
	Text  string
	Final bool

	// EventToolUse
	Tool        string
	ToolInput   json.RawMessage
	Description string

	// EventResult
	Result     string
	IsError    bool
	CostUSD    float64
	DurationMS int64

	// Resumption token carried by the record, when present.
	SessionID string
}

// TokenHandler receives resumption token updates. It fires for every
// record carrying a session id, including ones that publish no event.
type TokenHandler func(token string)

// Translator buffers raw stdout bytes and emits events per complete
// record. One Translator serves one process invocation.
type Translator struct {
	buf     bytes.Buffer
	onToken TokenHandler
}

func NewTranslator() *Translator {
	return &Translator{}
}

func (t *Translator) SetTokenHandler(handler TokenHandler) {
	t.onToken = handler
}

// Write appends a chunk and returns events for every record completed by
// it. The trailing partial line is retained for the next call.
func (t *Translator) Write(chunk []byte) []Event {
	t.buf.Write(chunk)

	var events []Event
	for {
		data := t.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		t.buf.Next(idx + 1)

		events = append(events, t.parseLine(line)...)
	}
	return events
}

// Close flushes any retained partial line as a final record.
func (t *Translator) Close() []Event {
	line := t.buf.Bytes()
	t.buf.Reset()
	return t.parseLine(line)
}

// streamRecord is the superset of fields across record types.
type streamRecord struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Subtype      string  `json:"subtype"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (t *Translator) parseLine(line []byte) []Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	var rec streamRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		// Malformed records never abort the stream.
		return nil
	}

	if rec.SessionID != "" && t.onToken != nil {
		t.onToken(rec.SessionID)
	}

	switch rec.Type {
	case "assistant":
		var events []Event
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				events = append(events, Event{
					Kind: EventText,
					Text: block.Text,
				})
			case "tool_use":
				events = append(events, Event{
					Kind:        EventToolUse,
					Tool:        block.Name,
					ToolInput:   block.Input,
					Description: DescribeToolUse(block.Name, block.Input),
				})
			}
		}
		return events

	case "progress":
		return []Event{{Kind: EventProgress, Description: "Working..."}}

	case "system":
		log.Printf("agent system record: subtype=%s", rec.Subtype)
		return nil

	case "result":
		cost := rec.TotalCostUSD
		if cost == 0 {
			cost = rec.CostUSD
		}
		return []Event{{
			Kind:       EventResult,
			Result:     rec.Result,
			IsError:    rec.IsError,
			CostUSD:    cost,
			DurationMS: rec.DurationMS,
			SessionID:  rec.SessionID,
		}}
	}

	return nil
}

const maxDescribeLen = 60

// DescribeToolUse derives a short human-readable line for a tool call.
func DescribeToolUse(name string, input json.RawMessage) string {
	var fields struct {
		FilePath    string `json:"file_path"`
		Command     string `json:"command"`
		Pattern     string `json:"pattern"`
		Query       string `json:"query"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &fields)
	}

	switch name {
	case "Read":
		return "Reading " + shortenPath(fields.FilePath)
	case "Write":
		return "Writing " + shortenPath(fields.FilePath)
	case "Edit":
		return "Editing " + shortenPath(fields.FilePath)
	case "Bash":
		return "Running: " + truncate(fields.Command)
	case "Glob":
		return "Searching files: " + fields.Pattern
	case "Grep":
		return "Searching code: " + truncate(fields.Pattern)
	case "Task":
		return "Running sub-task"
	case "WebSearch":
		return "Searching web: " + truncate(fields.Query)
	case "WebFetch":
		return "Fetching: " + truncate(fields.URL)
	default:
		return "Using " + name
	}
}

// shortenPath keeps at most the last two path segments. The leading
// slash of an absolute path is not a segment.
func shortenPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= 2 {
		return path
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func truncate(value string) string {
	if len(value) <= maxDescribeLen {
		return value
	}
	cut := maxDescribeLen
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
