// Package trace decodes the line protocol written by language harnesses into
// typed step and result records.
//
// Two prefixes are recognised, each followed by one JSON object:
//
//	__STEP__ {"description":"...","snapshot":...,"highlights":[...],"metrics":{...}}
//	__RESULT__ {"success":true,"value":...,"elapsed_ms":1.2,"peak_memory_bytes":1024}
//
// The runner hands each harness a random result tag, and the result line is
// then written as __RESULT__:<tag> {...}. A parser given the tag drops result
// lines without it, so code printing its own result line cannot replace the
// harness's. Anything else on stdout is ignored.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	StepPrefix   = "__STEP__"
	ResultPrefix = "__RESULT__"
)

// Metrics are the instantaneous resource readings attached to a step.
type Metrics struct {
	ElapsedMS   float64 `json:"elapsed_ms"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// Step is one observed point during a run.
type Step struct {
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	Highlights  Highlights      `json:"highlights,omitempty"`
	Metrics     Metrics         `json:"metrics"`
}

// Result is the terminal record written once by the harness.
type Result struct {
	Success         bool            `json:"success"`
	Value           json.RawMessage `json:"value,omitempty"`
	Error           string          `json:"error,omitempty"`
	ElapsedMS       float64         `json:"elapsed_ms"`
	PeakMemoryBytes int64           `json:"peak_memory_bytes"`
}

// Highlights are identifiers the algorithm marks as active at a step. Harnesses
// may send numbers or strings; both normalise to strings.
type Highlights []string

func (h *Highlights) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("highlights: %w", err)
	}
	out := make(Highlights, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("highlights: unsupported element %s", r)
		}
		if i, err := n.Int64(); err == nil {
			out = append(out, strconv.FormatInt(i, 10))
		} else {
			out = append(out, n.String())
		}
	}
	*h = out
	return nil
}

// EncodeStep renders a step as a protocol line without the trailing newline.
// The index is not transmitted; the parser assigns it.
func EncodeStep(s Step) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Description string          `json:"description"`
		Snapshot    json.RawMessage `json:"snapshot,omitempty"`
		Highlights  Highlights      `json:"highlights,omitempty"`
		Metrics     Metrics         `json:"metrics"`
	}{s.Description, s.Snapshot, s.Highlights, s.Metrics})
	if err != nil {
		return nil, err
	}
	return append([]byte(StepPrefix+" "), payload...), nil
}

// EncodeResult renders a result as a protocol line without the trailing newline.
func EncodeResult(r Result) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(ResultPrefix+" "), payload...), nil
}

// EncodeTaggedResult renders a result line carrying tag.
func EncodeTaggedResult(r Result, tag string) ([]byte, error) {
	line, err := EncodeResult(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(ResultPrefix+":"+tag), line[len(ResultPrefix):]...), nil
}
