package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Kind classifies a parsed line.
type Kind int

const (
	KindIgnored Kind = iota
	KindStep
	KindResult
)

// Record is the outcome of parsing one line.
type Record struct {
	Kind   Kind
	Step   Step
	Result *Result
}

// Parser turns protocol lines into records for a single session. Indices are
// assigned in observation order starting at 0, so they stay gap-free even when
// malformed lines are dropped. A Parser is not safe for concurrent use.
type Parser struct {
	maxSteps     int
	resultPrefix []byte
	next      int
	result    *Result
	dropped   int
	truncated bool
}

// NewParser returns a parser that stops emitting steps after maxSteps.
// Zero means unlimited.
func NewParser(maxSteps int) *Parser {
	return &Parser{maxSteps: maxSteps, resultPrefix: []byte(ResultPrefix)}
}

// WithResultTag restricts result lines to those written with tag, as
// EncodeTaggedResult does. Untagged or mistagged result lines count as
// dropped. It returns p.
func (p *Parser) WithResultTag(tag string) *Parser {
	if tag != "" {
		p.resultPrefix = []byte(ResultPrefix + ":" + tag)
	}
	return p
}

type stepPayload struct {
	Description string          `json:"description"`
	Snapshot    json.RawMessage `json:"snapshot"`
	Highlights  Highlights      `json:"highlights"`
	Metrics     Metrics         `json:"metrics"`
}

// Parse decodes one line. Unrecognised and malformed lines yield KindIgnored.
// Once a result has been seen every further line is ignored.
func (p *Parser) Parse(line []byte) Record {
	line = bytes.TrimRight(line, "\r\n")
	if p.result != nil {
		return Record{}
	}

	switch {
	case bytes.HasPrefix(line, []byte(StepPrefix)):
		var sp stepPayload
		if err := decodeObject(line[len(StepPrefix):], &sp); err != nil {
			p.dropped++
			return Record{}
		}
		if p.maxSteps > 0 && p.next >= p.maxSteps {
			p.truncated = true
			return Record{}
		}
		if string(sp.Snapshot) == "null" {
			sp.Snapshot = nil
		}
		step := Step{
			Index:       p.next,
			Description: sp.Description,
			Snapshot:    sp.Snapshot,
			Highlights:  sp.Highlights,
			Metrics:     sp.Metrics,
		}
		p.next++
		return Record{Kind: KindStep, Step: step}

	case bytes.HasPrefix(line, p.resultPrefix):
		var r Result
		if err := decodeObject(line[len(p.resultPrefix):], &r); err != nil {
			p.dropped++
			return Record{}
		}
		if string(r.Value) == "null" {
			r.Value = nil
		}
		p.result = &r
		return Record{Kind: KindResult, Result: &r}

	case bytes.HasPrefix(line, []byte(ResultPrefix)):
		p.dropped++
		return Record{}
	}

	return Record{}
}

// Result returns the result record, if one has been parsed.
func (p *Parser) Result() (*Result, bool) {
	return p.result, p.result != nil
}

// Steps returns the number of steps emitted so far.
func (p *Parser) Steps() int { return p.next }

// Dropped returns the number of prefixed lines whose payload failed to decode.
func (p *Parser) Dropped() int { return p.dropped }

// Truncated reports whether steps were discarded after reaching the cap.
func (p *Parser) Truncated() bool { return p.truncated }

func decodeObject(payload []byte, v any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(payload, v)
}

// Scan reads newline-delimited lines from r until EOF and calls fn for each.
// Lines longer than maxLine bytes are discarded whole. The slice passed to fn
// is only valid for the duration of the call.
func Scan(r io.Reader, maxLine int, fn func(line []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 4096)
	skipping := false

	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !skipping {
			if len(buf)+len(chunk) > maxLine+1 {
				skipping = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			if !skipping {
				fn(buf)
			}
			buf = buf[:0]
			skipping = false
		case errors.Is(err, io.EOF):
			if !skipping && len(buf) > 0 {
				fn(buf)
			}
			return nil
		default:
			return err
		}
	}
}
