package api

import (
	"encoding/json"
	"testing"
)

func TestSessionRequest_TraceDefaultsOn(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"omitted", `{"code":"x","language":"python"}`, true},
		{"explicit true", `{"code":"x","language":"python","trace":true}`, true},
		{"explicit false", `{"code":"x","language":"python","trace":false}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req SessionRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatal(err)
			}
			if got := req.execution().TraceEnabled; got != tt.want {
				t.Errorf("TraceEnabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionRequest_CarriesInputAndLimits(t *testing.T) {
	body := `{"code":"x","language":"node","input":{"n":10},"entrypoint":"fib","limits":{"max_memory_bytes":1048576,"max_duration_ms":500}}`

	var req SessionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	exec := req.execution()

	if string(exec.Input) != `{"n":10}` {
		t.Errorf("input = %s", exec.Input)
	}
	if exec.Entrypoint != "fib" {
		t.Errorf("entrypoint = %q", exec.Entrypoint)
	}
	if exec.Limits.MaxMemoryBytes != 1<<20 || exec.Limits.MaxDurationMS != 500 {
		t.Errorf("limits = %+v", exec.Limits)
	}
}
