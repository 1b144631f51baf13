//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hostile submissions must end in a non-completed status on the process
// backend, which has the weakest isolation of the three.
func TestProcessBackend_EscapeAttempts(t *testing.T) {
	r, backend := newRecordedProcessRunner(t)

	tests := []struct {
		name   string
		code   string
		limits ResourceLimits
		want   []Status
		within time.Duration
	}{
		{
			name:   "memory bomb",
			code:   "def grow(x):\n    xs = []\n    while True:\n        xs.append('A' * (1 << 20))\n",
			limits: ResourceLimits{MaxMemoryBytes: 64 << 20, MaxDurationMS: 5000},
			want:   []Status{StatusResourceLimit, StatusFailed},
		},
		{
			name:   "sleep past deadline",
			code:   "import time\ndef nap(x):\n    time.sleep(60)\n",
			limits: ResourceLimits{MaxDurationMS: 500},
			want:   []Status{StatusTimedOut},
		},
		{
			name:   "busy loop",
			code:   "def spin(x):\n    n = 0\n    while True:\n        n += 1\n",
			limits: ResourceLimits{MaxDurationMS: 500, MaxCPUPercent: 800},
			want:   []Status{StatusTimedOut},
		},
		{
			name: "exit before result",
			code: "import os\ndef quit(x):\n    os._exit(0)\n",
			want: []Status{StatusFailed},
		},
		{
			name: "child in its own session",
			code: `from os import fork as f, setsid as s
import time

def escape(x):
    if f() == 0:
        s()
        while True:
            pass
    time.sleep(60)
`,
			limits: ResourceLimits{MaxDurationMS: 500, MaxCPUPercent: 800},
			want:   []Status{StatusTimedOut},
			within: 1500 * time.Millisecond,
		},
		{
			name: "many sleeping children",
			code: `import os, time

def spawn(x):
    for _ in range(32):
        if os.fork() == 0:
            time.sleep(60)
            os._exit(0)
    time.sleep(60)
`,
			limits: ResourceLimits{MaxDurationMS: 1000, MaxCPUPercent: 800},
			want:   []Status{StatusTimedOut, StatusResourceLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res, err := r.Execute(context.Background(), ExecutionRequest{
				Code:     tt.code,
				Language: "python",
				Input:    json.RawMessage(`null`),
				Limits:   tt.limits,
			}, nil)
			elapsed := time.Since(start)
			require.Error(t, err)
			require.NotNil(t, res)
			assert.Contains(t, tt.want, res.Status, "error: %v", err)
			within := tt.within
			if within == 0 {
				within = 10 * time.Second
			}
			assert.Less(t, elapsed, within)
			backend.assertNothingSurvives(t)
		})
	}
}

func TestProcessBackend_OrphanedGrandchildKilled(t *testing.T) {
	r, backend := newRecordedProcessRunner(t)

	code := `import os
import time

def detach(x):
    if os.fork() == 0:
        if os.fork() == 0:
            os.setsid()
            while True:
                time.sleep(1)
        os._exit(0)
    return x
`
	start := time.Now()
	res, err := r.Execute(context.Background(), ExecutionRequest{
		Code:     code,
		Language: "python",
		Input:    json.RawMessage(`5`),
		Limits:   ResourceLimits{MaxDurationMS: 5000},
	}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(res.Value))
	// The grandchild holds stdout open; it must be killed, not waited out.
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	backend.assertNothingSurvives(t)
}

func TestProcessBackend_HostEnvironmentNotInherited(t *testing.T) {
	r := newProcessRunner(t)
	t.Setenv("ALGO_TEST_SECRET", "hunter2")

	res, err := r.Execute(context.Background(), ExecutionRequest{
		Code:     "import os\ndef leak(x):\n    return os.environ.get('ALGO_TEST_SECRET')\n",
		Language: "python",
		Input:    json.RawMessage(`null`),
	}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(res.Value))
}

func TestProcessBackend_WorkspaceRemoved(t *testing.T) {
	r := newProcessRunner(t)

	res, err := r.Execute(context.Background(), ExecutionRequest{
		Code:     "import os\ndef where(x):\n    return os.getcwd()\n",
		Language: "python",
		Input:    json.RawMessage(`null`),
	}, nil)
	require.NoError(t, err)

	var dir string
	require.NoError(t, json.Unmarshal(res.Value, &dir))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "workspace %s still exists", dir)
}

func TestProcessBackend_ConcurrentExecutionsIsolated(t *testing.T) {
	r := newProcessRunner(t)

	const n = 3
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Execute(context.Background(), ExecutionRequest{
				Code:     "import os\ndef who(x):\n    return [x, os.getpid()]\n",
				Language: "python",
				Input:    json.RawMessage(`7`),
			}, nil)
		}()
	}
	wg.Wait()

	ids := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		var out []int
		require.NoError(t, json.Unmarshal(results[i].Value, &out))
		assert.Equal(t, 7, out[0])
		ids[results[i].ID] = true
	}
	assert.Len(t, ids, n)
}
