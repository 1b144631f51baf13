//go:build linux

package governor

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescendants_FollowsChildInOwnSession(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not installed")
	}
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)
	pids, err := Descendants(fs, os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, pids)
	assert.Equal(t, os.Getpid(), pids[0])
	assert.Contains(t, pids, cmd.Process.Pid)

	s, err := NewProcessTreeSampler(cmd.Process.Pid)
	require.NoError(t, err)
	covered, err := s.PIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{cmd.Process.Pid}, covered)

	u, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Greater(t, u.MemoryBytes, int64(0))
}

func TestDescendants_ExitedRoot(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not installed")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)
	pids, err := Descendants(fs, cmd.Process.Pid)
	require.NoError(t, err)
	assert.Empty(t, pids)
}
