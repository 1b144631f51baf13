package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// Both container backends name containers containerPrefix+ExecID and tag them
// with these labels, so a restarted server can find what it left behind.
const (
	containerPrefix = "algo-"
	labelManaged    = "algo-trace-engine.managed"
	labelExec       = "algo-trace-engine.exec"
	labelLanguage   = "algo-trace-engine.language"
)

func managedLabels(spec LaunchSpec) map[string]string {
	labels := map[string]string{
		labelManaged: "true",
		labelExec:    spec.ExecID,
	}
	if spec.Runtime != nil {
		labels[labelLanguage] = spec.Runtime.Name()
	}
	return labels
}

// removeContainer kills and deletes the task, if any, then the container and
// its snapshot. Missing objects are not errors.
func (b *ContainerdBackend) removeContainer(ctx context.Context, c containerd.Container) error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.conn.scoped(ctx), 30*time.Second)
	defer cancel()

	task, err := c.Task(ctx, nil)
	switch {
	case err == nil:
		// WithProcessKill sends SIGKILL and waits for the exit.
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", c.ID()).Msg("failed to delete task")
		}
	case !errdefs.IsNotFound(err):
		log.Warn().Err(err).Str("container_id", c.ID()).Msg("failed to load task")
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", c.ID(), err)
	}
	log.Debug().Str("container_id", c.ID()).Msg("container removed")
	return nil
}

// CleanupOrphaned removes labelled containers left by a previous process,
// for example after a crash between launch and cleanup.
func (b *ContainerdBackend) CleanupOrphaned(ctx context.Context) (int, error) {
	list, err := b.conn.client.Containers(b.conn.scoped(ctx), fmt.Sprintf("labels.%q==true", labelManaged))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, c := range list {
		if err := b.removeContainer(ctx, c); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
