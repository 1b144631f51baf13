package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// containerdConn is a containerd client pinned to one namespace, with a
// cache of resolved runtime images.
type containerdConn struct {
	client    *containerd.Client
	namespace string
	closed    atomic.Bool

	mu     sync.Mutex
	images map[string]containerd.Image
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerdConn, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	v, err := client.Version(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Str("version", v.Version).
		Msg("connected to containerd")

	return &containerdConn{
		client:    client,
		namespace: namespace,
		images:    make(map[string]containerd.Image),
	}, nil
}

// scoped attaches the connection's namespace to ctx.
func (c *containerdConn) scoped(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *containerdConn) ping(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	_, err := c.client.Version(ctx)
	return err == nil
}

func (c *containerdConn) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}

// image resolves ref, pulling and unpacking it on first use.
func (c *containerdConn) image(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.Lock()
	img, ok := c.images[ref]
	c.mu.Unlock()
	if ok {
		return img, nil
	}

	ctx = c.scoped(ctx)
	img, err := c.client.GetImage(ctx, ref)
	if errdefs.IsNotFound(err) {
		start := time.Now()
		log.Info().Str("ref", ref).Msg("pulling runtime image")
		img, err = c.client.Pull(ctx, ref, containerd.WithPullUnpack)
		if err == nil {
			log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("runtime image ready")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving image %s: %w", ref, err)
	}

	c.mu.Lock()
	c.images[ref] = img
	c.mu.Unlock()
	return img, nil
}
