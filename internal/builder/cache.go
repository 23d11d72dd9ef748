package builder

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cenkalti/backoff/v4"
)

// CachePusher is the optional build-artifact cache collaborator (spec.md
// §4.2 step 6). Its absence disables the side effect without branching
// code, the same capability-interface pattern spec.md §9 asks for on the
// DNS provider.
type CachePusher interface {
	Push(ctx context.Context, storePath string) error
}

// cachixPusher signs and uploads a store path to a Cachix-style binary
// cache over its push command, retried with exponential backoff
// (grounded on GLINCKER/glinrdock-core's direct cenkalti/backoff/v4 dep).
type cachixPusher struct {
	cacheName string
}

func NewCachixPusher(cacheName string) CachePusher {
	return &cachixPusher{cacheName: cacheName}
}

func (c *cachixPusher) Push(ctx context.Context, storePath string) error {
	op := func() error {
		cmd := exec.CommandContext(ctx, "cachix", "push", c.cacheName, storePath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("cachix push %s: %w: %s", storePath, err, out)
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1) // "retried once" per spec.md §4.2
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
