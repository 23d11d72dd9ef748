package deployer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// healthGate polls the given URL with exponential backoff (1, 2, 4, 8, 15
// seconds) until a 2xx response or deadline expiry (spec.md §4.3.1 step g).
func healthGate(ctx context.Context, url string, deadline time.Duration, client *http.Client) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = deadline

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
