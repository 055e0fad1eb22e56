package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is anything with a connectivity probe, such as the side-channel
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger as a named readiness check.
func PingChecker(name string, p Pinger) Checker {
	return Checker{
		Name:  name,
		Check: p.Ping,
	}
}

// HTTPChecker probes url with a GET and passes on any 2xx response. Used for
// the management backend, which has no dedicated health endpoint contract
// beyond "answers requests".
func HTTPChecker(name, url string) Checker {
	client := &http.Client{}
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		},
	}
}
