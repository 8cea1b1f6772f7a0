package processes

import (
	"fmt"
	"net/http"
	"time"
)

// HealthChecker probes a preview instance's liveness endpoint. A nil error
// means the instance answered and is considered healthy.
type HealthChecker interface {
	Check(port int) error
}

// HTTPHealthChecker implements HealthChecker with an HTTP GET against the
// instance's local address.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates an HTTPHealthChecker whose individual probe
// requests time out after requestTimeout.
func NewHTTPHealthChecker(requestTimeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Check performs a probe against http://127.0.0.1:<port>/.
func (h *HTTPHealthChecker) Check(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d for health check", port)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	resp, err := h.client.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check at %s returned status %s", url, resp.Status)
	}
	return nil
}
