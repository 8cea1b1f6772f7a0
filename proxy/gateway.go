// Package proxy forwards inbound HTTP requests into a running preview
// instance and relays the response back to the caller.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Typed forwarding errors. A single failed proxied request never alters
// instance status; these are reported to the proxy caller only.
var (
	// ErrUnauthorized means the capability token did not authorize the call.
	ErrUnauthorized = errors.New("unauthorized proxy call")
	// ErrNotFound means no running instance matches the requested ID.
	ErrNotFound = errors.New("instance not found")
	// ErrTimeout means the forwarded round trip exceeded the caller's
	// timeout.
	ErrTimeout = errors.New("proxy request timed out")
	// ErrUnreachable means the instance could not be reached.
	ErrUnreachable = errors.New("instance unreachable")
)

const defaultForwardTimeout = 30 * time.Second

// InstanceDirectory resolves a running instance to its local base address
// and recorded capability token.
type InstanceDirectory interface {
	LookupRunning(id string) (addr string, token string, err error)
}

// TokenValidator checks a capability token against an instance binding.
type TokenValidator interface {
	Validate(token, instanceID string) error
}

// ForwardRequest describes one request to relay into an instance.
type ForwardRequest struct {
	InstanceID string
	Token      string
	Method     string
	Path       string
	Query      string
	Headers    http.Header
	Body       []byte
	Timeout    time.Duration
}

// ForwardResponse is the relayed instance response.
type ForwardResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Gateway forwards caller requests into preview instances. Authorization is
// a precondition of Forward: the capability token is validated before any
// bytes reach the instance.
type Gateway struct {
	directory InstanceDirectory
	tokens    TokenValidator
	client    *http.Client
	logger    *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(directory InstanceDirectory, tokens TokenValidator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Gateway{
		directory: directory,
		tokens:    tokens,
		client:    &http.Client{Transport: transport},
		logger:    logger.With("component", "ProxyGateway"),
	}
}

// Forward relays the request to the instance's local address and returns the
// relayed response. Method, path, query, headers, and body are preserved
// verbatim in both directions. The call always terminates within the
// caller-supplied timeout.
func (g *Gateway) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	if err := g.tokens.Validate(req.Token, req.InstanceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	addr, _, err := g.directory.LookupRunning(req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad instance address %q", ErrUnreachable, addr)
	}
	target.Path = req.Path
	target.RawQuery = req.Query

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build proxied request: %w", err)
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	traceID := uuid.New().String()
	httpReq.Header.Set("X-Trace-ID", traceID)
	g.logger.Debug("Forwarding request", "traceID", traceID, "instanceID", req.InstanceID, "method", req.Method, "path", req.Path)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: failed reading response: %v", ErrUnreachable, err)
	}

	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
	}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
