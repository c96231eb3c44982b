// Package camunda wraps the Zeebe gRPC client: connection probing on
// startup, bounded retries for transient broker failures, and job worker
// lifecycle management.
package camunda

import (
	"context"
	"fmt"
	"time"

	"noshow-workers/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClientConfig controls connection and retry behavior.
type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	MaxRetries             int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
}

type Client struct {
	client zbc.Client
	config *ClientConfig
}

// NewClient connects with plaintext defaults, suitable for in-cluster
// brokers and local dev. TLS setups go through NewClientWithConfig.
func NewClient(address string) (*Client, error) {
	return NewClientWithConfig(&ClientConfig{
		GatewayAddress:         address,
		UsePlaintextConnection: true,
		ConnectionTimeout:      10 * time.Second,
		MaxRetries:             3,
		BaseDelay:              time.Second,
		MaxDelay:               10 * time.Second,
	})
}

func NewClientWithConfig(config *ClientConfig) (*Client, error) {
	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         config.GatewayAddress,
		UsePlaintextConnection: config.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("create zeebe client: %w", err)
	}

	// Probe the broker now rather than on the first command.
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("connect to zeebe broker at %s: %w", config.GatewayAddress, err)
	}

	return &Client{client: zeebeClient, config: config}, nil
}

// GetClient exposes the raw Zeebe client for command builders and job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck probes broker topology. Used by the readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()
	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs a Zeebe command, retrying transient gRPC failures
// with exponential backoff up to MaxRetries. Permanent failures (validation,
// unknown process) surface immediately.
func (c *Client) ExecuteWithRetry(
	ctx context.Context,
	commandFunc func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		result, err := commandFunc(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == c.config.MaxRetries {
			return nil, c.wrapCommandError(err, operationName, attempt)
		}

		delay := c.config.BaseDelay * time.Duration(1<<attempt)
		if delay > c.config.MaxDelay {
			delay = c.config.MaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s cancelled after %d attempts: %w", operationName, attempt, ctx.Err())
		}
	}

	return nil, fmt.Errorf("%s failed after %d retries: %w", operationName, c.config.MaxRetries, lastErr)
}

// isTransient classifies by gRPC status code. The Zeebe gateway returns
// RESOURCE_EXHAUSTED under backpressure, which is retryable.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

func (c *Client) wrapCommandError(err error, operation string, attempt int) error {
	msg := fmt.Sprintf("zeebe %s failed", operation)
	if attempt > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, attempt)
	}

	st, ok := status.FromError(err)
	if !ok {
		return errors.NewExternalServiceError("zeebe", fmt.Errorf("%s: %w", msg, err))
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return errors.NewTimeoutError("zeebe", fmt.Errorf("%s: %w", msg, err))
	case codes.NotFound:
		return errors.NewResourceNotFoundError("zeebe", fmt.Sprintf("%s: %s", msg, st.Message()))
	case codes.PermissionDenied, codes.Unauthenticated:
		return errors.NewAuthenticationError(fmt.Sprintf("%s: %s", msg, st.Message()))
	default:
		return errors.NewExternalServiceError("zeebe", fmt.Errorf("%s: %w", msg, err))
	}
}
