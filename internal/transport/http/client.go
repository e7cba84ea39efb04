package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/dto"
)

// DefaultBackoff is the retry schedule for 5xx and transport failures.
var DefaultBackoff = wait.Backoff{
	Steps:    4,
	Duration: time.Second,
	Factor:   2.0,
	Jitter:   0.1,
	Cap:      16 * time.Second,
}

// Options configures the HTTP clients.
type Options struct {
	// CertDir holds tls.crt, tls.key and ca.crt for mTLS. Empty disables TLS
	// client certificates.
	CertDir string
	// Credential is passed through verbatim in the Authorization header.
	Credential string
	Timeout    time.Duration
	Backoff    wait.Backoff
}

// StatusError is a non-2xx response. 4xx responses mean the caller must
// resync before retrying.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// NeedsResync reports whether err is a 4xx rejection, which is never retried.
func NeedsResync(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// client is the JSON request/response plumbing shared by every communicator.
type client struct {
	httpClient *http.Client
	credential string
	backoff    wait.Backoff
}

func newClient(opts Options) (*client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if opts.CertDir != "" {
		tlsConfig, err := loadTLSConfig(opts.CertDir)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	backoff := opts.Backoff
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}

	return &client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		credential: opts.Credential,
		backoff:    backoff,
	}, nil
}

func loadTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certDir, "tls.crt"),
		filepath.Join(certDir, "tls.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(filepath.Join(certDir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// call sends in as JSON and decodes a 2xx response into out. 5xx responses
// and transport errors are retried with backoff; a CommunicationError is
// returned once retries are exhausted. 4xx responses return a StatusError
// immediately.
func (c *client) call(ctx context.Context, op, method, url string, in, out any) error {
	logger := log.FromContext(ctx).WithName("http-client")

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal %s: %w", op, err)
		}
	}

	attempt := 0
	err := retry.OnError(c.backoff, func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return retriable(err)
	}, func() error {
		attempt++
		if attempt > 1 {
			logger.V(1).Info("Retrying request", "op", op, "url", url, "attempt", attempt)
		}
		return c.do(ctx, method, url, body, out)
	})
	if err == nil {
		return nil
	}
	if retriable(err) {
		return &pool.CommunicationError{Target: url, Op: op, Err: err}
	}
	return err
}

func (c *client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var errResp dto.ErrorResponse
		msg := string(data)
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// retriable reports whether err is a 5xx or a transport failure.
func retriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr interface{ Timeout() bool }
	return errors.As(err, &urlErr)
}

func (c *client) close() {
	c.httpClient.CloseIdleConnections()
}
