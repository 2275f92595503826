package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
)

// TokenSource supplies the bearer token for the remote executor. Token may
// block while credentials become available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token
type StaticToken string

// Token returns the token
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RemoteExecutor asks a remote service to run the passes over HTTP
type RemoteExecutor struct {
	baseURL     string
	tokens      TokenSource
	authTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewRemoteExecutor creates a new remote executor. An empty remote URL yields
// an executor that always reports domain.ErrExecutorNotFound.
func NewRemoteExecutor(cfg *config.SchedulerConfig, tokens TokenSource, logger *slog.Logger) *RemoteExecutor {
	if tokens == nil {
		tokens = StaticToken(cfg.AuthToken)
	}
	return &RemoteExecutor{
		baseURL:     strings.TrimRight(cfg.RemoteURL, "/"),
		tokens:      tokens,
		authTimeout: cfg.AuthTimeout,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// RunDailyUpdate triggers the remote daily update
func (e *RemoteExecutor) RunDailyUpdate(ctx context.Context) error {
	return e.call(ctx, OpDaily)
}

// RunMonthlyPromotion triggers the remote monthly promotion
func (e *RemoteExecutor) RunMonthlyPromotion(ctx context.Context) error {
	return e.call(ctx, OpMonthly)
}

func (e *RemoteExecutor) call(ctx context.Context, op Operation) error {
	if e.baseURL == "" {
		return domain.ErrExecutorNotFound
	}

	token, err := e.token(ctx)
	if err != nil {
		return err
	}

	url := e.baseURL + "/api/v1/executor/" + string(op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.logger.Debug("remote executor accepted", "operation", op, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrExecutorNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrExecutorUnauthenticated, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("remote executor %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// token waits at most authTimeout for a usable token
func (e *RemoteExecutor) token(ctx context.Context) (string, error) {
	waitCtx := ctx
	if e.authTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.authTimeout)
		defer cancel()
	}

	type result struct {
		token string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		token, err := e.tokens.Token(waitCtx)
		ch <- result{token: token, err: err}
	}()

	select {
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: timed out waiting for token", domain.ErrExecutorUnauthenticated)
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) && ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %v", domain.ErrExecutorUnauthenticated, r.err)
		}
		if r.token == "" {
			return "", fmt.Errorf("%w: no token", domain.ErrExecutorUnauthenticated)
		}
		return r.token, nil
	}
}
