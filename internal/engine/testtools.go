package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Response timeouts for the test-tools agent actions, matching how long each
// operation is allowed to take inside the container.
const (
	engineStatusTimeout = 10 * time.Second
	startTomcatTimeout  = 30 * time.Second
	stopTomcatTimeout   = 60 * time.Second
	checkUniTimeout     = 1000 * time.Second
	buildUpdateTimeout  = 1800 * time.Second
	backupTimeout       = 10800 * time.Second
)

// Right after a container starts, the agent inside needs a moment to come up.
// Connection failures are retried once per second for roughly this many attempts.
const (
	agentRetryInterval = time.Second
	agentRetryAttempts = 15
)

// StatusError is a non-recoverable HTTP status returned by the test-tools agent.
type StatusError struct {
	Action string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("test tools action %s returned status %d: %s", e.Action, e.Code, e.Body)
}

// IsRoutine reports whether err is the routine error class: the agent replied
// 400, which covers infrastructure problems and errors right after updating
// the test builds. These are normal situations, logged without alarm.
func IsRoutine(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusBadRequest
}

// agentAction performs a synchronous action against the test-tools agent of
// this stand: GET http://{domain}:{published port}/{action}?sync=1.
func (s *Stand) agentAction(ctx context.Context, action string, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	port := s.testToolsPort
	s.mu.Unlock()

	url := fmt.Sprintf("http://%s:%s/%s?sync=1", s.domain, port, action)
	s.log.Debug("test tools request", "url", url, "timeout", timeout)

	attempt := func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			// The agent is likely still starting; retry.
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(&StatusError{
				Action: action,
				Code:   resp.StatusCode,
				Body:   strings.TrimSpace(string(body)),
			})
		}
		if len(body) == 0 {
			// The port is already listening but the server is not ready
			// to answer; treated the same as not reachable.
			return nil, fmt.Errorf("empty response from %s", action)
		}
		return body, nil
	}

	body, err := backoff.RetryWithData(attempt, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(agentRetryInterval), agentRetryAttempts), ctx))
	if err == nil {
		return body, nil
	}

	var se *StatusError
	if errors.As(err, &se) {
		return nil, se
	}

	// Possibly someone stopped the container while we were knocking.
	inspect, inspectErr := s.docker.ContainerInspect(ctx, s.name)
	if inspectErr == nil {
		running := inspect.State != nil && inspect.State.Running
		s.mu.Lock()
		s.running = running
		s.mu.Unlock()
		if !running {
			return nil, fmt.Errorf("container %s has stopped unexpectedly", s.name)
		}
	}
	return nil, fmt.Errorf("container %s test tools is not available: %w", s.name, err)
}
