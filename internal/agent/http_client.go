package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/groupmarket/backend/internal/models"
)

// HTTPClient talks JSON to the agent subsystem.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, "/v1/sessions/authenticate", creds, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GroupInfo(ctx context.Context, session SessionRef, groupID int64) (*models.GroupInfo, error) {
	var out models.GroupInfo
	path := "/v1/groups/" + strconv.FormatInt(groupID, 10) + "/info"
	if err := c.do(ctx, path, map[string]any{"session": session}, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) VerifyMembership(ctx context.Context, session SessionRef, groupID, userID int64) (bool, error) {
	var out struct {
		Member bool `json:"member"`
	}
	path := "/v1/groups/" + strconv.FormatInt(groupID, 10) + "/members/verify"
	if err := c.do(ctx, path, map[string]any{"session": session, "user_id": userID}, &out, false); err != nil {
		return false, err
	}
	return out.Member, nil
}

func (c *HTTPClient) TransferOwnership(ctx context.Context, session SessionRef, groupID, newOwnerID int64) (*TransferResult, error) {
	var out TransferResult
	path := "/v1/groups/" + strconv.FormatInt(groupID, 10) + "/ownership"
	if err := c.do(ctx, path, map[string]any{"session": session, "new_owner_id": newOwnerID}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context, session SessionRef) (HealthState, error) {
	var out struct {
		State HealthState `json:"state"`
	}
	if err := c.do(ctx, "/v1/sessions/health", map[string]any{"session": session}, &out, false); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return HealthUnauthorized, nil
		}
		return HealthDegraded, err
	}
	return out.State, nil
}

// do posts body to path and decodes the JSON answer into out. When mutating is set,
// a failure after the request was written is reported as ErrOutcomeUnknown.
func (c *HTTPClient) do(ctx context.Context, path string, body, out any, mutating bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode agent request: %w", err)
	}

	var sent atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err, mutating && sent.Load())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransportError(err, mutating)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode agent response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(data))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if mutating && resp.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("%w: %s", ErrOutcomeUnknown, errorMessage(data))
		}
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, errorMessage(data))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorMessage(data))
	}
}

// classifyTransportError maps a failed round trip. Once a state-changing request
// has been written, any failure, cancellation included, leaves its outcome unknown.
func classifyTransportError(err error, delivered bool) error {
	if delivered {
		return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func errorMessage(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
