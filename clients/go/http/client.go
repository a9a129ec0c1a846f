// Package http provides an HTTP client for the flaggate feature flag service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	flaggate "github.com/oakmere/flaggate/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flaggate server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flaggate.FlagManager and flaggate.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the flaggate service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireFlag struct {
	Key               string   `json:"key"`
	Enabled           bool     `json:"enabled"`
	Environment       string   `json:"environment"`
	RolloutPercentage int      `json:"rollout_percentage"`
	TargetRoles       []string `json:"target_roles,omitempty"`
	Description       string   `json:"description,omitempty"`
	CreatedAt         string   `json:"created_at,omitempty"`
	UpdatedAt         string   `json:"updated_at,omitempty"`
}

type wireFlagUpdate struct {
	Enabled           *bool     `json:"enabled,omitempty"`
	Environment       *string   `json:"environment,omitempty"`
	RolloutPercentage *int      `json:"rollout_percentage,omitempty"`
	TargetRoles       *[]string `json:"target_roles,omitempty"`
	Description       *string   `json:"description,omitempty"`
}

type wireContext struct {
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type wireEvaluateReq struct {
	FlagKey string      `json:"flag_key"`
	Context wireContext `json:"context"`
}

type wireEvaluateResp struct {
	FlagKey string `json:"flag_key"`
	Enabled bool   `json:"enabled"`
}

type wireEvaluateAllReq struct {
	Context wireContext `json:"context"`
}

type wireEvaluateAllResp struct {
	Flags map[string]bool `json:"flags"`
}

type wireHistoryEntry struct {
	ID            int64           `json:"id"`
	FlagKey       string          `json:"flag_key"`
	Action        string          `json:"action"`
	PreviousValue json.RawMessage `json:"previous_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	ChangedBy     string          `json:"changed_by,omitempty"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flaggate: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flaggate: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flaggate: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flaggate: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeFlag(wf wireFlag) flaggate.Flag {
	f := flaggate.Flag{
		Key:               wf.Key,
		Enabled:           wf.Enabled,
		Environment:       wf.Environment,
		RolloutPercentage: wf.RolloutPercentage,
		TargetRoles:       wf.TargetRoles,
		Description:       wf.Description,
	}
	f.CreatedAt = parseTime(wf.CreatedAt)
	f.UpdatedAt = parseTime(wf.UpdatedAt)
	return f
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeContext(evalCtx flaggate.Context) wireContext {
	return wireContext{
		SubjectID:   evalCtx.SubjectID,
		Role:        evalCtx.Role,
		Environment: evalCtx.Environment,
	}
}

func flagPath(key string, suffix string) string {
	return "/v1/flags/" + url.PathEscape(key) + suffix
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag flaggate.Flag) (flaggate.Flag, error) {
	body := wireFlag{
		Key:               flag.Key,
		Enabled:           flag.Enabled,
		Environment:       flag.Environment,
		RolloutPercentage: flag.RolloutPercentage,
		TargetRoles:       flag.TargetRoles,
		Description:       flag.Description,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/flags", body)
	if err != nil {
		return flaggate.Flag{}, err
	}
	defer resp.Body.Close()
	var out wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return flaggate.Flag{}, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return decodeFlag(out), nil
}

func (c *Client) GetFlag(ctx context.Context, key string) (flaggate.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, flagPath(key, ""), nil)
	if err != nil {
		return flaggate.Flag{}, err
	}
	defer resp.Body.Close()
	var out wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return flaggate.Flag{}, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return decodeFlag(out), nil
}

func (c *Client) ListFlags(ctx context.Context) ([]flaggate.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flaggate: decode response: %w", err)
	}
	flags := make([]flaggate.Flag, 0, len(out))
	for _, wf := range out {
		flags = append(flags, decodeFlag(wf))
	}
	return flags, nil
}

func (c *Client) UpdateFlag(ctx context.Context, key string, update flaggate.FlagUpdate) (flaggate.Flag, error) {
	body := wireFlagUpdate{
		Enabled:           update.Enabled,
		Environment:       update.Environment,
		RolloutPercentage: update.RolloutPercentage,
		TargetRoles:       update.TargetRoles,
		Description:       update.Description,
	}
	resp, err := c.do(ctx, http.MethodPatch, flagPath(key, ""), body)
	if err != nil {
		return flaggate.Flag{}, err
	}
	defer resp.Body.Close()
	var out wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return flaggate.Flag{}, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return decodeFlag(out), nil
}

func (c *Client) ToggleFlag(ctx context.Context, key string) (flaggate.Flag, error) {
	resp, err := c.do(ctx, http.MethodPost, flagPath(key, "/toggle"), nil)
	if err != nil {
		return flaggate.Flag{}, err
	}
	defer resp.Body.Close()
	var out wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return flaggate.Flag{}, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return decodeFlag(out), nil
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, flagPath(key, ""), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) FlagHistory(ctx context.Context, key string) ([]flaggate.HistoryEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, flagPath(key, "/history"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flaggate: decode response: %w", err)
	}
	entries := make([]flaggate.HistoryEntry, 0, len(out))
	for _, we := range out {
		entries = append(entries, flaggate.HistoryEntry{
			ID:            we.ID,
			FlagKey:       we.FlagKey,
			Action:        we.Action,
			PreviousValue: we.PreviousValue,
			NewValue:      we.NewValue,
			ChangedBy:     we.ChangedBy,
			CreatedAt:     parseTime(we.CreatedAt),
		})
	}
	return entries, nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx flaggate.Context) (bool, error) {
	body := wireEvaluateReq{FlagKey: key, Context: encodeContext(evalCtx)}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var out wireEvaluateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return out.Enabled, nil
}

func (c *Client) EvaluateAll(ctx context.Context, evalCtx flaggate.Context) (map[string]bool, error) {
	body := wireEvaluateAllReq{Context: encodeContext(evalCtx)}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate/all", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireEvaluateAllResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flaggate: decode response: %w", err)
	}
	return out.Flags, nil
}
