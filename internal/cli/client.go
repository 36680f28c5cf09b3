package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/montylab/simorch/internal/domain"
)

// CreateRunRequest is the body of POST /runs. It doubles as the schema of
// `runs create -f` request files.
type CreateRunRequest struct {
	Name                  string `json:"name" yaml:"name"`
	MontyImageID          string `json:"montyImageId" yaml:"montyImageId"`
	SimulatorImageID      string `json:"simulatorImageId" yaml:"simulatorImageId"`
	BrainProfileID        string `json:"brainProfileId" yaml:"brainProfileId"`
	BridgeCode            string `json:"bridgeCode" yaml:"bridgeCode"`
	CheckpointIn          string `json:"checkpointIn,omitempty" yaml:"checkpointIn"`
	ActiveDeadlineSeconds int64  `json:"activeDeadlineSeconds,omitempty" yaml:"activeDeadlineSeconds"`
}

type ListRunsOpts struct {
	Status string
	Owner  string
	Limit  int
}

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
	RequestID  string
	Run        *domain.Run
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error %d: %s", e.StatusCode, e.Code)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.RequestID != "" {
		msg += " [request_id=" + e.RequestID + "]"
	}
	return msg
}

// AuthConfig selects how requests are authenticated. Client credentials
// take precedence over a static token; neither means no Authorization
// header.
type AuthConfig struct {
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (c AuthConfig) tokenSource(ctx context.Context) oauth2.TokenSource {
	if c.TokenURL != "" && c.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		return cc.TokenSource(ctx)
	}
	if c.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token, TokenType: "Bearer"})
	}
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

func NewClient(ctx context.Context, baseURL string, authCfg AuthConfig) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     authCfg.tokenSource(ctx),
	}
	if c.tokens != nil {
		c.tokens = oauth2.ReuseTokenSource(nil, c.tokens)
		hc := oauth2.NewClient(ctx, c.tokens)
		hc.Timeout = 30 * time.Second
		c.httpClient = hc
	}
	return c
}

func (c *Client) ListRuns(ctx context.Context, opts ListRunsOpts) ([]domain.Run, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out []domain.Run
	err := c.do(ctx, http.MethodGet, "/runs", q, nil, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var out domain.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (domain.Run, error) {
	var out domain.Run
	err := c.do(ctx, http.MethodPost, "/runs", nil, req, &out)
	return out, err
}

func (c *Client) CancelRun(ctx context.Context, id string) (domain.Run, error) {
	var out domain.Run
	err := c.do(ctx, http.MethodDelete, "/runs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) RunLogs(ctx context.Context, id string, afterID int64) ([]domain.LogEntry, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	var out []domain.LogEntry
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/logs", q, nil, &out)
	return out, err
}

func (c *Client) RunMetrics(ctx context.Context, id string) ([]domain.MetricPoint, error) {
	var out []domain.MetricPoint
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/metrics", nil, nil, &out)
	return out, err
}

func (c *Client) Images(ctx context.Context, role domain.ImageRole) ([]domain.DockerImage, error) {
	var out []domain.DockerImage
	err := c.do(ctx, http.MethodGet, "/images/"+string(role), nil, nil, &out)
	return out, err
}

func (c *Client) BrainProfiles(ctx context.Context) ([]domain.BrainProfile, error) {
	var out []domain.BrainProfile
	err := c.do(ctx, http.MethodGet, "/brain-profiles", nil, nil, &out)
	return out, err
}

// bearer returns the current Authorization header value, if any.
func (c *Client) bearer() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return tok.Type() + " " + tok.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error     string      `json:"error"`
		Detail    string      `json:"detail"`
		RequestID string      `json:"request_id"`
		Run       *domain.Run `json:"run"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		apiErr.Code = strings.TrimSpace(string(raw))
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(status)
		}
		return apiErr
	}
	apiErr.Code = body.Error
	apiErr.Detail = body.Detail
	apiErr.RequestID = body.RequestID
	apiErr.Run = body.Run
	return apiErr
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
