// Package api is the HTTP client for team instances. All endpoints sit
// under /api/v1, authenticate with a bearer token, and wrap their payload
// in a {"data": ...} envelope.
//
// Methods take a context; callers bound each call with the timeout its
// site demands (short for probe queries, longer for ingest). Response
// bodies are capped at 1 MiB.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
)

// maxResponseBytes caps how much of any response body is read.
const maxResponseBytes = 1 << 20

// clientTimeout is a safety net; call sites pass tighter context deadlines.
const clientTimeout = 30 * time.Second

// Decision is the probe outcome vocabulary shared with the server.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionWarn    Decision = "warn"
	DecisionBlock   Decision = "block"
)

// Tier orders overlap specificity from strongest to weakest signal.
type Tier string

const (
	TierLine     Tier = "line"
	TierFunction Tier = "function"
	TierAdjacent Tier = "adjacent"
	TierFile     Tier = "file"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a 401 from a team instance.
func IsAuthError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// Client talks to one team instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the instance at baseURL (canonical, no
// trailing slash).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// VerifyResponse identifies the token's user on the team.
type VerifyResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	TeamName    string `json:"team_name"`
	Role        string `json:"role"`
}

// Verify checks the token against the instance.
func (c *Client) Verify(ctx context.Context) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.get(ctx, "/api/v1/auth/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Repo is one tracked repository on a team.
type Repo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type reposPayload struct {
	Repos []Repo `json:"repos"`
}

// ListRepos fetches the team's tracked repositories.
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var out reposPayload
	if err := c.get(ctx, "/api/v1/repos", &out); err != nil {
		return nil, err
	}
	return out.Repos, nil
}

// IngestResult summarizes what the server did with a batch. Partial errors
// are reported here, not via HTTP status.
type IngestResult struct {
	Processed             int      `json:"processed"`
	Errors                []string `json:"errors"`
	SessionsCreated       int      `json:"sessions_created"`
	SessionsEnded         int      `json:"sessions_ended"`
	FileOpsCreated        int      `json:"file_ops_created"`
	PromptsCreated        int      `json:"prompts_created"`
	AgentResponsesCreated int      `json:"agent_responses_created"`
}

type ingestRequest struct {
	Events []event.Event `json:"events"`
}

// Ingest delivers a batch of events. The server deduplicates, so retried
// batches are safe.
func (c *Client) Ingest(ctx context.Context, events []event.Event) (*IngestResult, error) {
	var out IngestResult
	if err := c.post(ctx, "/api/v1/ingest", ingestRequest{Events: events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Region is one active edit region inside a teammate session.
type Region struct {
	FilePath      string    `json:"file_path"`
	StartLine     int       `json:"start_line,omitempty"`
	EndLine       int       `json:"end_line,omitempty"`
	FunctionName  string    `json:"function_name,omitempty"`
	LastTouchedAt time.Time `json:"last_touched_at,omitempty"`
}

// TeamStateSession is one active session in a team's aggregated view.
type TeamStateSession struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	RepoName    string    `json:"repo_name"`
	StartedAt   time.Time `json:"started_at"`
	Summary     string    `json:"summary,omitempty"`
	Regions     []Region  `json:"regions"`
	// InstanceURL tags which team the session came from once snapshots
	// from several teams are merged into the local mirror.
	InstanceURL string `json:"instance_url,omitempty"`
}

type teamStatePayload struct {
	Sessions []TeamStateSession `json:"sessions"`
}

// TeamState fetches the team's active-session snapshot.
func (c *Client) TeamState(ctx context.Context) ([]TeamStateSession, error) {
	var out teamStatePayload
	if err := c.get(ctx, "/api/v1/team-state", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// OverlapQuery describes the edit the probe is about to allow.
type OverlapQuery struct {
	RepoName     string `json:"repo_name"`
	FilePath     string `json:"file_path"`
	SessionID    string `json:"session_id,omitempty"`
	StartLine    int    `json:"start_line,omitempty"`
	EndLine      int    `json:"end_line,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// Overlap is one conflicting region, either reported by the server or
// derived locally from the mirror.
type Overlap struct {
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	RepoName     string `json:"repo_name,omitempty"`
	FilePath     string `json:"file_path"`
	Tier         Tier   `json:"tier"`
	StartLine    int    `json:"start_line,omitempty"`
	EndLine      int    `json:"end_line,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// OverlapResult is the server's answer to an overlap query.
type OverlapResult struct {
	Decision Decision  `json:"decision"`
	Overlaps []Overlap `json:"overlaps"`
	Guidance string    `json:"guidance,omitempty"`
}

// QueryOverlap asks the instance whether the described edit collides with
// a teammate's active region.
func (c *Client) QueryOverlap(ctx context.Context, q OverlapQuery) (*OverlapResult, error) {
	var out OverlapResult
	if err := c.post(ctx, "/api/v1/overlap-query", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type loginLinkPayload struct {
	LoginURL string `json:"login_url"`
}

// LoginLink requests a browser login URL for this instance.
func (c *Client) LoginLink(ctx context.Context) (string, error) {
	var out loginLinkPayload
	if err := c.post(ctx, "/api/v1/auth/login-link", nil, &out); err != nil {
		return "", err
	}
	return out.LoginURL, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do on close failure

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &StatusError{StatusCode: resp.StatusCode, Message: "token rejected"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Message: bodySnippet(body)}
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// bodySnippet trims an error body to something loggable.
func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
