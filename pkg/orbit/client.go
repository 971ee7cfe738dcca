// Package orbit is a minimal client for the Orbit members API used to enrich
// signups with developer-profile data.
//
// Every call returns a Response instead of an error: API rejections and
// transport failures are logged and surfaced as a failure variant so a single
// bad item never aborts a batch.
package orbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/orbit-sync/signup-enricher/pkg/pipeline/redact"
	"github.com/orbit-sync/signup-enricher/pkg/record"
)

// DefaultBaseURL is the public Orbit REST API root.
const DefaultBaseURL = "https://app.orbit.love/api/v1"

// Config configures a Client.
type Config struct {
	APIKey    string
	Workspace string

	// BaseURL overrides DefaultBaseURL. Useful for proxies/testing.
	BaseURL string

	// HTTPClient supplies the underlying transport. The bearer token is layered on top of it.
	HTTPClient *http.Client

	// Timeout bounds a single request. Defaults to 60s.
	Timeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	Logger *slog.Logger
}

// Client talks to one Orbit workspace. It is safe for concurrent use: the
// underlying *http.Client is shared by all in-flight requests and never mutated.
type Client struct {
	baseURL   *url.URL
	workspace string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// New constructs a Client. The API key is attached as a bearer token by an
// oauth2 static token source.
func New(ctx context.Context, cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("orbit api key is required")
	}
	workspace := strings.TrimSpace(cfg.Workspace)
	if workspace == "" {
		return nil, fmt.Errorf("orbit workspace is required")
	}
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := parseBaseURL(rawBase)
	if err != nil {
		return nil, err
	}

	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: key,
		TokenType:   "Bearer",
	}))
	hc.Timeout = cfg.Timeout
	if hc.Timeout <= 0 {
		hc.Timeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   base,
		workspace: workspace,
		userAgent: strings.TrimSpace(cfg.UserAgent),
		http:      hc,
		logger:    logger.With("component", "orbit"),
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse orbit base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("orbit base URL must include a host (got %q)", raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

type identity struct {
	Source   string `json:"source"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

type member struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type addMemberRequest struct {
	Member   member   `json:"member"`
	Identity identity `json:"identity"`
}

// memberRequest maps a record onto the add-member body. The GitHub handle wins
// as identity; otherwise the email is the identity. ok is false when the record
// carries neither.
func memberRequest(rec record.Record) (addMemberRequest, bool) {
	var req addMemberRequest
	switch {
	case rec.GitHub != nil:
		req.Identity = identity{Source: "github", Username: *rec.GitHub}
		if rec.Email != nil {
			req.Member.Email = *rec.Email
		}
	case rec.Email != nil:
		req.Identity = identity{Source: "email", Email: *rec.Email}
	default:
		return addMemberRequest{}, false
	}
	if rec.Name != nil {
		req.Member.Name = *rec.Name
	}
	return req, true
}

// AddMember submits rec to the workspace.
func (c *Client) AddMember(ctx context.Context, rec record.Record) Response {
	body, ok := memberRequest(rec)
	if !ok {
		c.logger.Warn("skipping record without identifier", "record", rec.String())
		return Response{Kind: KindFailure, Err: errors.New("record has no github handle or email")}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Response{Kind: KindFailure, Err: err}
	}
	c.logger.Debug("add member request", "record", rec.String(), "body", string(b))

	return c.do(ctx, "addMember", http.MethodPost, c.membersPath(""), b)
}

// GetMember looks up a member by Orbit id or slug.
func (c *Client) GetMember(ctx context.Context, id string) Response {
	id = strings.TrimSpace(id)
	if id == "" {
		return Response{Kind: KindFailure, Err: errors.New("member id is required")}
	}
	return c.do(ctx, "getMember", http.MethodGet, c.membersPath(id), nil)
}

// DeleteMember removes a member by Orbit id or slug.
func (c *Client) DeleteMember(ctx context.Context, id string) Response {
	id = strings.TrimSpace(id)
	if id == "" {
		return Response{Kind: KindFailure, Err: errors.New("member id is required")}
	}
	return c.do(ctx, "deleteMember", http.MethodDelete, c.membersPath(id), nil)
}

func (c *Client) membersPath(id string) *url.URL {
	raw := c.workspace + "/members"
	escaped := url.PathEscape(c.workspace) + "/members"
	if id != "" {
		raw += "/" + id
		escaped += "/" + url.PathEscape(id)
	}
	return c.baseURL.ResolveReference(&url.URL{Path: raw, RawPath: escaped})
}

func (c *Client) do(ctx context.Context, op, method string, u *url.URL, body []byte) Response {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return Response{Kind: KindFailure, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("orbit request failed",
			"op", op,
			"error", redact.Secrets(err.Error()),
		)
		return Response{Kind: KindFailure, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("orbit response read failed", "op", op, "status", resp.StatusCode, "error", err)
		return Response{Kind: KindFailure, StatusCode: resp.StatusCode, Err: err}
	}

	out := Decode(resp.StatusCode, rb)
	switch out.Kind {
	case KindFailure:
		c.logger.Warn("orbit request rejected",
			"op", op,
			"status", resp.StatusCode,
			"body", redact.Snippet(rb, 256),
		)
	case KindMalformed:
		c.logger.Warn("orbit response malformed",
			"op", op,
			"status", resp.StatusCode,
			"error", out.Err,
		)
	default:
		c.logger.Debug("orbit request ok",
			"op", op,
			"status", resp.StatusCode,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
	return out
}
