// Package foundry is the slice of the Foundry API the enricher needs: read
// the signups dataset as CSV, check that an output stream exists and append
// profile or language rows to it.
package foundry

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
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the dataset API and the stream proxy with one bearer token.
type Client struct {
	api    *url.URL
	stream *url.URL
	token  string
	http   *http.Client
}

// NewClient builds a client for svc. caPath, when set, replaces the system
// trust store with that PEM bundle.
func NewClient(svc Services, token, caPath string) (*Client, error) {
	api, err := baseURL(svc.APIGateway)
	if err != nil {
		return nil, fmt.Errorf("foundry: api gateway: %w", err)
	}
	stream, err := baseURL(svc.StreamProxy)
	if err != nil {
		return nil, fmt.Errorf("foundry: stream proxy: %w", err)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("foundry: read DEFAULT_CA_PATH: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("foundry: no certificates in %s", caPath)
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &Client{
		api:    api,
		stream: stream,
		token:  strings.TrimSpace(token),
		http:   &http.Client{Transport: tr, Timeout: time.Minute},
	}, nil
}

// NewClientFromEnv builds a client from a loaded Env.
func NewClientFromEnv(env Env) (*Client, error) {
	return NewClient(env.Services, env.Token, env.CAPath)
}

func baseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("base URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", raw)
	}
	u.RawQuery, u.Fragment = "", ""
	return u, nil
}

// ReadSignupsCSV returns the signups dataset as CSV. The read is pinned to
// the branch's latest transaction since some stacks reject an unpinned
// readTable.
func (c *Client) ReadSignupsCSV(ctx context.Context, ref DatasetRef) ([]byte, error) {
	rid := url.PathEscape(ref.RID)
	body, err := c.send(ctx, "getBranch", http.MethodGet, c.api.JoinPath("v2/datasets", rid, "branches", url.PathEscape(ref.branch())), nil)
	if err != nil {
		return nil, err
	}
	var branch struct {
		TransactionRID string `json:"transactionRid"`
	}
	if err := json.Unmarshal(body, &branch); err != nil {
		return nil, fmt.Errorf("foundry getBranch: decode: %w", err)
	}

	u := c.api.JoinPath("v2/datasets", rid, "readTable")
	q := url.Values{"branchName": {ref.branch()}, "format": {"CSV"}}
	if txn := strings.TrimSpace(branch.TransactionRID); txn != "" {
		q.Set("startTransactionRid", txn)
		q.Set("endTransactionRid", txn)
	}
	u.RawQuery = q.Encode()
	return c.send(ctx, "readTable", http.MethodGet, u, nil)
}

// StreamExists reports whether ref is a stream. A 404 from the stream proxy
// means it is not; any other failure is returned.
func (c *Client) StreamExists(ctx context.Context, ref DatasetRef) (bool, error) {
	_, err := c.send(ctx, "streamExists", http.MethodGet, c.streamPath(ref, "records"), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

// AppendRow publishes one output row as a JSON record on the stream.
func (c *Client) AppendRow(ctx context.Context, ref DatasetRef, row map[string]any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("foundry: encode row: %w", err)
	}
	_, err = c.send(ctx, "publishRecord", http.MethodPost, c.streamPath(ref, "jsonRecord"), b)
	return err
}

func (c *Client) streamPath(ref DatasetRef, leaf string) *url.URL {
	return c.stream.JoinPath("streams", url.PathEscape(ref.RID), "branches", url.PathEscape(ref.branch()), leaf)
}

// send performs one authenticated call and returns the body of a 2xx
// response. Anything else becomes an *APIError.
func (c *Client) send(ctx context.Context, op, method string, u *url.URL, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("foundry %s: %w", op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("foundry %s: read body: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, apiError(op, resp.StatusCode, b)
	}
	return b, nil
}
