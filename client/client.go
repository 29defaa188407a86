// Package client talks to a grimoire server on behalf of an editor.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/pkg/ot"
	"github.com/casualjim/grimoire/provider"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
)

const defaultTimeout = 30 * time.Second

// APIError is an error response of the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a not-found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

var WithHTTPClient = opts.ForName[Client, *http.Client]("http")

type Client struct {
	baseURL   *url.URL
	projectID string
	http      *http.Client
}

func New(baseURL, projectID string, options ...opts.Option[Client]) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}
	c := &Client{
		baseURL:   u,
		projectID: projectID,
		http:      &http.Client{Timeout: defaultTimeout},
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	return c, nil
}

// ProjectID returns the project the client works in.
func (c *Client) ProjectID() string { return c.projectID }

func (c *Client) GetSpell(ctx context.Context, name string) (grimoire.Spell, error) {
	var spell grimoire.Spell
	err := c.do(ctx, http.MethodGet, "/spells/"+url.PathEscape(name), c.projectQuery(), nil, &spell)
	return spell, err
}

func (c *Client) ListSpells(ctx context.Context) ([]grimoire.Spell, error) {
	var resp struct {
		Data []grimoire.Spell `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/spells", c.projectQuery(), nil, &resp)
	return resp.Data, err
}

func (c *Client) CreateSpell(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	spell.ProjectID = c.projectID
	var created grimoire.Spell
	err := c.do(ctx, http.MethodPost, "/spells", nil, spell, &created)
	return created, err
}

// SaveSpell replaces the stored spell in full.
func (c *Client) SaveSpell(ctx context.Context, spell grimoire.Spell) (grimoire.Spell, error) {
	spell.ProjectID = c.projectID
	var saved grimoire.Spell
	err := c.do(ctx, http.MethodPut, "/spells/"+url.PathEscape(spell.Name), nil, spell, &saved)
	return saved, err
}

func (c *Client) DeleteSpell(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/spells/"+url.PathEscape(name), c.projectQuery(), nil, nil)
}

// SaveDiff applies diff to the stored spell and returns the result.
func (c *Client) SaveDiff(ctx context.Context, name string, diff ot.Ops) (grimoire.Spell, error) {
	body := map[string]any{"name": name, "projectId": c.projectID, "diff": diff}
	var saved grimoire.Spell
	err := c.do(ctx, http.MethodPost, "/spells/saveDiff", nil, body, &saved)
	return saved, err
}

// UpdateRunner applies diff to the live runner session of the spell. hash is
// the hash the spell has after the diff; the session skips diffs it already
// holds and reloads itself when it can not reach the hash.
func (c *Client) UpdateRunner(ctx context.Context, name string, diff ot.Ops, hash string) (grimoire.Spell, error) {
	body := map[string]any{"projectId": c.projectID, "diff": diff, "hash": hash}
	var spell grimoire.Spell
	err := c.do(ctx, http.MethodPut, "/spell-runner/"+url.PathEscape(name), nil, body, &spell)
	return spell, err
}

func (c *Client) RunSpell(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	body := map[string]any{"projectId": c.projectID, "inputs": inputs}
	var resp struct {
		Outputs map[string]any `json:"outputs"`
	}
	err := c.do(ctx, http.MethodPost, "/spell-runner/"+url.PathEscape(name)+"/run", nil, body, &resp)
	return resp.Outputs, err
}

func (c *Client) Complete(ctx context.Context, data provider.CompletionData) (provider.Result, error) {
	body := struct {
		provider.CompletionData
		ProjectID string `json:"projectId"`
	}{data, c.projectID}
	var res provider.Result
	err := c.do(ctx, http.MethodPost, "/completions", nil, body, &res)
	return res, err
}

func (c *Client) projectQuery() url.Values {
	if c.projectID == "" {
		return nil
	}
	return url.Values{"projectId": []string{c.projectID}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
