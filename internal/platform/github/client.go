// Package github is a small GitHub REST client covering the repository,
// git data and check-run endpoints the synchronizer needs.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrNotFound     = errors.New("github resource not found")
	ErrUnauthorized = errors.New("github request unauthorized")
	ErrForbidden    = errors.New("github request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("github api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("github api error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient authenticates every request with token. An empty token makes
// anonymous requests.
func NewClient(ctx context.Context, apiURL string, token string, timeout time.Duration) *Client {
	var httpClient *http.Client
	if strings.TrimSpace(token) != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout
	return newClient(apiURL, httpClient)
}

func newClient(apiURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(strings.TrimSpace(apiURL), "/"), http: httpClient}
}

type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type Branch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// TreeMode is a git tree entry mode.
type TreeMode string

const (
	TreeModeFile       TreeMode = "100644"
	TreeModeExecutable TreeMode = "100755"
	TreeModeDirectory  TreeMode = "040000"
	TreeModeSubmodule  TreeMode = "160000"
	TreeModeSymlink    TreeMode = "120000"
)

type TreeEntry struct {
	Path string   `json:"path"`
	Mode TreeMode `json:"mode"`
	Type string   `json:"type"`
	SHA  string   `json:"sha"`
}

type Tree struct {
	SHA       string      `json:"sha"`
	Tree      []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

func (c *Client) GetRepository(ctx context.Context, owner, repo string) (Repository, error) {
	var out Repository
	err := c.request(ctx, http.MethodGet, repoPath(owner, repo), nil, &out)
	return out, err
}

func (c *Client) GetBranch(ctx context.Context, owner, repo, branch string) (Branch, error) {
	var out Branch
	err := c.request(ctx, http.MethodGet, repoPath(owner, repo)+"/branches/"+url.PathEscape(branch), nil, &out)
	return out, err
}

// GetTree returns the recursive tree of a commit or tree SHA.
func (c *Client) GetTree(ctx context.Context, owner, repo, sha string) (Tree, error) {
	var out Tree
	err := c.request(ctx, http.MethodGet, repoPath(owner, repo)+"/git/trees/"+url.PathEscape(sha)+"?recursive=1", nil, &out)
	return out, err
}

// GetBlob returns the decoded content of a blob.
func (c *Client) GetBlob(ctx context.Context, owner, repo, sha string) ([]byte, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.request(ctx, http.MethodGet, repoPath(owner, repo)+"/git/blobs/"+url.PathEscape(sha), nil, &out); err != nil {
		return nil, err
	}
	return decodeContent(out.Content, out.Encoding)
}

// GetContents returns the decoded content of a file at ref.
func (c *Client) GetContents(ctx context.Context, owner, repo, filePath, ref string) ([]byte, error) {
	var out struct {
		Type     string `json:"type"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	p := repoPath(owner, repo) + "/contents/" + escapePath(filePath)
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	if err := c.request(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	if out.Type != "" && out.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", filePath, out.Type)
	}
	return decodeContent(out.Content, out.Encoding)
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "base64":
		data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
		return data, nil
	case "", "utf-8":
		return []byte(content), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) request(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal github request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "lsst-sqre/times-square")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode github response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
