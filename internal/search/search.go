// Package search provides the web search capability used by the answer
// pipeline. It speaks the SearXNG JSON API.
//
// The capability contract is deliberately error-free: transport failures,
// non-2xx statuses and non-JSON bodies all come back as a structured
// Response carrying an Error string, so the generation loop can hand the
// failure to the model and keep going instead of aborting the stream.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/quellen-ai/quellen/internal/log"
)

const (
	// maxBodySize bounds a search or page response body.
	maxBodySize = 2 << 20 // 2 MB

	// maxContentFetches caps per-search page fetches when content
	// enrichment is enabled.
	maxContentFetches = 5

	// maxContentRunes truncates extracted page text before it is attached
	// to a result.
	maxContentRunes = 4000
)

// Result is one ranked search hit.
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// Response is the structured outcome of one search call. Exactly one of
// Results or Error is meaningful; Timestamp is always set.
type Response struct {
	Query        string   `json:"query"`
	Results      []Result `json:"results,omitempty"`
	TotalResults int      `json:"totalResults,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	Error        string   `json:"error,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// searxResponse is the SearXNG wire format.
type searxResponse struct {
	NumberOfResults int `json:"number_of_results"`
	Results         []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
	Suggestions []string `json:"suggestions"`
}

// Config holds client settings.
type Config struct {
	// BaseURL is the SearXNG instance URL.
	BaseURL string
	// Timeout bounds one search round trip (and each page fetch).
	Timeout time.Duration
	// FetchContent enables readable-text extraction for results whose
	// snippet is empty.
	FetchContent bool
}

// Client performs web searches against a SearXNG-compatible instance.
// Client is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	fetchContent bool
	logger       log.Logger
	now          func() time.Time
}

// NewClient creates a search client.
func NewClient(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		fetchContent: cfg.FetchContent,
		logger:       logger,
		now:          time.Now,
	}
}

// Search runs one query. It never returns a Go error: failures are reported
// inside the Response so the caller's tool loop can continue.
func (c *Client) Search(ctx context.Context, query string) Response {
	resp := Response{
		Query:     query,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}

	reqURL := fmt.Sprintf("%s/search?q=%s&format=json", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		resp.Error = fmt.Sprintf("building search request: %v", err)
		return resp
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("search request failed", "query", query, "error", err)
		resp.Error = fmt.Sprintf("search request failed: %v", err)
		return resp
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		c.logger.Warn("search returned non-2xx status", "query", query, "status", httpResp.StatusCode)
		resp.Error = fmt.Sprintf("search returned status %d", httpResp.StatusCode)
		return resp
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		resp.Error = fmt.Sprintf("reading search response: %v", err)
		return resp
	}

	var wire searxResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		c.logger.Warn("search returned non-JSON body", "query", query, "error", err)
		resp.Error = fmt.Sprintf("decoding search response: %v", err)
		return resp
	}

	resp.TotalResults = wire.NumberOfResults
	resp.Suggestions = wire.Suggestions
	resp.Results = make([]Result, 0, len(wire.Results))
	for _, r := range wire.Results {
		resp.Results = append(resp.Results, Result{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			PublishedDate: r.PublishedDate,
		})
	}

	if c.fetchContent {
		c.enrichResults(ctx, resp.Results)
	}

	return resp
}

// enrichResults fetches readable page text for results missing a snippet.
// Best effort: failures are logged and the snippet stays empty.
func (c *Client) enrichResults(ctx context.Context, results []Result) {
	fetched := 0
	for i := range results {
		if results[i].Content != "" {
			continue
		}
		if fetched >= maxContentFetches {
			return
		}
		fetched++

		text, err := c.fetchReadable(ctx, results[i].URL)
		if err != nil {
			c.logger.Debug("content fetch failed", "url", results[i].URL, "error", err)
			continue
		}
		results[i].Content = text
	}
}

// fetchReadable fetches a page and extracts its readable text.
func (c *Client) fetchReadable(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodySize), u)
	if err != nil {
		return "", fmt.Errorf("extracting readable content: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	runes := []rune(text)
	if len(runes) > maxContentRunes {
		text = string(runes[:maxContentRunes])
	}
	return text, nil
}
