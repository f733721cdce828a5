package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianos/meridian/internal/cache"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 10 * time.Second
)

// RepoStats is the subset of repository statistics the landing page shows.
type RepoStats struct {
	Stars       int `json:"stars"`
	Forks       int `json:"forks"`
	OpenIssues  int `json:"open_issues"`
	Subscribers int `json:"subscribers"`
}

// StatsResult wraps RepoStats with cache provenance. UsingFallback means the
// upstream fetch failed and a stale cached copy was served instead.
type StatsResult struct {
	Stats         RepoStats `json:"stats"`
	Cached        bool      `json:"cached"`
	UsingFallback bool      `json:"using_fallback"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// ClientOption customises the Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API host, primarily for tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// Client fetches public repository statistics through a read-through cache.
// The outbound request always carries a bounded timeout; a slow GitHub can
// never stall an API request beyond it.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	cache      *cache.ReadThrough
}

// NewClient constructs a stats client for owner/repo. The token is optional
// and only raises the rate limit.
func NewClient(owner, repo, token string, statsCache *cache.ReadThrough, opts ...ClientOption) (*Client, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}
	if statsCache == nil {
		return nil, errors.New("github: cache is required")
	}

	client := &Client{
		baseURL:    defaultBaseURL,
		owner:      owner,
		repo:       repo,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		cache:      statsCache,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Stats returns repository statistics, cached. Stale data is flagged, never
// passed off as fresh.
func (c *Client) Stats(ctx context.Context) (*StatsResult, error) {
	key := fmt.Sprintf("github:stats:%s/%s", c.owner, c.repo)

	result, err := c.cache.Load(ctx, key, c.fetch)
	if err != nil {
		return nil, err
	}

	var stats RepoStats
	if err := json.Unmarshal(result.Value, &stats); err != nil {
		return nil, fmt.Errorf("github: decode cached stats: %w", err)
	}

	return &StatsResult{
		Stats:         stats,
		Cached:        result.Cached,
		UsingFallback: result.UsingFallback,
		FetchedAt:     result.FetchedAt,
	}, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: fetch repo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: unexpected status %d", resp.StatusCode)
	}

	var repo struct {
		StargazersCount  int `json:"stargazers_count"`
		ForksCount       int `json:"forks_count"`
		OpenIssuesCount  int `json:"open_issues_count"`
		SubscribersCount int `json:"subscribers_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
		return nil, fmt.Errorf("github: decode repo: %w", err)
	}

	return json.Marshal(RepoStats{
		Stars:       repo.StargazersCount,
		Forks:       repo.ForksCount,
		OpenIssues:  repo.OpenIssuesCount,
		Subscribers: repo.SubscribersCount,
	})
}
