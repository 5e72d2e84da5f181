// Package reddit is the HTTP client for the Reddit listing API. It handles
// OAuth per credential, pagination cursors, and typing of rate-limit
// responses so the harvester can rotate credentials.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/soluva78-blip/Soluv-core/internal/config"
	"github.com/soluva78-blip/Soluv-core/internal/post"
)

const (
	baseURL = "https://oauth.reddit.com"
	authURL = "https://www.reddit.com/api/v1/access_token"

	// MaxLimit is the largest page size the listing API accepts.
	MaxLimit = 100
)

// ErrRateLimited marks an HTTP 429 or an explicit "ratelimit" API error.
// The harvester cools the offending credential and retries with another.
var ErrRateLimited = errors.New("reddit: rate limited")

// Sort is a listing sort method.
type Sort string

const (
	SortHot           Sort = "hot"
	SortNew           Sort = "new"
	SortTop           Sort = "top"
	SortRising        Sort = "rising"
	SortControversial Sort = "controversial"
)

// TimeFilter scopes top/controversial listings.
type TimeFilter string

const (
	TimeHour  TimeFilter = "hour"
	TimeDay   TimeFilter = "day"
	TimeWeek  TimeFilter = "week"
	TimeMonth TimeFilter = "month"
	TimeYear  TimeFilter = "year"
	TimeAll   TimeFilter = "all"
)

// ListingRequest describes one listing call.
type ListingRequest struct {
	SubSource  string
	Sort       Sort
	TimeFilter TimeFilter // top/controversial only
	Limit      int
	After      string // fullname cursor, e.g. "t3_abc123"
	Count      int    // offset hint for deep pagination
}

// Listing is one page of posts plus the cursor for the next.
type Listing struct {
	Posts []post.RawPost
	After string
}

// Client talks to the Reddit API. Access tokens are cached per credential
// and refreshed on expiry. Safe for concurrent use.
type Client struct {
	userAgent  string
	apiBase    string
	tokenBase  string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]cachedToken // keyed by client id
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// NewClient creates a Client with the given user agent. Reddit requires a
// descriptive user agent on every request.
func NewClient(userAgent string) *Client {
	return &Client{
		userAgent:  userAgent,
		apiBase:    baseURL,
		tokenBase:  authURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     make(map[string]cachedToken),
	}
}

// NewClientWithBaseURLs creates a Client against alternate endpoints.
// Used by tests with httptest servers.
func NewClientWithBaseURLs(userAgent, api, token string) *Client {
	c := NewClient(userAgent)
	c.apiBase = api
	c.tokenBase = token
	return c
}

// listingResponse mirrors the Reddit listing envelope.
type listingResponse struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Name       string  `json:"name"`
				Title      string  `json:"title"`
				SelfText   string  `json:"selftext"`
				Author     string  `json:"author"`
				Subreddit  string  `json:"subreddit"`
				URL        string  `json:"url"`
				Permalink  string  `json:"permalink"`
				Score      int     `json:"score"`
				NumComms   int     `json:"num_comments"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Fetch executes one listing request with the given credential.
// Rate-limit responses surface as ErrRateLimited (wrapped).
func (c *Client) Fetch(ctx context.Context, cred config.Credential, req ListingRequest) (Listing, error) {
	token, err := c.token(ctx, cred)
	if err != nil {
		return Listing{}, err
	}

	limit := req.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")
	if req.After != "" {
		q.Set("after", req.After)
	}
	if req.Count > 0 {
		q.Set("count", strconv.Itoa(req.Count))
	}
	if req.TimeFilter != "" && (req.Sort == SortTop || req.Sort == SortControversial) {
		q.Set("t", string(req.TimeFilter))
	}

	endpoint := fmt.Sprintf("%s/r/%s/%s.json?%s", c.apiBase, req.SubSource, req.Sort, q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Listing{}, fmt.Errorf("creating listing request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s/%s: %w", req.SubSource, req.Sort, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Listing{}, fmt.Errorf("listing %s/%s: %w", req.SubSource, req.Sort, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if strings.Contains(strings.ToLower(string(body)), "ratelimit") {
			return Listing{}, fmt.Errorf("listing %s/%s: %w", req.SubSource, req.Sort, ErrRateLimited)
		}
		return Listing{}, fmt.Errorf("listing %s/%s: status %d: %s", req.SubSource, req.Sort, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr listingResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return Listing{}, fmt.Errorf("decoding listing: %w", err)
	}

	posts := make([]post.RawPost, 0, len(lr.Data.Children))
	for _, child := range lr.Data.Children {
		d := child.Data
		posts = append(posts, post.RawPost{
			ID:        d.Name, // fullname: unique across the site
			Source:    "reddit",
			Title:     d.Title,
			Body:      d.SelfText,
			Author:    d.Author,
			Score:     d.Score,
			URL:       d.URL,
			SubSource: d.Subreddit,
			CreatedAt: int64(d.CreatedUTC),
			Metadata: map[string]string{
				"permalink":    d.Permalink,
				"num_comments": strconv.Itoa(d.NumComms),
			},
		})
	}

	return Listing{Posts: posts, After: lr.Data.After}, nil
}

// token returns a valid access token for cred, authenticating when the
// cached one is missing or expiring within a minute.
func (c *Client) token(ctx context.Context, cred config.Credential) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[cred.ClientID]
	c.mu.Unlock()
	if ok && time.Until(cached.expiry) > time.Minute {
		return cached.token, nil
	}

	data := url.Values{}
	if cred.Username != "" {
		data.Set("grant_type", "password")
		data.Set("username", cred.Username)
		data.Set("password", cred.Password)
	} else {
		data.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenBase, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating auth request: %w", err)
	}
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticating: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("authenticating: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("authenticating: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var authResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("decoding auth response: %w", err)
	}

	c.mu.Lock()
	c.tokens[cred.ClientID] = cachedToken{
		token:  authResp.AccessToken,
		expiry: time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second),
	}
	c.mu.Unlock()

	slog.Debug("authenticated with reddit", "client_id", cred.ClientID)
	return authResp.AccessToken, nil
}
