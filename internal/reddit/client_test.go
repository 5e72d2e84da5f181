package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soluva78-blip/Soluv-core/internal/config"
)

func listingJSON(after string, names ...string) string {
	children := ""
	for i, name := range names {
		if i > 0 {
			children += ","
		}
		children += fmt.Sprintf(`{"data":{"id":"%s","name":"t3_%s","title":"title %s","selftext":"body","author":"alice","subreddit":"startups","url":"https://example.com","score":5,"num_comments":2,"created_utc":%d}}`,
			name, name, name, 1700000000+i)
	}
	return fmt.Sprintf(`{"data":{"after":"%s","children":[%s]}}`, after, children)
}

func newTestServers(t *testing.T, listingHandler http.HandlerFunc) *Client {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	apiSrv := httptest.NewServer(listingHandler)
	t.Cleanup(apiSrv.Close)

	return NewClientWithBaseURLs("soluv-test/0.1", apiSrv.URL, tokenSrv.URL)
}

func TestFetchParsesListing(t *testing.T) {
	var gotPath, gotQuery string
	c := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, listingJSON("t3_next", "aaa", "bbb"))
	})

	got, err := c.Fetch(context.Background(), config.Credential{ClientID: "id", ClientSecret: "sec"}, ListingRequest{
		SubSource:  "startups",
		Sort:       SortTop,
		TimeFilter: TimeWeek,
		Limit:      50,
	})
	require.NoError(t, err)

	assert.Equal(t, "/r/startups/top.json", gotPath)
	assert.Contains(t, gotQuery, "limit=50")
	assert.Contains(t, gotQuery, "t=week")

	require.Len(t, got.Posts, 2)
	assert.Equal(t, "t3_aaa", got.Posts[0].ID)
	assert.Equal(t, "reddit", got.Posts[0].Source)
	assert.Equal(t, "startups", got.Posts[0].SubSource)
	assert.Equal(t, int64(1700000000), got.Posts[0].CreatedAt)
	assert.Equal(t, "t3_next", got.After)
}

func TestFetchTimeFilterOnlyForTopAndControversial(t *testing.T) {
	var gotQuery string
	c := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, listingJSON(""))
	})

	_, err := c.Fetch(context.Background(), config.Credential{ClientID: "id"}, ListingRequest{
		SubSource:  "startups",
		Sort:       SortNew,
		TimeFilter: TimeWeek, // must be dropped for sort=new
	})
	require.NoError(t, err)
	assert.NotContains(t, gotQuery, "t=week")
}

func TestFetch429IsRateLimited(t *testing.T) {
	c := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), config.Credential{ClientID: "id"}, ListingRequest{
		SubSource: "startups", Sort: SortNew,
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchRatelimitBodyIsRateLimited(t *testing.T) {
	c := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"RATELIMIT: you are doing that too much"}`)
	})

	_, err := c.Fetch(context.Background(), config.Credential{ClientID: "id"}, ListingRequest{
		SubSource: "startups", Sort: SortHot,
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestTokenCachedPerCredential(t *testing.T) {
	authCalls := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingJSON(""))
	}))
	defer apiSrv.Close()

	c := NewClientWithBaseURLs("soluv-test/0.1", apiSrv.URL, tokenSrv.URL)
	cred := config.Credential{ClientID: "id", ClientSecret: "sec", Username: "u", Password: "p"}

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), cred, ListingRequest{SubSource: "startups", Sort: SortNew})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, authCalls, "token should be reused until expiry")
}
