package notion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tconnect/internal/connectkit"
)

type notionFixture struct {
	server         *httptest.Server
	mutex          sync.Mutex
	tokenForms     []url.Values
	searchRequests []*http.Request
	searchStatus   int
}

func newNotionFixture(t *testing.T) *notionFixture {
	t.Helper()
	fixture := &notionFixture{searchStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/token", func(writer http.ResponseWriter, request *http.Request) {
		clientID, clientSecret, ok := request.BasicAuth()
		if !ok || clientID != "client-id" || clientSecret != "client-secret" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := request.ParseForm(); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		fixture.mutex.Lock()
		fixture.tokenForms = append(fixture.tokenForms, request.PostForm)
		fixture.mutex.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		switch request.PostForm.Get("code") {
		case "good-code":
			_ = json.NewEncoder(writer).Encode(map[string]any{
				"access_token":   "secret_access",
				"token_type":     "bearer",
				"bot_id":         "bot-1",
				"workspace_id":   "workspace-1",
				"workspace_name": "Acme",
				"workspace_icon": "https://example.com/icon.png",
			})
		case "refreshable-code":
			_ = json.NewEncoder(writer).Encode(map[string]any{
				"access_token":  "secret_access_2",
				"refresh_token": "secret_refresh",
				"expires_in":    3600,
				"token_type":    "bearer",
				"workspace_id":  "workspace-2",
			})
		default:
			writer.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(writer).Encode(map[string]any{"error": "invalid_grant"})
		}
	})
	mux.HandleFunc("/v1/search", func(writer http.ResponseWriter, request *http.Request) {
		fixture.mutex.Lock()
		fixture.searchRequests = append(fixture.searchRequests, request.Clone(context.Background()))
		status := fixture.searchStatus
		fixture.mutex.Unlock()
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(`{"object":"list","results":[{"object":"page","id":"page-1"}],"has_more":true}`))
	})
	fixture.server = httptest.NewServer(mux)
	t.Cleanup(fixture.server.Close)
	return fixture
}

func newTestClient(t *testing.T, fixture *notionFixture) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://connect.example.com/oauth/notion/callback",
		APIBaseURL:   fixture.server.URL + "/",
		HTTPClient:   fixture.server.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{ClientSecret: "secret", RedirectURI: "https://example.com/cb"})
	require.ErrorIs(t, err, errMissingClientCredentials)
	_, err = NewClient(Config{ClientID: "id", ClientSecret: "secret"})
	require.ErrorIs(t, err, errMissingRedirectURI)
}

func TestAuthorizationURL(t *testing.T) {
	client, err := NewClient(Config{ClientID: "client-id", ClientSecret: "secret", RedirectURI: "https://connect.example.com/cb"})
	require.NoError(t, err)
	require.Equal(t, "notion", client.Name())

	consentURL, err := url.Parse(client.AuthorizationURL("state-123"))
	require.NoError(t, err)
	require.Equal(t, "api.notion.com", consentURL.Host)
	require.Equal(t, "/v1/oauth/authorize", consentURL.Path)
	query := consentURL.Query()
	require.Equal(t, "state-123", query.Get("state"))
	require.Equal(t, "client-id", query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "user", query.Get("owner"))
	require.Equal(t, "https://connect.example.com/cb", query.Get("redirect_uri"))
}

func TestExchangeReadsWorkspaceGrant(t *testing.T) {
	fixture := newNotionFixture(t)
	client := newTestClient(t, fixture)

	grant, err := client.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	require.Equal(t, "secret_access", grant.AccessToken)
	require.Equal(t, "workspace-1", grant.WorkspaceID)
	require.Nil(t, grant.RefreshToken)
	require.Nil(t, grant.ExpiresAt)
	require.Equal(t, map[string]string{
		"workspace_name": "Acme",
		"workspace_icon": "https://example.com/icon.png",
		"bot_id":         "bot-1",
	}, grant.Metadata)

	fixture.mutex.Lock()
	require.Len(t, fixture.tokenForms, 1)
	form := fixture.tokenForms[0]
	fixture.mutex.Unlock()
	require.Equal(t, "authorization_code", form.Get("grant_type"))
	require.Equal(t, "good-code", form.Get("code"))
	require.Equal(t, "https://connect.example.com/oauth/notion/callback", form.Get("redirect_uri"))

	refreshable, err := client.Exchange(context.Background(), "refreshable-code")
	require.NoError(t, err)
	require.NotNil(t, refreshable.RefreshToken)
	require.Equal(t, "secret_refresh", *refreshable.RefreshToken)
	require.NotNil(t, refreshable.ExpiresAt)
	require.Equal(t, "workspace-2", refreshable.WorkspaceID)
}

func TestExchangeRejectsBadCode(t *testing.T) {
	fixture := newNotionFixture(t)
	client := newTestClient(t, fixture)

	_, err := client.Exchange(context.Background(), "bad-code")
	require.Error(t, err)
	require.Contains(t, err.Error(), "notion.exchange")
}

func TestVerifyGrantSearchesWithToken(t *testing.T) {
	fixture := newNotionFixture(t)
	client := newTestClient(t, fixture)

	check, err := client.VerifyGrant(context.Background(), "secret_access")
	require.NoError(t, err)
	require.Equal(t, connectkit.GrantCheck{ResultCount: 1, HasMore: true}, check)
	fixture.mutex.Lock()
	require.Len(t, fixture.searchRequests, 1)
	searchRequest := fixture.searchRequests[0]
	fixture.mutex.Unlock()
	require.Equal(t, http.MethodPost, searchRequest.Method)
	require.Equal(t, "Bearer secret_access", searchRequest.Header.Get("Authorization"))
	require.Equal(t, APIVersion, searchRequest.Header.Get("Notion-Version"))
	require.Equal(t, "application/json", searchRequest.Header.Get("Content-Type"))

	fixture.mutex.Lock()
	fixture.searchStatus = http.StatusUnauthorized
	fixture.mutex.Unlock()
	_, err = client.VerifyGrant(context.Background(), "revoked")
	require.True(t, errors.Is(err, errSearchFailed), "expected errSearchFailed, got %v", err)
}
