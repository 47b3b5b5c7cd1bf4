// Package notion implements the Notion side of the OAuth authorization code flow.
package notion

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

	"github.com/tyemirov/tconnect/internal/connectkit"
	"golang.org/x/oauth2"
)

const (
	// DefaultAPIBaseURL is the public Notion API.
	DefaultAPIBaseURL = "https://api.notion.com"
	// APIVersion is sent as the Notion-Version header.
	APIVersion   = "2022-06-28"
	userAgent    = "tconnect/1.0"
	providerName = "notion"
	requestLimit = 20 * time.Second
)

var (
	errMissingClientCredentials = errors.New("notion.missing_client_credentials")
	errMissingRedirectURI       = errors.New("notion.missing_redirect_uri")
	errSearchFailed             = errors.New("notion.search_failed")
)

// Config describes the Notion integration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Owner        string
	APIBaseURL   string
	HTTPClient   *http.Client
}

// Client exchanges authorization codes and verifies grants against the Notion API.
type Client struct {
	oauthConfig oauth2.Config
	owner       string
	apiBaseURL  string
	httpClient  *http.Client
}

var (
	_ connectkit.AuthorizationProvider = (*Client)(nil)
	_ connectkit.GrantVerifier         = (*Client)(nil)
)

// NewClient validates configuration and builds a client.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" || strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, errMissingClientCredentials
	}
	if strings.TrimSpace(configuration.RedirectURI) == "" {
		return nil, errMissingRedirectURI
	}
	apiBaseURL := strings.TrimRight(configuration.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	owner := configuration.Owner
	if owner == "" {
		owner = "user"
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestLimit}
	}
	return &Client{
		oauthConfig: oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   apiBaseURL + "/v1/oauth/authorize",
				TokenURL:  apiBaseURL + "/v1/oauth/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		owner:      owner,
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// Name is the provider segment used in route paths.
func (client *Client) Name() string {
	return providerName
}

// AuthorizationURL builds the consent URL carrying state.
func (client *Client) AuthorizationURL(state string) string {
	return client.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("owner", client.owner))
}

// Exchange trades an authorization code for a workspace grant.
func (client *Client) Exchange(ctx context.Context, code string) (connectkit.ProviderGrant, error) {
	token, err := client.oauthConfig.Exchange(client.withHTTPClient(ctx), code)
	if err != nil {
		return connectkit.ProviderGrant{}, fmt.Errorf("notion.exchange: %w", err)
	}
	grant := connectkit.ProviderGrant{
		AccessToken: token.AccessToken,
		WorkspaceID: extraString(token, "workspace_id"),
		Metadata:    map[string]string{},
	}
	if token.RefreshToken != "" {
		refreshToken := token.RefreshToken
		grant.RefreshToken = &refreshToken
	}
	if !token.Expiry.IsZero() {
		expiresAt := token.Expiry.UTC()
		grant.ExpiresAt = &expiresAt
	}
	for _, key := range []string{"workspace_name", "workspace_icon", "bot_id", "scope"} {
		if value := extraString(token, key); value != "" {
			grant.Metadata[key] = value
		}
	}
	return grant, nil
}

// VerifyGrant runs a one-result search to prove the token is accepted.
func (client *Client) VerifyGrant(ctx context.Context, accessToken string) (connectkit.GrantCheck, error) {
	body, err := json.Marshal(map[string]any{"query": "", "page_size": 1})
	if err != nil {
		return connectkit.GrantCheck{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.apiBaseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return connectkit.GrantCheck{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Notion-Version", APIVersion)
	request.Header.Set("User-Agent", userAgent)

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	authorized := oauth2.NewClient(client.withHTTPClient(ctx), tokenSource)
	response, err := authorized.Do(request)
	if err != nil {
		return connectkit.GrantCheck{}, fmt.Errorf("%w: %v", errSearchFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, response.Body)
		return connectkit.GrantCheck{}, fmt.Errorf("%w: status %d", errSearchFailed, response.StatusCode)
	}
	var page searchPage
	if decodeErr := json.NewDecoder(response.Body).Decode(&page); decodeErr != nil {
		return connectkit.GrantCheck{}, fmt.Errorf("%w: %v", errSearchFailed, decodeErr)
	}
	return connectkit.GrantCheck{ResultCount: len(page.Results), HasMore: page.HasMore}, nil
}

type searchPage struct {
	Results []json.RawMessage `json:"results"`
	HasMore bool              `json:"has_more"`
}

func (client *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
}

func extraString(token *oauth2.Token, key string) string {
	value, _ := token.Extra(key).(string)
	return value
}
