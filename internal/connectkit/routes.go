package connectkit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProviderGrant is the result of exchanging an authorization code with the provider.
type ProviderGrant struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	WorkspaceID  string
	Metadata     map[string]string
}

// AuthorizationProvider drives the provider side of the authorization code flow.
type AuthorizationProvider interface {
	Name() string
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (ProviderGrant, error)
}

// GrantCheck summarises the search made with a fresh grant. Result contents are never exposed.
type GrantCheck struct {
	ResultCount int  `json:"result_count"`
	HasMore     bool `json:"has_more"`
}

// GrantVerifier optionally proves a fresh grant works before it is stored.
type GrantVerifier interface {
	VerifyGrant(ctx context.Context, accessToken string) (GrantCheck, error)
}

// ProtectedResourceMetadata is the OAuth protected resource document (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// DefaultFlowCookieName ties a callback to the browser that started the flow.
const DefaultFlowCookieName = "tconnect_oauth_flow"

// RouteDependencies wires the components behind the HTTP surface.
type RouteDependencies struct {
	Principals       *PrincipalDirectory
	States           *StateTokenManager
	Connections      *ConnectionManager
	Identity         IdentityVerifier
	Provider         AuthorizationProvider
	GrantVerifier    GrantVerifier
	RateLimiter      *ClientRateLimiter
	ResourceMetadata *ProtectedResourceMetadata
	// ReturnURLAllowed vets return_to targets on the public start; nil disables return_to.
	ReturnURLAllowed func(target string) bool
	StateTTL         time.Duration
	FlowCookieName   string
	FlowCookieDomain string
	Clock            Clock
	Logger           *zap.Logger
	Metrics          MetricsRecorder
}

type connectionRoutes struct {
	dependencies   RouteDependencies
	logger         *zap.Logger
	metrics        MetricsRecorder
	clock          Clock
	flowCookieName string
	flowCookiePath string
}

// MountConnectionRoutes registers the public OAuth endpoints and the authenticated /api group.
func MountConnectionRoutes(router gin.IRouter, dependencies RouteDependencies) {
	routes := &connectionRoutes{
		dependencies:   dependencies,
		logger:         dependencies.Logger,
		metrics:        dependencies.Metrics,
		clock:          dependencies.Clock,
		flowCookieName: strings.TrimSpace(dependencies.FlowCookieName),
	}
	if routes.logger == nil {
		routes.logger = zap.NewNop()
	}
	if routes.metrics == nil {
		routes.metrics = noopMetrics{}
	}
	if routes.clock == nil {
		routes.clock = NewSystemClock()
	}
	if routes.flowCookieName == "" {
		routes.flowCookieName = DefaultFlowCookieName
	}
	providerName := dependencies.Provider.Name()
	routes.flowCookiePath = "/oauth/" + providerName

	if dependencies.ResourceMetadata != nil {
		router.GET("/.well-known/oauth-protected-resource", routes.handleResourceMetadata(*dependencies.ResourceMetadata))
	}

	public := router.Group(routes.flowCookiePath)
	public.Use(dependencies.RateLimiter.Middleware())
	public.GET("/start", routes.handlePublicStart)
	public.GET("/callback", routes.handleCallback)

	protected := router.Group("/api")
	protected.Use(RequirePrincipal(dependencies.Identity, dependencies.Principals, routes.logger))
	protected.POST("/oauth/"+providerName+"/start", routes.handleAuthenticatedStart)
	protected.POST("/oauth/states/:state/bind", routes.handleBindState)
	protected.GET("/me", routes.handleWhoAmI)
	protected.GET("/connections", routes.handleListConnections)
	protected.GET("/connections/:workspace_id", routes.handleGetConnection)
	protected.POST("/connections/:connection_id/revoke", routes.handleRevokeConnection)
	protected.DELETE("/connections/:connection_id", routes.handleDeleteConnection)
	protected.DELETE("/principal", routes.handleDeletePrincipal)
}

func (routes *connectionRoutes) handlePublicStart(contextGin *gin.Context) {
	returnTo := strings.TrimSpace(contextGin.Query("return_to"))
	if returnTo != "" && !routes.returnURLAllowed(returnTo) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_return_to"})
		return
	}
	stateValue, issueErr := routes.dependencies.States.Issue(contextGin.Request.Context(), nil, routes.dependencies.StateTTL)
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	routes.writeFlowCookie(contextGin, stateValue)
	if returnTo != "" {
		routes.setFlowCookie(contextGin, routes.returnCookieName(), base64.RawURLEncoding.EncodeToString([]byte(returnTo)), 0)
	} else {
		routes.setFlowCookie(contextGin, routes.returnCookieName(), "", -1)
	}
	contextGin.Redirect(http.StatusFound, routes.dependencies.Provider.AuthorizationURL(stateValue))
}

func (routes *connectionRoutes) handleAuthenticatedStart(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	principalID := principal.ID
	stateValue, issueErr := routes.dependencies.States.Issue(contextGin.Request.Context(), &principalID, routes.dependencies.StateTTL)
	if issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	routes.writeFlowCookie(contextGin, stateValue)
	routes.setFlowCookie(contextGin, routes.returnCookieName(), "", -1)
	contextGin.JSON(http.StatusOK, gin.H{
		"redirect_url": routes.dependencies.Provider.AuthorizationURL(stateValue),
		"state":        stateValue,
	})
}

func (routes *connectionRoutes) handleBindState(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	bindErr := routes.dependencies.States.BindPrincipal(contextGin.Request.Context(), contextGin.Param("state"), principal.ID)
	if bindErr != nil {
		if IsAuthorizationFailure(bindErr) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		routes.logger.Error("state bind failed", zap.String("code", "oauth.bind_failed"), zap.Error(bindErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes *connectionRoutes) handleCallback(contextGin *gin.Context) {
	code := strings.TrimSpace(contextGin.Query("code"))
	stateValue := strings.TrimSpace(contextGin.Query("state"))
	if code == "" || stateValue == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !routes.flowCookieMatches(contextGin, stateValue) {
		routes.logger.Warn("callback without matching flow cookie", zap.String("code", "oauth.callback.flow_mismatch"))
		routes.rejectCallback(contextGin, "")
		return
	}
	returnTo := routes.returnTarget(contextGin)
	routes.setFlowCookie(contextGin, routes.flowCookieName, "", -1)
	routes.setFlowCookie(contextGin, routes.returnCookieName(), "", -1)
	requestContext := contextGin.Request.Context()

	consumed, consumeErr := routes.dependencies.States.Consume(requestContext, stateValue)
	if consumeErr != nil {
		if IsAuthorizationFailure(consumeErr) {
			routes.rejectCallback(contextGin, returnTo)
			return
		}
		routes.failCallback(contextGin, returnTo, http.StatusInternalServerError, "oauth.callback.consume_failed", consumeErr)
		return
	}
	if consumed.PrincipalID == nil {
		routes.rejectCallback(contextGin, returnTo)
		return
	}
	principal, principalErr := routes.dependencies.Principals.Get(requestContext, *consumed.PrincipalID)
	if principalErr != nil {
		if errors.Is(principalErr, ErrNotFound) {
			routes.rejectCallback(contextGin, returnTo)
			return
		}
		routes.failCallback(contextGin, returnTo, http.StatusInternalServerError, "oauth.callback.principal_failed", principalErr)
		return
	}

	grant, exchangeErr := routes.dependencies.Provider.Exchange(requestContext, code)
	if exchangeErr != nil {
		routes.failCallback(contextGin, returnTo, http.StatusBadGateway, "oauth.callback.exchange_failed", exchangeErr)
		return
	}
	if strings.TrimSpace(grant.WorkspaceID) == "" || grant.AccessToken == "" {
		routes.failCallback(contextGin, returnTo, http.StatusBadGateway, "oauth.callback.incomplete_grant", errors.New("grant missing workspace or access token"))
		return
	}
	var grantCheck *GrantCheck
	if routes.dependencies.GrantVerifier != nil {
		check, verifyErr := routes.dependencies.GrantVerifier.VerifyGrant(requestContext, grant.AccessToken)
		if verifyErr != nil {
			routes.failCallback(contextGin, returnTo, http.StatusBadGateway, "oauth.callback.grant_verification_failed", verifyErr)
			return
		}
		grantCheck = &check
	}

	connection, upsertErr := routes.dependencies.Connections.Upsert(requestContext, UpsertConnectionInput{
		PrincipalID:  principal.ID,
		WorkspaceID:  grant.WorkspaceID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Metadata:     grant.Metadata,
	})
	if upsertErr != nil {
		routes.failCallback(contextGin, returnTo, http.StatusInternalServerError, "oauth.callback.store_failed", upsertErr)
		return
	}
	routes.metrics.Increment(MetricOAuthCallbackSuccess)
	routes.logger.Info("connection stored",
		zap.String("code", "oauth.callback.connected"),
		zap.String("principal_id", principal.ID),
		zap.String("workspace_id", connection.WorkspaceID),
	)
	if returnTo != "" {
		routes.redirectWithOutcome(contextGin, returnTo, url.Values{
			"status":        {"connected"},
			"workspace_id":  {connection.WorkspaceID},
			"connection_id": {connection.ID},
		})
		return
	}
	response := gin.H{"connection": routes.connectionView(connection)}
	if grantCheck != nil {
		response["smoke_test"] = grantCheck
	}
	contextGin.JSON(http.StatusOK, response)
}

func (routes *connectionRoutes) handleResourceMetadata(metadata ProtectedResourceMetadata) gin.HandlerFunc {
	if len(metadata.BearerMethodsSupported) == 0 {
		metadata.BearerMethodsSupported = []string{"header"}
	}
	return func(contextGin *gin.Context) {
		contextGin.Header("Cache-Control", "public, max-age=3600")
		contextGin.JSON(http.StatusOK, metadata)
	}
}

// flowBinding is the flow cookie value for stateValue.
func flowBinding(stateValue string) string {
	digest := sha256.Sum256([]byte(stateValue))
	return hex.EncodeToString(digest[:])
}

func (routes *connectionRoutes) writeFlowCookie(contextGin *gin.Context, stateValue string) {
	routes.setFlowCookie(contextGin, routes.flowCookieName, flowBinding(stateValue), 0)
}

func (routes *connectionRoutes) returnCookieName() string {
	return routes.flowCookieName + "_return"
}

// setFlowCookie writes a session cookie scoped to the provider routes; a negative maxAge deletes it.
func (routes *connectionRoutes) setFlowCookie(contextGin *gin.Context, name string, value string, maxAge int) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     routes.flowCookiePath,
		Domain:   routes.dependencies.FlowCookieDomain,
		MaxAge:   maxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (routes *connectionRoutes) flowCookieMatches(contextGin *gin.Context, stateValue string) bool {
	cookie, err := contextGin.Request.Cookie(routes.flowCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(flowBinding(stateValue))) == 1
}

func (routes *connectionRoutes) returnURLAllowed(target string) bool {
	return routes.dependencies.ReturnURLAllowed != nil && routes.dependencies.ReturnURLAllowed(target)
}

// returnTarget reads the return_to saved at start and vets it again.
func (routes *connectionRoutes) returnTarget(contextGin *gin.Context) string {
	cookie, err := contextGin.Request.Cookie(routes.returnCookieName())
	if err != nil || cookie.Value == "" {
		return ""
	}
	decoded, decodeErr := base64.RawURLEncoding.DecodeString(cookie.Value)
	if decodeErr != nil || !routes.returnURLAllowed(string(decoded)) {
		return ""
	}
	return string(decoded)
}

func (routes *connectionRoutes) redirectWithOutcome(contextGin *gin.Context, returnTo string, outcome url.Values) {
	target, err := url.Parse(returnTo)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_return_to"})
		return
	}
	query := target.Query()
	for key, values := range outcome {
		query[key] = values
	}
	target.RawQuery = query.Encode()
	contextGin.Redirect(http.StatusFound, target.String())
	contextGin.Abort()
}

// rejectCallback collapses every state failure into one response.
func (routes *connectionRoutes) rejectCallback(contextGin *gin.Context, returnTo string) {
	routes.metrics.Increment(MetricOAuthCallbackFailed)
	if returnTo != "" {
		routes.redirectWithOutcome(contextGin, returnTo, url.Values{"status": {"failed"}, "error": {"authorization_failed"}})
		return
	}
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization_failed"})
}

func (routes *connectionRoutes) failCallback(contextGin *gin.Context, returnTo string, status int, code string, err error) {
	routes.metrics.Increment(MetricOAuthCallbackFailed)
	routes.logger.Error("oauth callback failed", zap.String("code", code), zap.Error(err))
	if returnTo != "" {
		routes.redirectWithOutcome(contextGin, returnTo, url.Values{"status": {"failed"}, "error": {"connection_failed"}})
		return
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": "connection_failed"})
}

func (routes *connectionRoutes) handleWhoAmI(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	connections, listErr := routes.dependencies.Connections.List(contextGin.Request.Context(), principal.ID)
	if listErr != nil {
		routes.logger.Error("list connections failed", zap.String("code", "api.me.list_failed"), zap.Error(listErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"principal_id": principal.ID,
		"issuer":       principal.Issuer,
		"subject":      principal.Subject,
		"created_at":   principal.CreatedAt,
		"connections":  routes.connectionViews(connections),
	})
}

func (routes *connectionRoutes) handleListConnections(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	connections, listErr := routes.dependencies.Connections.List(contextGin.Request.Context(), principal.ID)
	if listErr != nil {
		routes.logger.Error("list connections failed", zap.String("code", "api.connections.list_failed"), zap.Error(listErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"connections": routes.connectionViews(connections)})
}

func (routes *connectionRoutes) handleGetConnection(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	connection, getErr := routes.dependencies.Connections.GetActive(contextGin.Request.Context(), principal.ID, contextGin.Param("workspace_id"))
	if getErr != nil {
		routes.writeLookupError(contextGin, "api.connections.get_failed", getErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"connection": routes.connectionView(connection)})
}

func (routes *connectionRoutes) handleRevokeConnection(contextGin *gin.Context) {
	connectionID, ok := routes.ownedConnectionID(contextGin)
	if !ok {
		return
	}
	if revokeErr := routes.dependencies.Connections.Revoke(contextGin.Request.Context(), connectionID); revokeErr != nil {
		routes.writeLookupError(contextGin, "api.connections.revoke_failed", revokeErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes *connectionRoutes) handleDeleteConnection(contextGin *gin.Context) {
	connectionID, ok := routes.ownedConnectionID(contextGin)
	if !ok {
		return
	}
	if deleteErr := routes.dependencies.Connections.Disconnect(contextGin.Request.Context(), connectionID); deleteErr != nil {
		routes.writeLookupError(contextGin, "api.connections.delete_failed", deleteErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes *connectionRoutes) handleDeletePrincipal(contextGin *gin.Context) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if deleteErr := routes.dependencies.Principals.Delete(contextGin.Request.Context(), principal.ID); deleteErr != nil {
		routes.writeLookupError(contextGin, "api.principal.delete_failed", deleteErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

// ownedConnectionID loads the path connection and hides connections of other principals.
func (routes *connectionRoutes) ownedConnectionID(contextGin *gin.Context) (string, bool) {
	principal, ok := PrincipalFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	connection, getErr := routes.dependencies.Connections.Get(contextGin.Request.Context(), contextGin.Param("connection_id"))
	if getErr != nil {
		routes.writeLookupError(contextGin, "api.connections.lookup_failed", getErr)
		return "", false
	}
	if connection.PrincipalID != principal.ID {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return "", false
	}
	return connection.ID, true
}

func (routes *connectionRoutes) writeLookupError(contextGin *gin.Context, code string, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyIdentifier) {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	routes.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	contextGin.AbortWithStatus(http.StatusInternalServerError)
}

func (routes *connectionRoutes) connectionViews(connections []Connection) []gin.H {
	views := make([]gin.H, 0, len(connections))
	for _, connection := range connections {
		views = append(views, routes.connectionView(connection))
	}
	return views
}

// connectionView never includes token material.
func (routes *connectionRoutes) connectionView(connection Connection) gin.H {
	return gin.H{
		"id":           connection.ID,
		"workspace_id": connection.WorkspaceID,
		"status":       connection.Status(),
		"expires_at":   connection.ExpiresAt,
		"expired":      connection.IsExpired(routes.clock.Now()),
		"revoked_at":   connection.RevokedAt,
		"metadata":     connection.Metadata,
		"created_at":   connection.CreatedAt,
		"updated_at":   connection.UpdatedAt,
	}
}
