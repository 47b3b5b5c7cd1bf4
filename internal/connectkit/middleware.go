package connectkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "connect_principal"

// RequirePrincipal verifies the bearer token, resolves the caller's principal, and injects it.
func RequirePrincipal(verifier IdentityVerifier, principals *PrincipalDirectory, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		rawToken, ok := bearerToken(contextGin.GetHeader("Authorization"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		identity, verifyErr := verifier.Verify(contextGin.Request.Context(), rawToken)
		if verifyErr != nil {
			logger.Debug("bearer token rejected", zap.String("code", "auth.invalid_token"), zap.Error(verifyErr))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		principal, resolveErr := principals.ResolveOrCreate(contextGin.Request.Context(), identity.Issuer, identity.Subject)
		if resolveErr != nil {
			logger.Error("principal resolution failed", zap.String("code", "auth.resolve_failed"), zap.Error(resolveErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Set(principalContextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal injected by RequirePrincipal.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
