package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tconnect/internal/connectkit"
	"github.com/tyemirov/tconnect/internal/connectkitpg"
	"github.com/tyemirov/tconnect/internal/notion"
	"github.com/tyemirov/tconnect/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (connectkit.GoogleTokenValidator, error) {
	return connectkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tconnect",
		Short:   "OAuth connection store with one-time state tokens and encrypted provider grants",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.PersistentFlags().String("state_store_url", "", "Redis URL for OAuth states (redis://; leave empty to use the database)")
	rootCmd.PersistentFlags().Duration("stale_connection_after", 0, "Revoke non-refreshable connections expired longer than this (0 disables)")

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("encryption_key", "", "Secret used to derive the token encryption key")
	rootCmd.Flags().String("encryption_key_id", "k1", "Identifier stamped on newly encrypted tokens")
	rootCmd.Flags().StringSlice("previous_encryption_keys", []string{}, "Retired keys still accepted for decryption (kid=secret)")
	rootCmd.Flags().Duration("state_ttl", connectkit.DefaultStateTTL, "OAuth state lifetime")
	rootCmd.Flags().Duration("sweep_interval", connectkit.DefaultSweepInterval, "Interval between expiry sweeps")
	rootCmd.Flags().String("upstream_issuer", "", "Expected iss claim of upstream bearer tokens")
	rootCmd.Flags().String("upstream_audience", "", "Expected aud claim of upstream bearer tokens")
	rootCmd.Flags().String("upstream_jwks_url", "", "JWKS endpoint of the upstream identity provider")
	rootCmd.Flags().String("upstream_hs256_secret", "", "Shared secret for HS256 upstream tokens")
	rootCmd.Flags().String("google_client_id", "", "Accept Google ID tokens minted for this client id")
	rootCmd.Flags().String("notion_client_id", "", "Notion OAuth client id")
	rootCmd.Flags().String("notion_client_secret", "", "Notion OAuth client secret")
	rootCmd.Flags().String("notion_redirect_uri", "", "Notion OAuth redirect URI")
	rootCmd.Flags().String("notion_owner", "user", "Notion owner parameter")
	rootCmd.Flags().Bool("notion_smoke_test", true, "Run a search with each fresh grant before storing it")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Trusted browser origins for CORS and return_to redirects (required if enable_cors is true)")
	rootCmd.Flags().Int("oauth_rate_limit_per_minute", 60, "Per-client budget for public OAuth endpoints (0 disables)")
	rootCmd.Flags().StringSlice("trusted_proxies", []string{}, "Proxy addresses or CIDRs allowed to set X-Forwarded-For (empty trusts none)")
	rootCmd.Flags().String("cookie_domain", "", "Domain attribute of the OAuth flow cookie (empty for host-only)")
	rootCmd.Flags().String("resource_url", "", "Protected resource identifier advertised at /.well-known/oauth-protected-resource (empty disables)")
	rootCmd.Flags().StringSlice("authorization_servers", []string{}, "Authorization servers advertised for the protected resource (defaults to upstream_issuer)")
	rootCmd.Flags().StringSlice("resource_scopes", []string{"mcp:read", "mcp:write"}, "Scopes advertised for the protected resource")

	for _, name := range []string{"database_url", "state_store_url", "stale_connection_after"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	for _, name := range []string{
		"listen_addr", "encryption_key", "encryption_key_id", "previous_encryption_keys",
		"state_ttl", "sweep_interval", "upstream_issuer", "upstream_audience",
		"upstream_jwks_url", "upstream_hs256_secret", "google_client_id",
		"notion_client_id", "notion_client_secret", "notion_redirect_uri", "notion_owner",
		"notion_smoke_test", "enable_cors", "cors_allowed_origins", "oauth_rate_limit_per_minute",
		"trusted_proxies", "cookie_domain", "resource_url", "authorization_servers", "resource_scopes",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newMigrateCommand(), newSweepCommand())
	return rootCmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := zap.NewProduction()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			stores, err := openStores(commandContext(command), loadStorageConfig(), logger)
			if err != nil {
				return err
			}
			defer stores.Close()
			logger.Info("schema ready", zap.String("code", "migrate.completed"), zap.String("driver", stores.driver))
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single expiry sweep and exit",
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := zap.NewProduction()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			storageConfig := loadStorageConfig()
			stores, err := openStores(commandContext(command), storageConfig, logger)
			if err != nil {
				return err
			}
			defer stores.Close()
			sweeper := connectkit.NewExpirySweeper(stores.states,
				connectkit.WithStaleConnections(stores.connections, storageConfig.StaleConnectionAfter),
				connectkit.WithSweeperLogger(logger),
			)
			report, sweepErr := sweeper.RunOnce(commandContext(command))
			if sweepErr != nil {
				return sweepErr
			}
			fmt.Fprintf(command.OutOrStdout(), "states_removed=%d connections_revoked=%d\n", report.StatesRemoved, report.ConnectionsRevoked)
			return nil
		},
	}
}

const (
	configCodeMissingEncryptionKey    = "config.missing_encryption_key"
	configCodeInvalidEncryptionKeys   = "config.invalid_encryption_keys"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeInvalidSweepInterval    = "config.invalid_sweep_interval"
	configCodeMissingIdentityVerifier = "config.missing_identity_verifier"
	configCodeMissingNotionClient     = "config.missing_notion_client"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidTrustedProxies   = "config.invalid_trusted_proxies"
	configCodeInvalidResourceURL      = "config.invalid_resource_url"
	configCodeMissingAuthServers      = "config.missing_authorization_servers"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), serverConfigContextKey, serverConfig))
	return nil
}

func commandContext(command *cobra.Command) context.Context {
	if existing := command.Context(); existing != nil {
		return existing
	}
	return context.Background()
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func loadStorageConfig() connectkit.ServerConfig {
	return connectkit.ServerConfig{
		DatabaseURL:          strings.TrimSpace(viper.GetString("database_url")),
		StateStoreURL:        strings.TrimSpace(viper.GetString("state_store_url")),
		StaleConnectionAfter: viper.GetDuration("stale_connection_after"),
	}
}

// LoadServerConfig reads and validates the server configuration from viper.
func LoadServerConfig() (connectkit.ServerConfig, error) {
	serverConfig := loadStorageConfig()

	encryptionKey := viper.GetString("encryption_key")
	if strings.TrimSpace(encryptionKey) == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	encryptionKeyID := strings.TrimSpace(viper.GetString("encryption_key_id"))
	if encryptionKeyID == "" {
		encryptionKeyID = "k1"
	}
	previousKeys, parseErr := connectkit.ParseKeyMaterialList(viper.GetStringSlice("previous_encryption_keys"))
	if parseErr != nil {
		return connectkit.ServerConfig{}, configError(configCodeInvalidEncryptionKeys, parseErr.Error())
	}

	stateTTL := viper.GetDuration("state_ttl")
	if stateTTL <= 0 {
		return connectkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}
	sweepInterval := viper.GetDuration("sweep_interval")
	if sweepInterval <= 0 {
		return connectkit.ServerConfig{}, configError(configCodeInvalidSweepInterval, "sweep_interval must be greater than zero")
	}

	jwksURL := strings.TrimSpace(viper.GetString("upstream_jwks_url"))
	hs256Secret := viper.GetString("upstream_hs256_secret")
	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if jwksURL == "" && hs256Secret == "" && googleClientID == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingIdentityVerifier, "one of upstream_jwks_url, upstream_hs256_secret, or google_client_id must be provided")
	}

	notionClientID := strings.TrimSpace(viper.GetString("notion_client_id"))
	notionClientSecret := viper.GetString("notion_client_secret")
	notionRedirectURI := strings.TrimSpace(viper.GetString("notion_redirect_uri"))
	if notionClientID == "" || notionClientSecret == "" || notionRedirectURI == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingNotionClient, "notion_client_id, notion_client_secret, and notion_redirect_uri must be provided")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return connectkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	trustedProxies, proxiesErr := parseTrustedProxies(viper.GetStringSlice("trusted_proxies"))
	if proxiesErr != nil {
		return connectkit.ServerConfig{}, configError(configCodeInvalidTrustedProxies, proxiesErr.Error())
	}

	upstreamIssuer := strings.TrimSpace(viper.GetString("upstream_issuer"))
	resourceURL := strings.TrimSpace(viper.GetString("resource_url"))
	var authorizationServers, resourceScopes []string
	if resourceURL != "" {
		parsedResource, resourceErr := url.Parse(resourceURL)
		if resourceErr != nil || !parsedResource.IsAbs() || parsedResource.Host == "" || parsedResource.Fragment != "" {
			return connectkit.ServerConfig{}, configError(configCodeInvalidResourceURL, "resource_url must be an absolute URL without a fragment")
		}
		authorizationServers = nonEmpty(viper.GetStringSlice("authorization_servers"))
		if len(authorizationServers) == 0 && upstreamIssuer != "" {
			authorizationServers = []string{upstreamIssuer}
		}
		if len(authorizationServers) == 0 {
			return connectkit.ServerConfig{}, configError(configCodeMissingAuthServers, "authorization_servers or upstream_issuer must be provided when resource_url is set")
		}
		resourceScopes = nonEmpty(viper.GetStringSlice("resource_scopes"))
	}

	serverConfig.ListenAddr = viper.GetString("listen_addr")
	serverConfig.EncryptionKey = connectkit.KeyMaterial{ID: encryptionKeyID, Secret: []byte(encryptionKey)}
	serverConfig.PreviousEncryptionKeys = previousKeys
	serverConfig.StateTTL = stateTTL
	serverConfig.SweepInterval = sweepInterval
	serverConfig.UpstreamIssuer = upstreamIssuer
	serverConfig.UpstreamAudience = strings.TrimSpace(viper.GetString("upstream_audience"))
	serverConfig.UpstreamJWKSURL = jwksURL
	if hs256Secret != "" {
		serverConfig.UpstreamHS256Secret = []byte(hs256Secret)
	}
	serverConfig.GoogleClientID = googleClientID
	serverConfig.NotionClientID = notionClientID
	serverConfig.NotionClientSecret = notionClientSecret
	serverConfig.NotionRedirectURI = notionRedirectURI
	serverConfig.NotionOwner = viper.GetString("notion_owner")
	serverConfig.NotionSmokeTest = viper.GetBool("notion_smoke_test")
	serverConfig.EnableCORS = enableCORS
	serverConfig.CORSAllowedOrigins = corsAllowedOrigins
	serverConfig.OAuthRateLimitPerMinute = viper.GetInt("oauth_rate_limit_per_minute")
	serverConfig.TrustedProxies = trustedProxies
	serverConfig.CookieDomain = strings.TrimSpace(viper.GetString("cookie_domain"))
	serverConfig.ResourceURL = resourceURL
	serverConfig.AuthorizationServers = authorizationServers
	serverConfig.ResourceScopes = resourceScopes
	return serverConfig, nil
}

func parseTrustedProxies(entries []string) ([]string, error) {
	proxies := nonEmpty(entries)
	for _, proxy := range proxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return nil, fmt.Errorf("%q is neither an IP address nor a CIDR", proxy)
		}
	}
	return proxies, nil
}

func nonEmpty(entries []string) []string {
	var kept []string
	for _, entry := range entries {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return kept
}

// storeSet groups the backends chosen for one process.
type storeSet struct {
	driver      string
	principals  connectkit.PrincipalStore
	connections connectkit.ConnectionStore
	states      connectkit.StateStore
	health      map[string]web.HealthChecker
	closers     []io.Closer
}

func (stores *storeSet) Close() {
	for index := len(stores.closers) - 1; index >= 0; index-- {
		_ = stores.closers[index].Close()
	}
}

type closerFunc func() error

func (closer closerFunc) Close() error {
	return closer()
}

func openStores(ctx context.Context, serverConfig connectkit.ServerConfig, logger *zap.Logger) (*storeSet, error) {
	stores := &storeSet{health: make(map[string]web.HealthChecker)}

	if serverConfig.DatabaseURL == "" {
		memoryStore := connectkit.NewMemoryStore()
		stores.driver = "memory"
		stores.principals = memoryStore
		stores.connections = memoryStore
		stores.states = memoryStore
		logger.Info("using in-memory connection store")
	} else {
		var postgresStates *connectkitpg.PostgresStateStore
		if isPostgresURL(serverConfig.DatabaseURL) {
			pool, poolErr := connectkitpg.BuildPool(ctx, serverConfig.DatabaseURL)
			if poolErr != nil {
				return nil, poolErr
			}
			sqlDB := connectkitpg.OpenDB(pool)
			stores.closers = append(stores.closers, closerFunc(func() error { pool.Close(); return nil }), sqlDB)
			if schemaErr := connectkitpg.EnsureSchema(ctx, sqlDB); schemaErr != nil {
				stores.Close()
				return nil, schemaErr
			}
			postgresStates = connectkitpg.NewPostgresStateStore(sqlDB)
		}
		databaseStore, storeErr := connectkit.NewDatabaseStore(ctx, serverConfig.DatabaseURL)
		if storeErr != nil {
			stores.Close()
			return nil, storeErr
		}
		stores.closers = append(stores.closers, databaseStore)
		stores.driver = databaseStore.Driver()
		stores.principals = databaseStore
		stores.connections = databaseStore
		stores.states = databaseStore
		stores.health["database"] = databaseStore
		if postgresStates != nil {
			stores.states = postgresStates
		}
		logger.Info("using persistent connection store", zap.String("driver", stores.driver))
	}

	if serverConfig.StateStoreURL != "" {
		redisStates, redisErr := connectkit.OpenRedisStateStore(ctx, serverConfig.StateStoreURL)
		if redisErr != nil {
			stores.Close()
			return nil, redisErr
		}
		stores.closers = append(stores.closers, redisStates)
		stores.states = redisStates
		stores.health["state_store"] = redisStates
		logger.Info("using redis state store")
	}
	return stores, nil
}

func isPostgresURL(databaseURL string) bool {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "postgres" || scheme == "postgresql"
}

func buildIdentityVerifier(ctx context.Context, serverConfig connectkit.ServerConfig, clock connectkit.Clock) (connectkit.IdentityVerifier, error) {
	var chain connectkit.IdentityVerifierChain
	if serverConfig.UpstreamJWKSURL != "" {
		chain = append(chain, connectkit.NewJWKSVerifier(
			serverConfig.UpstreamJWKSURL,
			serverConfig.UpstreamIssuer,
			serverConfig.UpstreamAudience,
			connectkit.WithJWKSClock(clock),
		))
	}
	if len(serverConfig.UpstreamHS256Secret) > 0 {
		chain = append(chain, connectkit.NewHS256Verifier(serverConfig.UpstreamHS256Secret, serverConfig.UpstreamIssuer, serverConfig.UpstreamAudience, clock))
	}
	if serverConfig.GoogleClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		chain = append(chain, connectkit.NewGoogleIdentityVerifier(validator, serverConfig.GoogleClientID))
	}
	return chain, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	var contextValue any
	if existing := command.Context(); existing != nil {
		contextValue = existing.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(connectkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	ctx := commandContext(command)

	stores, storesErr := openStores(ctx, serverConfig, logger)
	if storesErr != nil {
		return storesErr
	}
	defer stores.Close()

	tokenCipher, cipherErr := connectkit.NewEnvelopeCipher(serverConfig.EncryptionKey, serverConfig.PreviousEncryptionKeys...)
	if cipherErr != nil {
		return configError(configCodeInvalidEncryptionKeys, cipherErr.Error())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := connectkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	clock := connectkit.NewSystemClock()
	identityVerifier, identityErr := buildIdentityVerifier(ctx, serverConfig, clock)
	if identityErr != nil {
		return identityErr
	}

	notionClient, notionErr := notion.NewClient(notion.Config{
		ClientID:     serverConfig.NotionClientID,
		ClientSecret: serverConfig.NotionClientSecret,
		RedirectURI:  serverConfig.NotionRedirectURI,
		Owner:        serverConfig.NotionOwner,
	})
	if notionErr != nil {
		return notionErr
	}
	var grantVerifier connectkit.GrantVerifier
	if serverConfig.NotionSmokeTest {
		grantVerifier = notionClient
	}

	principals := connectkit.NewPrincipalDirectory(stores.principals,
		connectkit.WithPrincipalClock(clock),
		connectkit.WithPrincipalLogger(logger),
		connectkit.WithPrincipalMetrics(metricsRecorder),
	)
	stateTokens := connectkit.NewStateTokenManager(stores.states,
		connectkit.WithStateClock(clock),
		connectkit.WithStateLogger(logger),
		connectkit.WithStateMetrics(metricsRecorder),
		connectkit.WithDefaultStateTTL(serverConfig.StateTTL),
		connectkit.WithStatePrincipals(stores.principals),
	)
	connections := connectkit.NewConnectionManager(stores.connections, tokenCipher,
		connectkit.WithConnectionClock(clock),
		connectkit.WithConnectionLogger(logger),
		connectkit.WithConnectionMetrics(metricsRecorder),
		connectkit.WithConnectionPrincipals(stores.principals),
	)
	sweeper := connectkit.NewExpirySweeper(stores.states,
		connectkit.WithSweepInterval(serverConfig.SweepInterval),
		connectkit.WithStaleConnections(stores.connections, serverConfig.StaleConnectionAfter),
		connectkit.WithSweeperClock(clock),
		connectkit.WithSweeperLogger(logger),
		connectkit.WithSweeperMetrics(metricsRecorder),
	)

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := newRouter(logger, serverConfig.TrustedProxies)
	if routerErr != nil {
		return routerErr
	}

	var returnURLAllowed func(string) bool
	if len(serverConfig.CORSAllowedOrigins) > 0 {
		originPolicy, originErr := web.NewOriginPolicy(logger, serverConfig.CORSAllowedOrigins)
		if originErr != nil {
			return originErr
		}
		if serverConfig.EnableCORS {
			router.Use(originPolicy.CORS())
		}
		returnURLAllowed = originPolicy.AllowsURL
	}

	router.GET("/healthz", web.HandleHealthz(logger, stores.health))
	router.GET("/metrics", web.HandleMetrics(registry))

	connectkit.MountConnectionRoutes(router, connectkit.RouteDependencies{
		Principals:    principals,
		States:        stateTokens,
		Connections:   connections,
		Identity:      identityVerifier,
		Provider:      notionClient,
		GrantVerifier: grantVerifier,
		RateLimiter:   connectkit.NewClientRateLimiter(serverConfig.OAuthRateLimitPerMinute, clock),
		StateTTL:      serverConfig.StateTTL,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metricsRecorder,

		ResourceMetadata: protectedResourceMetadata(serverConfig),
		ReturnURLAllowed: returnURLAllowed,
		FlowCookieDomain: serverConfig.CookieDomain,
	})

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go sweeper.Run(shutdownCtx)

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// newRouter builds the engine; with no trusted proxies ClientIP is the socket peer.
func newRouter(logger *zap.Logger, trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	var proxies []string
	if len(trustedProxies) > 0 {
		proxies = trustedProxies
	}
	if err := router.SetTrustedProxies(proxies); err != nil {
		return nil, configError(configCodeInvalidTrustedProxies, err.Error())
	}
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	return router, nil
}

func protectedResourceMetadata(serverConfig connectkit.ServerConfig) *connectkit.ProtectedResourceMetadata {
	if serverConfig.ResourceURL == "" {
		return nil
	}
	return &connectkit.ProtectedResourceMetadata{
		Resource:             serverConfig.ResourceURL,
		AuthorizationServers: serverConfig.AuthorizationServers,
		ScopesSupported:      serverConfig.ResourceScopes,
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
