package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/adsso/internal/identity"
	"github.com/tyemirov/adsso/internal/identitypg"
	"github.com/tyemirov/adsso/internal/ssokit"
	"github.com/tyemirov/adsso/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "adssod",
		Short:   "SSO service authenticating users against an OIDC authority and mapping directory groups to local roles",
		PreRunE: prepareProviderSettings,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("client_id", "", "OAuth client id registered with the identity provider")
	rootCmd.Flags().String("client_secret", "", "OAuth client secret")
	rootCmd.Flags().String("authorization_endpoint", "", "Provider authorization endpoint")
	rootCmd.Flags().String("token_endpoint", "", "Provider token endpoint")
	rootCmd.Flags().String("end_session_endpoint", "", "Provider end-session endpoint")
	rootCmd.Flags().String("key_set_endpoint", "", "Provider JWKS endpoint")
	rootCmd.Flags().String("issuer", "", "Expected ID token issuer")
	rootCmd.Flags().String("audience", "", "Expected ID token audience")
	rootCmd.Flags().String("redirect_uri", "", "Callback URL registered with the provider")
	rootCmd.Flags().String("logout_redirect_uri", "", "URL the provider redirects to after sign-out")
	rootCmd.Flags().String("directory_resource", "https://graph.windows.net", "Directory graph resource identifier")
	rootCmd.Flags().String("directory_base_url", "https://graph.windows.net", "Directory graph base URL")
	rootCmd.Flags().StringSlice("group_role_map", []string{}, "Ordered groupID=role pairs; first matching group wins")
	rootCmd.Flags().String("default_role", "subscriber", "Role assigned when no configured group matches")
	rootCmd.Flags().Bool("enable_group_roles", false, "Assign roles from directory group membership")
	rootCmd.Flags().Bool("require_group_role", false, "Deny login when no configured group matches")
	rootCmd.Flags().Bool("registration_open", false, "Allow provisioning accounts for unknown subjects")
	rootCmd.Flags().Bool("override_registration", false, "Provision unknown subjects even when registration is closed")
	rootCmd.Flags().Bool("require_state", true, "Verify the anti-forgery state parameter on callbacks")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "Lifetime of issued state tokens")
	rootCmd.Flags().Duration("http_timeout", 10*time.Second, "Timeout for outbound provider and directory calls")
	rootCmd.Flags().Duration("clock_skew", time.Minute, "Tolerance applied to nbf and exp checks")
	rootCmd.Flags().Duration("key_cache_ttl", time.Hour, "Freshness window of the cached signing key set")
	rootCmd.Flags().Duration("key_cache_stale", 24*time.Hour, "Ceiling for serving a stale key set after fetch failures")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for the app session JWT")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "App session token TTL")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("database_url", "", "Identity store URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("pg_direct", false, "Use the pgx-backed identity store instead of GORM for postgres URLs")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")

	for _, flagName := range []string{
		"listen_addr", "client_id", "client_secret", "authorization_endpoint", "token_endpoint",
		"end_session_endpoint", "key_set_endpoint", "issuer", "audience", "redirect_uri",
		"logout_redirect_uri", "directory_resource", "directory_base_url", "group_role_map",
		"default_role", "enable_group_roles", "require_group_role", "registration_open",
		"override_registration", "require_state", "state_ttl", "http_timeout", "clock_skew",
		"key_cache_ttl", "key_cache_stale", "jwt_signing_key", "session_ttl", "cookie_domain",
		"database_url", "pg_direct", "enable_cors", "cors_allowed_origins", "dev_insecure_http",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("ADSSO")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "adsso_session"
	sessionIssuer     = "adsso"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeUninitializedSettings   = "config.uninitialized_provider_settings"
	configCodeIdentityStoreUnreadable = "config.identity_store_init"
)

type contextKey string

const providerSettingsContextKey contextKey = "providerSettings"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareProviderSettings(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadProviderSettings()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, providerSettingsContextKey, settings))
	return nil
}

// LoadProviderSettings reads and validates the provider settings from viper.
func LoadProviderSettings() (ssokit.ProviderSettings, error) {
	groupRoleMap, parseErr := ssokit.ParseGroupRolePairs(viper.GetStringSlice("group_role_map"))
	if parseErr != nil {
		return ssokit.ProviderSettings{}, parseErr
	}

	settings := ssokit.ProviderSettings{
		ClientID:              viper.GetString("client_id"),
		ClientSecret:          viper.GetString("client_secret"),
		AuthorizationEndpoint: viper.GetString("authorization_endpoint"),
		TokenEndpoint:         viper.GetString("token_endpoint"),
		EndSessionEndpoint:    viper.GetString("end_session_endpoint"),
		KeySetEndpoint:        viper.GetString("key_set_endpoint"),
		Issuer:                viper.GetString("issuer"),
		Audience:              viper.GetString("audience"),
		RedirectURI:           viper.GetString("redirect_uri"),
		LogoutRedirectURI:     viper.GetString("logout_redirect_uri"),
		DirectoryResource:     viper.GetString("directory_resource"),
		DirectoryBaseURL:      viper.GetString("directory_base_url"),
		GroupRoleMap:          groupRoleMap,
		DefaultRole:           viper.GetString("default_role"),
		EnableGroupRoles:      viper.GetBool("enable_group_roles"),
		RequireGroupRole:      viper.GetBool("require_group_role"),
		RegistrationOpen:      viper.GetBool("registration_open"),
		OverrideRegistration:  viper.GetBool("override_registration"),
		RequireState:          viper.GetBool("require_state"),
		HTTPTimeout:           viper.GetDuration("http_timeout"),
		ClockSkew:             viper.GetDuration("clock_skew"),
		KeyCacheTTL:           viper.GetDuration("key_cache_ttl"),
		KeyCacheStale:         viper.GetDuration("key_cache_stale"),
	}
	if validateErr := settings.Validate(); validateErr != nil {
		return ssokit.ProviderSettings{}, validateErr
	}
	return settings, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(providerSettingsContextKey)
	}
	settings, ok := contextValue.(ssokit.ProviderSettings)
	if !ok {
		return configError(configCodeUninitializedSettings, "provider settings not prepared; PreRunE must execute before RunE")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	identityStore, storeErr := buildIdentityStore(context.Background(), databaseURL, logger)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeIdentityStoreUnreadable, storeErr)
	}

	clock := ssokit.NewSystemClock()
	stateStore := ssokit.NewMemoryStateStore(viper.GetDuration("state_ttl"))
	metricsRecorder := ssokit.NewCounterMetrics()

	keyStore := ssokit.NewRemoteKeySet(settings, clock, logger)
	validator := ssokit.NewIDTokenValidator(settings, keyStore, clock)
	exchanger := ssokit.NewCodeExchanger(settings, logger)
	directoryTokens := ssokit.NewClientCredentialsTokenSource(settings, clock)
	directory := ssokit.NewGraphClient(settings, directoryTokens, logger)
	resolver := ssokit.NewIdentityResolver(settings, identityStore, directory, logger)
	roleMapper := ssokit.NewRoleMapper(settings, directory, logger)
	urlBuilder := ssokit.NewLoginURLBuilder(settings, stateStore)
	authenticator := ssokit.NewAuthenticator(settings, exchanger, validator, resolver, roleMapper, stateStore, identityStore, metricsRecorder, logger)

	serverConfig := web.ServerConfig{
		SessionCookieName: sessionCookieName,
		SessionIssuer:     sessionIssuer,
		SessionSigningKey: []byte(jwtSigningKey),
		SessionTTL:        sessionTTL,
		CookieDomain:      viper.GetString("cookie_domain"),
		SameSiteMode:      http.SameSiteStrictMode,
		AllowInsecureHTTP: devInsecureHTTP,
	}
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	web.MountSSORoutes(router, serverConfig, authenticator, urlBuilder, clock, logger)

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metricsz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, metricsRecorder.Snapshot())
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildIdentityStore(ctx context.Context, databaseURL string, logger *zap.Logger) (identity.Store, error) {
	if databaseURL == "" {
		logger.Info("using in-memory identity store")
		return identity.NewMemoryStore(), nil
	}

	if viper.GetBool("pg_direct") && strings.HasPrefix(databaseURL, "postgres") {
		pool, poolErr := identitypg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := identitypg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using pgx identity store")
		return identitypg.NewPostgresIdentityStore(pool), nil
	}

	persistentStore, storeErr := identity.NewDatabaseStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent identity store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
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
