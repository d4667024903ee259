// Package web mounts the host-facing HTTP surface around the authentication
// pipeline: login redirect, provider callback, logout, and session checks.
package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/adsso/internal/ssokit"
	"go.uber.org/zap"
)

// ServerConfig configures the session cookie minted after login.
type ServerConfig struct {
	SessionCookieName string
	SessionIssuer     string
	SessionSigningKey []byte
	SessionTTL        time.Duration
	CookieDomain      string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

// LoginAuthenticator runs the end-to-end login decision for one callback.
type LoginAuthenticator interface {
	Authenticate(ctx context.Context, request ssokit.CallbackRequest) ssokit.Outcome
}

// URLBuilder produces the provider login and logout URLs.
type URLBuilder interface {
	BuildLoginURL(ctx context.Context) (string, error)
	BuildLogoutURL() string
}

// MountSSORoutes registers /auth/login, /auth/callback, /auth/logout, and /me.
func MountSSORoutes(router gin.IRouter, configuration ServerConfig, authenticator LoginAuthenticator, urls URLBuilder, clock ssokit.Clock, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = ssokit.NewSystemClock()
	}

	router.GET("/auth/login", func(contextGin *gin.Context) {
		loginURL, buildErr := urls.BuildLoginURL(contextGin.Request.Context())
		if buildErr != nil {
			logger.Error("login url build failed",
				zap.String("code", "web.login.build_failed"),
				zap.Error(buildErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Redirect(http.StatusFound, loginURL)
	})

	router.GET("/auth/callback", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		request := ssokit.CallbackRequest{
			Code:             contextGin.Query("code"),
			State:            contextGin.Query("state"),
			ErrorCode:        contextGin.Query("error"),
			ErrorDescription: contextGin.Query("error_description"),
		}

		outcome := authenticator.Authenticate(contextGin.Request.Context(), request)
		switch outcome.Status {
		case ssokit.StatusDeferred:
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "not_sso_callback"})
		case ssokit.StatusDenied:
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  outcome.DenialCode,
				"detail": outcome.DenialDetail,
			})
		case ssokit.StatusAuthenticated:
			sessionToken, sessionExpiresAt, mintErr := ssokit.MintSessionJWT(
				clock,
				outcome.Identity.ID,
				outcome.Identity.Username,
				outcome.Identity.Email,
				outcome.Identity.DisplayName,
				outcome.Role,
				configuration.SessionIssuer,
				configuration.SessionSigningKey,
				configuration.SessionTTL,
			)
			if mintErr != nil {
				logger.Error("session mint failed",
					zap.String("code", "web.callback.mint_failed"),
					zap.Error(mintErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			writeSessionCookie(contextGin, configuration, sessionToken, sessionExpiresAt)
			contextGin.JSON(http.StatusOK, gin.H{
				"user_id":  outcome.Identity.ID,
				"username": outcome.Identity.Username,
				"email":    outcome.Identity.Email,
				"display":  outcome.Identity.DisplayName,
				"role":     outcome.Role,
				"created":  outcome.Created,
			})
		}
	})

	router.GET("/auth/logout", func(contextGin *gin.Context) {
		clearCookie(contextGin, configuration.SessionCookieName, configuration.CookieDomain, configuration.SameSiteMode)
		logoutURL := urls.BuildLogoutURL()
		if logoutURL == "" {
			contextGin.Status(http.StatusNoContent)
			return
		}
		contextGin.Redirect(http.StatusFound, logoutURL)
	})

	router.GET("/me", func(contextGin *gin.Context) {
		sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
		if cookieErr != nil || sessionCookie == nil || strings.TrimSpace(sessionCookie.Value) == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, parseErr := ssokit.ParseSessionJWT(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey)
		if parseErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":  claims.UserID,
			"username": claims.Username,
			"email":    claims.UserEmail,
			"display":  claims.UserDisplayName,
			"role":     claims.UserRole,
			"expires":  claims.ExpiresAt.Time,
		})
	})
}

// RequireSession validates the session cookie and injects claims.
func RequireSession(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
		if cookieErr != nil || sessionCookie == nil || sessionCookie.Value == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, parseErr := ssokit.ParseSessionJWT(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey)
		if parseErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set("auth_claims", claims)
		contextGin.Next()
	}
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, domain string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
