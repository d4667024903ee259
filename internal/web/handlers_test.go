package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/adsso/internal/identity"
	"github.com/tyemirov/adsso/internal/ssokit"
)

type stubAuthenticator struct {
	outcome ssokit.Outcome
	lastReq ssokit.CallbackRequest
	calls   int
}

func (authenticator *stubAuthenticator) Authenticate(ctx context.Context, request ssokit.CallbackRequest) ssokit.Outcome {
	authenticator.calls++
	authenticator.lastReq = request
	return authenticator.outcome
}

type stubURLBuilder struct {
	loginURL  string
	loginErr  error
	logoutURL string
}

func (builder *stubURLBuilder) BuildLoginURL(ctx context.Context) (string, error) {
	return builder.loginURL, builder.loginErr
}

func (builder *stubURLBuilder) BuildLogoutURL() string {
	return builder.logoutURL
}

func testServerConfig() ServerConfig {
	return ServerConfig{
		SessionCookieName: "adsso_session",
		SessionIssuer:     "adsso",
		SessionSigningKey: []byte("0123456789abcdef0123456789abcdef"),
		SessionTTL:        time.Hour,
		SameSiteMode:      http.SameSiteLaxMode,
		AllowInsecureHTTP: true,
	}
}

func newTestRouter(configuration ServerConfig, authenticator LoginAuthenticator, urls URLBuilder) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountSSORoutes(router, configuration, authenticator, urls, nil, nil)
	return router
}

func authenticatedOutcome() ssokit.Outcome {
	return ssokit.Outcome{
		Status: ssokit.StatusAuthenticated,
		Identity: &identity.LocalIdentity{
			ID:          "id-1",
			Username:    "jane.doe",
			Email:       "a@x.com",
			DisplayName: "Jane Doe",
			Role:        "subscriber",
			Subject:     "S1",
		},
		Role:    "subscriber",
		Created: true,
	}
}

func TestLoginRedirectsToProvider(t *testing.T) {
	router := newTestRouter(testServerConfig(), &stubAuthenticator{}, &stubURLBuilder{loginURL: "https://login.example.com/authorize?state=abc"})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	if recorder.Header().Get("Location") != "https://login.example.com/authorize?state=abc" {
		t.Fatalf("unexpected location %s", recorder.Header().Get("Location"))
	}
}

func TestLoginFailsClosedWhenURLBuildFails(t *testing.T) {
	router := newTestRouter(testServerConfig(), &stubAuthenticator{}, &stubURLBuilder{loginErr: errors.New("state store down")})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestCallbackRequiresHTTPS(t *testing.T) {
	configuration := testServerConfig()
	configuration.AllowInsecureHTTP = false
	authenticator := &stubAuthenticator{outcome: authenticatedOutcome()}
	router := newTestRouter(configuration, authenticator, &stubURLBuilder{})

	request := httptest.NewRequest(http.MethodGet, "/auth/callback?code=ABC123", nil)
	request.Host = "app.example.com:443"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if authenticator.calls != 0 {
		t.Fatalf("insecure callback must not reach the authenticator")
	}

	// A forwarded-proto header marks the request as terminated TLS upstream.
	forwarded := httptest.NewRequest(http.MethodGet, "/auth/callback?code=ABC123", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, forwarded)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 behind tls-terminating proxy, got %d", recorder.Code)
	}
}

func TestCallbackDeferredIsNotAnSSOCallback(t *testing.T) {
	authenticator := &stubAuthenticator{outcome: ssokit.Outcome{Status: ssokit.StatusDeferred}}
	router := newTestRouter(testServerConfig(), authenticator, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var body map[string]string
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["error"] != "not_sso_callback" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCallbackDeniedReturnsReason(t *testing.T) {
	authenticator := &stubAuthenticator{outcome: ssokit.Outcome{
		Status:       ssokit.StatusDenied,
		DenialCode:   ssokit.DenyCodeInvalidToken,
		DenialDetail: "signature mismatch",
	}}
	router := newTestRouter(testServerConfig(), authenticator, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/callback?code=ABC123", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	var body map[string]string
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["error"] != ssokit.DenyCodeInvalidToken || body["detail"] != "signature mismatch" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCallbackForwardsQueryParameters(t *testing.T) {
	authenticator := &stubAuthenticator{outcome: ssokit.Outcome{Status: ssokit.StatusDeferred}}
	router := newTestRouter(testServerConfig(), authenticator, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet,
		"/auth/callback?code=ABC123&state=st-1&error=access_denied&error_description=declined", nil))
	_ = recorder

	if authenticator.lastReq.Code != "ABC123" || authenticator.lastReq.State != "st-1" {
		t.Fatalf("unexpected request %+v", authenticator.lastReq)
	}
	if authenticator.lastReq.ErrorCode != "access_denied" || authenticator.lastReq.ErrorDescription != "declined" {
		t.Fatalf("unexpected request %+v", authenticator.lastReq)
	}
}

func TestCallbackMintsSessionCookieOnSuccess(t *testing.T) {
	configuration := testServerConfig()
	authenticator := &stubAuthenticator{outcome: authenticatedOutcome()}
	router := newTestRouter(configuration, authenticator, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/callback?code=ABC123", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var sessionCookie *http.Cookie
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == configuration.SessionCookieName {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatalf("expected a session cookie")
	}
	if !sessionCookie.HttpOnly || !sessionCookie.Secure {
		t.Fatalf("session cookie must be http-only and secure")
	}

	claims, parseErr := ssokit.ParseSessionJWT(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey)
	if parseErr != nil {
		t.Fatalf("parse minted session: %v", parseErr)
	}
	if claims.UserID != "id-1" || claims.Username != "jane.doe" || claims.UserRole != "subscriber" {
		t.Fatalf("unexpected session claims %+v", claims)
	}

	var body map[string]any
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["username"] != "jane.doe" || body["role"] != "subscriber" || body["created"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestLogoutClearsCookieAndRedirects(t *testing.T) {
	configuration := testServerConfig()
	router := newTestRouter(configuration, &stubAuthenticator{}, &stubURLBuilder{logoutURL: "https://login.example.com/logout"})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	if recorder.Header().Get("Location") != "https://login.example.com/logout" {
		t.Fatalf("unexpected location %s", recorder.Header().Get("Location"))
	}

	var cleared *http.Cookie
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == configuration.SessionCookieName {
			cleared = cookie
		}
	}
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatalf("expected the session cookie to be cleared")
	}
}

func TestLogoutWithoutEndSessionEndpointReturnsNoContent(t *testing.T) {
	router := newTestRouter(testServerConfig(), &stubAuthenticator{}, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestMeReturnsSessionClaims(t *testing.T) {
	configuration := testServerConfig()
	router := newTestRouter(configuration, &stubAuthenticator{}, &stubURLBuilder{})

	sessionToken, _, mintErr := ssokit.MintSessionJWT(nil, "id-1", "jane.doe", "a@x.com", "Jane Doe", "editor",
		configuration.SessionIssuer, configuration.SessionSigningKey, time.Hour)
	if mintErr != nil {
		t.Fatalf("mint session: %v", mintErr)
	}

	request := httptest.NewRequest(http.MethodGet, "/me", nil)
	request.AddCookie(&http.Cookie{Name: configuration.SessionCookieName, Value: sessionToken})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]any
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["username"] != "jane.doe" || body["role"] != "editor" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMeRejectsMissingOrInvalidCookie(t *testing.T) {
	configuration := testServerConfig()
	router := newTestRouter(configuration, &stubAuthenticator{}, &stubURLBuilder{})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a cookie, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/me", nil)
	request.AddCookie(&http.Cookie{Name: configuration.SessionCookieName, Value: "tampered"})
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad cookie, got %d", recorder.Code)
	}
}

func TestRequireSessionInjectsClaims(t *testing.T) {
	configuration := testServerConfig()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", RequireSession(configuration), func(contextGin *gin.Context) {
		value, exists := contextGin.Get("auth_claims")
		if !exists {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		claims := value.(*ssokit.SessionClaims)
		contextGin.JSON(http.StatusOK, gin.H{"username": claims.Username})
	})

	sessionToken, _, mintErr := ssokit.MintSessionJWT(nil, "id-1", "jane.doe", "", "", "subscriber",
		configuration.SessionIssuer, configuration.SessionSigningKey, time.Hour)
	if mintErr != nil {
		t.Fatalf("mint session: %v", mintErr)
	}

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: configuration.SessionCookieName, Value: sessionToken})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}
}
