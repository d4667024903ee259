package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func mintSessionToken(t *testing.T, issuer string, signingKey []byte, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:          "id-1",
		Username:        "jane.doe",
		UserEmail:       "a@x.com",
		UserDisplayName: "Jane Doe",
		UserRole:        "editor",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "id-1",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	signed, signErr := token.SignedString(signingKey)
	if signErr != nil {
		t.Fatalf("sign session token: %v", signErr)
	}
	return signed
}

func newValidatorForTest(t *testing.T, now time.Time) *Validator {
	t.Helper()
	validator, newErr := New(Config{
		SigningKey: testSigningKey,
		Issuer:     "adsso",
		Clock:      fixedClock{timestamp: now},
	})
	if newErr != nil {
		t.Fatalf("new validator: %v", newErr)
	}
	return validator
}

func TestNewRequiresSigningKeyAndIssuer(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: "adsso"}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func TestNewDefaultsCookieName(t *testing.T) {
	t.Parallel()

	validator, newErr := New(Config{SigningKey: testSigningKey, Issuer: "adsso"})
	if newErr != nil {
		t.Fatalf("new validator: %v", newErr)
	}
	if validator.cookieName != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.cookieName)
	}
}

func TestValidateTokenAcceptsMintedSession(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "adsso", testSigningKey, now, time.Hour)

	claims, validateErr := validator.ValidateToken(tokenString)
	if validateErr != nil {
		t.Fatalf("unexpected error: %v", validateErr)
	}
	if claims.GetUserID() != "id-1" || claims.GetUsername() != "jane.doe" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.GetUserRole() != "editor" || claims.GetUserEmail() != "a@x.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.GetExpiresAt().IsZero() {
		t.Fatalf("expected an expiry")
	}
}

func TestValidateTokenRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	validator := newValidatorForTest(t, time.Unix(1700000000, 0))
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "adsso", []byte("another-signing-key-entirely!!!!"), now, time.Hour)
	if _, err := validator.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "someone-else", testSigningKey, now, time.Hour)
	if _, err := validator.ValidateToken(tokenString); !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("expected ErrInvalidIssuer, got %v", err)
	}
}

func TestValidateTokenRejectsExpiredSession(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "adsso", testSigningKey, now.Add(-2*time.Hour), time.Hour)
	if _, err := validator.ValidateToken(tokenString); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateRequestReadsCookie(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "adsso", testSigningKey, now, time.Hour)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tokenString})
	claims, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("unexpected error: %v", validateErr)
	}
	if claims.GetUsername() != "jane.doe" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingCookie) {
		t.Fatalf("expected ErrMissingCookie, got %v", err)
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newValidatorForTest(t, now)
	tokenString := mintSessionToken(t, "adsso", testSigningKey, now, time.Hour)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		value, exists := contextGin.Get(DefaultContextKey)
		if !exists {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		claims := value.(*Claims)
		contextGin.JSON(http.StatusOK, gin.H{"username": claims.GetUsername()})
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tokenString})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a cookie, got %d", recorder.Code)
	}
}
