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

const (
	testSigningKey = "secret-key"
	testIssuer     = "issuer"
)

var testNow = time.Unix(1700000000, 0).UTC()

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

type tokenFields struct {
	signingKey string
	issuer     string
	userID     string
	roles      []string
	notBefore  time.Time
	expiresAt  time.Time
}

func defaultTokenFields() tokenFields {
	return tokenFields{
		signingKey: testSigningKey,
		issuer:     testIssuer,
		userID:     "user-123",
		roles:      []string{"user", "admin"},
		notBefore:  testNow,
		expiresAt:  testNow.Add(time.Minute),
	}
}

func mintToken(t *testing.T, fields tokenFields) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:          fields.userID,
		UserEmail:       "user@example.com",
		UserDisplayName: "Demo User",
		UserRoles:       fields.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    fields.issuer,
			Subject:   fields.userID,
			IssuedAt:  jwt.NewNumericDate(fields.notBefore),
			NotBefore: jwt.NewNumericDate(fields.notBefore),
			ExpiresAt: jwt.NewNumericDate(fields.expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(fields.signingKey))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, cookieName string) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: cookieName,
		Clock:      fixedClock{current: testNow},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return validator
}

func TestNewValidatorConfiguration(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := New(Config{SigningKey: []byte(testSigningKey), Issuer: "  "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}

	validator, err := New(Config{SigningKey: []byte(testSigningKey), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.cookieName != DefaultCookieName || validator.parser == nil {
		t.Fatalf("expected defaults, got cookie %q", validator.cookieName)
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	t.Parallel()

	claims, err := newTestValidator(t, "session").ValidateToken(mintToken(t, defaultTokenFields()))
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.GetUserID() != "user-123" || claims.UserEmail != "user@example.com" || !claims.HasRole("admin") {
		t.Fatalf("unexpected claims: %#v", claims)
	}
	if claims.HasRole("owner") {
		t.Fatalf("did not expect owner role")
	}
	if !claims.GetExpiresAt().Equal(testNow.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestValidateTokenRejectsInvalidCases(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t, "session")
	testCases := []struct {
		name      string
		mutate    func(fields *tokenFields)
		raw       string
		expectErr error
	}{
		{name: "empty token", raw: " ", expectErr: ErrMissingToken},
		{name: "garbage", raw: "not.a.jwt", expectErr: ErrInvalidToken},
		{name: "bad signature", mutate: func(fields *tokenFields) { fields.signingKey = "other-key" }, expectErr: ErrInvalidToken},
		{name: "wrong issuer", mutate: func(fields *tokenFields) { fields.issuer = "other-issuer" }, expectErr: ErrInvalidIssuer},
		{name: "missing user", mutate: func(fields *tokenFields) { fields.userID = "" }, expectErr: ErrInvalidToken},
		{
			name: "expired",
			mutate: func(fields *tokenFields) {
				fields.notBefore = testNow.Add(-2 * time.Minute)
				fields.expiresAt = testNow.Add(-time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
		{
			name: "not yet valid",
			mutate: func(fields *tokenFields) {
				fields.notBefore = testNow.Add(time.Minute)
				fields.expiresAt = testNow.Add(2 * time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			token := testCase.raw
			if testCase.mutate != nil {
				fields := defaultTokenFields()
				testCase.mutate(&fields)
				token = mintToken(t, fields)
			}
			if _, err := validator.ValidateToken(token); !errors.Is(err, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, err)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(t, "session")
	tokenValue := mintToken(t, defaultTokenFields())

	cookieRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: "session", Value: tokenValue})
	claims, err := validator.ValidateRequest(cookieRequest)
	if err != nil || claims.GetUserID() != "user-123" {
		t.Fatalf("expected cookie credential to validate, got %v", err)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	bearerRequest.Header.Set("Authorization", "Bearer "+tokenValue)
	bearerRequest.AddCookie(&http.Cookie{Name: "session", Value: "stale"})
	if _, bearerErr := validator.ValidateRequest(bearerRequest); bearerErr != nil {
		t.Fatalf("bearer header must take precedence over the cookie: %v", bearerErr)
	}

	if _, missingErr := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/protected", nil)); !errors.Is(missingErr, ErrMissingCredential) {
		t.Fatalf("expected missing credential error, got %v", missingErr)
	}
	if _, nilErr := validator.ValidateRequest(nil); !errors.Is(nilErr, ErrMissingCredential) {
		t.Fatalf("expected missing credential error for nil request, got %v", nilErr)
	}
}

func TestGinMiddlewareAndRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)

	validator := newTestValidator(t, "")
	router := gin.New()
	protected := router.Group("/", validator.GinMiddleware(""))
	protected.GET("/profile", func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok || claims.GetUserID() != "user-123" {
			contextGin.Status(http.StatusConflict)
			return
		}
		contextGin.Status(http.StatusOK)
	})
	protected.GET("/admin", RequireRole("admin"), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	adminToken := mintToken(t, defaultTokenFields())
	memberFields := defaultTokenFields()
	memberFields.roles = []string{"user"}
	userToken := mintToken(t, memberFields)

	testCases := []struct {
		name         string
		path         string
		token        string
		expectedCode int
	}{
		{name: "profile with cookie", path: "/profile", token: adminToken, expectedCode: http.StatusOK},
		{name: "profile without credential", path: "/profile", expectedCode: http.StatusUnauthorized},
		{name: "admin with admin role", path: "/admin", token: adminToken, expectedCode: http.StatusOK},
		{name: "admin without admin role", path: "/admin", token: userToken, expectedCode: http.StatusForbidden},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, testCase.path, nil)
		if testCase.token != "" {
			request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: testCase.token})
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.expectedCode {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expectedCode, recorder.Code)
		}
	}
}

func TestRequireRoleWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/admin", RequireRole("admin"), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without claims, got %d", recorder.Code)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		header string
		token  string
		found  bool
	}{
		"missing":      {header: "", found: false},
		"basic scheme": {header: "Basic abc", found: false},
		"empty bearer": {header: "Bearer   ", found: false},
		"lower case":   {header: "bearer abc.def", token: "abc.def", found: true},
		"canonical":    {header: "Bearer xyz", token: "xyz", found: true},
	}
	for name, testCase := range cases {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		token, found := BearerToken(request)
		if found != testCase.found || token != testCase.token {
			t.Fatalf("%s: expected (%q, %v), got (%q, %v)", name, testCase.token, testCase.found, token, found)
		}
	}
}
