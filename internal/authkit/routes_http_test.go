package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/dashauth/pkg/identity"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type authCookieState struct {
	session string
	refresh string
}

func captureAuthCookies(state authCookieState, cookies []*http.Cookie, config ServerConfig) authCookieState {
	for _, cookie := range cookies {
		switch cookie.Name {
		case config.SessionCookieName:
			state.session = cookie.Value
		case config.RefreshCookieName:
			state.refresh = cookie.Value
		}
	}
	return state
}

func applyAuthCookies(request *http.Request, state authCookieState, config ServerConfig) {
	if state.session != "" {
		request.AddCookie(&http.Cookie{Name: config.SessionCookieName, Value: state.session, Path: "/"})
	}
	if state.refresh != "" {
		request.AddCookie(&http.Cookie{Name: config.RefreshCookieName, Value: state.refresh, Path: "/auth"})
	}
}

type recordingMailer struct {
	mutex sync.Mutex
	sent  map[string]string
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{sent: make(map[string]string)}
}

func (mailer *recordingMailer) SendPasswordReset(_ context.Context, userEmail string, resetLink string) error {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	mailer.sent[userEmail] = resetLink
	return nil
}

func (mailer *recordingMailer) linkFor(userEmail string) (string, bool) {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	link, ok := mailer.sent[userEmail]
	return link, ok
}

type testHarness struct {
	config   ServerConfig
	users    *MemoryUserStore
	refresh  *MemoryRefreshTokenStore
	settings *MemorySettingsStore
	mailer   *recordingMailer
	metrics  *CounterMetrics
	router   *gin.Engine
}

func newTestHarness(t *testing.T, mutate func(*ServerConfig, *Dependencies)) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	harness := &testHarness{
		config:   newTestServerConfig(),
		users:    NewMemoryUserStore(),
		refresh:  NewMemoryRefreshTokenStore(),
		settings: NewMemorySettingsStore(),
		mailer:   newRecordingMailer(),
		metrics:  NewCounterMetrics(),
		router:   gin.New(),
	}
	dependencies := Dependencies{
		Users:         harness.users,
		RefreshTokens: harness.refresh,
		Settings:      harness.settings,
		Hasher:        NewPasswordHasher(bcrypt.MinCost),
		Mailer:        harness.mailer,
		Logger:        zaptest.NewLogger(t),
		Metrics:       harness.metrics,
	}
	if mutate != nil {
		mutate(&harness.config, &dependencies)
	}
	if err := MountAuthRoutes(harness.router, harness.config, dependencies); err != nil {
		t.Fatalf("mount routes: %v", err)
	}
	return harness
}

func (harness *testHarness) do(t *testing.T, method string, path string, body string, accessToken string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeAuthResult(t *testing.T, recorder *httptest.ResponseRecorder) identity.AuthResult {
	t.Helper()
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result identity.AuthResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if result.User == nil || result.Session == nil {
		t.Fatalf("expected user and session, got %s", recorder.Body.String())
	}
	return result
}

func TestHTTPPasswordLifecycleEndToEnd(t *testing.T) {
	harness := newTestHarness(t, nil)
	server := httptest.NewTLSServer(harness.router)
	defer server.Close()
	client := server.Client()
	state := authCookieState{}

	signUpResp, err := client.Post(server.URL+"/auth/signup", "application/json",
		bytes.NewBufferString(`{"email":" Ada@Example.com ","password":"secret1","profile":{"display_name":"Ada"}}`))
	if err != nil {
		t.Fatalf("signup request failed: %v", err)
	}
	if signUpResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from signup, got %d", signUpResp.StatusCode)
	}
	var signedUp identity.AuthResult
	if decodeErr := json.NewDecoder(signUpResp.Body).Decode(&signedUp); decodeErr != nil {
		t.Fatalf("decode signup: %v", decodeErr)
	}
	state = captureAuthCookies(state, signUpResp.Cookies(), harness.config)
	_ = signUpResp.Body.Close()

	if signedUp.User.Email != "ada@example.com" || signedUp.User.Profile.DisplayName != "Ada" {
		t.Fatalf("unexpected user %+v", signedUp.User)
	}
	if !signedUp.User.Profile.HasRole(RoleUser) || signedUp.User.Profile.HasRole(RoleAdmin) {
		t.Fatalf("unexpected roles %v", signedUp.User.Profile.Roles)
	}
	if state.session == "" || state.refresh == "" {
		t.Fatalf("expected session and refresh cookies after signup")
	}
	if signedUp.Session.RefreshToken != state.refresh {
		t.Fatalf("body refresh token must match cookie")
	}

	userReq, _ := http.NewRequest(http.MethodGet, server.URL+"/auth/user", nil)
	applyAuthCookies(userReq, state, harness.config)
	userResp, err := client.Do(userReq)
	if err != nil {
		t.Fatalf("user request failed: %v", err)
	}
	if userResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /auth/user with cookie, got %d", userResp.StatusCode)
	}
	_ = userResp.Body.Close()

	refreshReq, _ := http.NewRequest(http.MethodPost, server.URL+"/auth/refresh", nil)
	applyAuthCookies(refreshReq, state, harness.config)
	refreshResp, err := client.Do(refreshReq)
	if err != nil {
		t.Fatalf("refresh request failed: %v", err)
	}
	if refreshResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d", refreshResp.StatusCode)
	}
	previousRefresh := state.refresh
	state = captureAuthCookies(state, refreshResp.Cookies(), harness.config)
	_ = refreshResp.Body.Close()
	if state.refresh == previousRefresh {
		t.Fatalf("expected refresh token rotation")
	}

	replayReq, _ := http.NewRequest(http.MethodPost, server.URL+"/auth/refresh", nil)
	applyAuthCookies(replayReq, authCookieState{refresh: previousRefresh}, harness.config)
	replayResp, err := client.Do(replayReq)
	if err != nil {
		t.Fatalf("replay request failed: %v", err)
	}
	if replayResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 when replaying a rotated token, got %d", replayResp.StatusCode)
	}
	_ = replayResp.Body.Close()

	logoutReq, _ := http.NewRequest(http.MethodPost, server.URL+"/auth/logout", nil)
	applyAuthCookies(logoutReq, state, harness.config)
	logoutResp, err := client.Do(logoutReq)
	if err != nil {
		t.Fatalf("logout request failed: %v", err)
	}
	if logoutResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", logoutResp.StatusCode)
	}
	for _, cookie := range logoutResp.Cookies() {
		if cookie.MaxAge >= 0 {
			t.Fatalf("expected cookie %s to be cleared", cookie.Name)
		}
	}
	_ = logoutResp.Body.Close()

	if _, _, _, validateErr := harness.refresh.Validate(t.Context(), state.refresh); validateErr == nil {
		t.Fatalf("expected refresh token to be revoked after logout")
	}

	for _, event := range []string{metricSignUpSuccess, metricRefreshSuccess, metricRefreshFailure, metricLogout} {
		if harness.metrics.Count(event) != 1 {
			t.Fatalf("expected %s to be recorded once, snapshot %v", event, harness.metrics.Snapshot())
		}
	}
}

func TestSignUpValidation(t *testing.T) {
	harness := newTestHarness(t, nil)

	testCases := []struct {
		name         string
		body         string
		expectedCode int
		expectedErr  string
	}{
		{name: "malformed", body: `{`, expectedCode: http.StatusBadRequest, expectedErr: "invalid_json"},
		{name: "invalid email", body: `{"email":"nope","password":"secret1"}`, expectedCode: http.StatusUnprocessableEntity, expectedErr: "invalid_email"},
		{name: "short password", body: `{"email":"a@example.com","password":"12345"}`, expectedCode: http.StatusUnprocessableEntity, expectedErr: "weak_password"},
		{name: "password beyond bcrypt limit", body: `{"email":"a@example.com","password":"` + strings.Repeat("p", 73) + `"}`, expectedCode: http.StatusUnprocessableEntity, expectedErr: "password_too_long"},
		{name: "password at bcrypt limit", body: `{"email":"limit@example.com","password":"` + strings.Repeat("p", 72) + `"}`, expectedCode: http.StatusOK},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, http.MethodPost, "/auth/signup", testCase.body, "")
			if recorder.Code != testCase.expectedCode {
				t.Fatalf("expected %d, got %d", testCase.expectedCode, recorder.Code)
			}
			var payload map[string]string
			_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
			if payload["error"] != testCase.expectedErr {
				t.Fatalf("expected error %q, got %v", testCase.expectedErr, payload)
			}
		})
	}

	decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"taken@example.com","password":"secret1"}`, ""))
	duplicate := harness.do(t, http.MethodPost, "/auth/signup", `{"email":"TAKEN@example.com","password":"secret1"}`, "")
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", duplicate.Code)
	}
}

func TestSignInWithPassword(t *testing.T) {
	harness := newTestHarness(t, func(config *ServerConfig, _ *Dependencies) {
		config.AdminEmails = []string{"boss@example.com"}
	})
	decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"boss@example.com","password":"secret1"}`, ""))

	wrongPassword := harness.do(t, http.MethodPost, "/auth/token", `{"email":"boss@example.com","password":"wrong-pass"}`, "")
	if wrongPassword.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong password, got %d", wrongPassword.Code)
	}
	unknown := harness.do(t, http.MethodPost, "/auth/token", `{"email":"ghost@example.com","password":"secret1"}`, "")
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown email, got %d", unknown.Code)
	}

	result := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/token", `{"email":"Boss@Example.com","password":"secret1"}`, ""))
	if !result.User.Profile.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role, got %v", result.User.Profile.Roles)
	}
	if result.Session.TokenType != "bearer" || result.Session.UserID != result.User.ID {
		t.Fatalf("unexpected session %+v", result.Session)
	}
	if harness.metrics.Count(metricSignInFailure) != 2 || harness.metrics.Count(metricSignInSuccess) != 1 {
		t.Fatalf("unexpected metrics %v", harness.metrics.Snapshot())
	}
}

func TestSignInGrantsRolesAddedAfterSignUp(t *testing.T) {
	harness := newTestHarness(t, nil)
	decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"late@example.com","password":"secret1"}`, ""))

	promoted := newTestHarness(t, func(config *ServerConfig, dependencies *Dependencies) {
		config.AdminEmails = []string{"late@example.com"}
		dependencies.Users = harness.users
	})
	result := decodeAuthResult(t, promoted.do(t, http.MethodPost, "/auth/token", `{"email":"late@example.com","password":"secret1"}`, ""))
	if !result.User.Profile.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role after promotion, got %v", result.User.Profile.Roles)
	}
	stored, err := harness.users.FindByEmail(t.Context(), "late@example.com")
	if err != nil || !stored.Profile.HasRole(RoleAdmin) {
		t.Fatalf("expected promotion to be persisted, got %+v err=%v", stored.Profile, err)
	}
}

func TestRefreshAcceptsBodyToken(t *testing.T) {
	harness := newTestHarness(t, nil)
	signedUp := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"body@example.com","password":"secret1"}`, ""))

	refreshed := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+signedUp.Session.RefreshToken+`"}`, ""))
	if refreshed.Session.RefreshToken == signedUp.Session.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}
	if refreshed.User.ID != signedUp.User.ID {
		t.Fatalf("expected the same user after refresh")
	}

	missing := harness.do(t, http.MethodPost, "/auth/refresh", "", "")
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a refresh token, got %d", missing.Code)
	}
}

func TestUserProfileRoutes(t *testing.T) {
	harness := newTestHarness(t, nil)
	signedUp := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"profile@example.com","password":"secret1","profile":{"extra":{"team":"core"}}}`, ""))
	accessToken := signedUp.Session.AccessToken

	unauthorized := harness.do(t, http.MethodGet, "/auth/user", "", "")
	if unauthorized.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", unauthorized.Code)
	}

	updated := harness.do(t, http.MethodPut, "/auth/user", `{"display_name":"Profile Owner","extra":{"team":"","city":"Oslo"}}`, accessToken)
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200 from update, got %d: %s", updated.Code, updated.Body.String())
	}
	var user identity.User
	if err := json.Unmarshal(updated.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Profile.DisplayName != "Profile Owner" || user.Profile.Extra["city"] != "Oslo" {
		t.Fatalf("unexpected profile %+v", user.Profile)
	}
	if _, exists := user.Profile.Extra["team"]; exists {
		t.Fatalf("expected team to be removed")
	}
	if !user.Profile.HasRole(RoleUser) {
		t.Fatalf("profile updates must not drop roles")
	}

	fetched := harness.do(t, http.MethodGet, "/auth/user", "", accessToken)
	if fetched.Code != http.StatusOK || !bytes.Contains(fetched.Body.Bytes(), []byte("Profile Owner")) {
		t.Fatalf("expected updated profile from /auth/user, got %d: %s", fetched.Code, fetched.Body.String())
	}
}

func TestPasswordRecoveryFlow(t *testing.T) {
	harness := newTestHarness(t, nil)
	signedUp := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"forgetful@example.com","password":"secret1"}`, ""))

	badRedirect := harness.do(t, http.MethodPost, "/auth/recover", `{"email":"forgetful@example.com","redirect_to":"https://evil.example.net/reset"}`, "")
	if badRedirect.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a foreign redirect, got %d", badRedirect.Code)
	}

	unknown := harness.do(t, http.MethodPost, "/auth/recover", `{"email":"nobody@example.com"}`, "")
	if unknown.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for unknown email, got %d", unknown.Code)
	}
	if _, sent := harness.mailer.linkFor("nobody@example.com"); sent {
		t.Fatalf("no mail may be sent for unknown accounts")
	}

	requested := harness.do(t, http.MethodPost, "/auth/recover", `{"email":"forgetful@example.com","redirect_to":"https://dash.example.com/reset-password"}`, "")
	if requested.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from recover, got %d", requested.Code)
	}
	link, sent := harness.mailer.linkFor("forgetful@example.com")
	if !sent {
		t.Fatalf("expected a reset mail")
	}
	parsed, err := url.Parse(link)
	if err != nil || parsed.Host != "dash.example.com" || parsed.Path != "/reset-password" {
		t.Fatalf("unexpected reset link %q", link)
	}
	resetToken := parsed.Query().Get("token")
	if resetToken == "" {
		t.Fatalf("expected token in reset link %q", link)
	}

	weak := harness.do(t, http.MethodPost, "/auth/recover/confirm", `{"token":"`+resetToken+`","password":"123"}`, "")
	if weak.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a weak password, got %d", weak.Code)
	}
	tooLong := harness.do(t, http.MethodPost, "/auth/recover/confirm", `{"token":"`+resetToken+`","password":"`+strings.Repeat("x", 73)+`"}`, "")
	if tooLong.Code != http.StatusUnprocessableEntity || !strings.Contains(tooLong.Body.String(), "password_too_long") {
		t.Fatalf("expected 422 password_too_long, got %d: %s", tooLong.Code, tooLong.Body.String())
	}
	confirmed := harness.do(t, http.MethodPost, "/auth/recover/confirm", `{"token":"`+resetToken+`","password":"brand-new"}`, "")
	if confirmed.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from confirm, got %d: %s", confirmed.Code, confirmed.Body.String())
	}
	replayed := harness.do(t, http.MethodPost, "/auth/recover/confirm", `{"token":"`+resetToken+`","password":"brand-new"}`, "")
	if replayed.Code != http.StatusBadRequest {
		t.Fatalf("expected reset tokens to be single use, got %d", replayed.Code)
	}

	if _, _, _, validateErr := harness.refresh.Validate(t.Context(), signedUp.Session.RefreshToken); validateErr == nil {
		t.Fatalf("expected existing refresh tokens to be revoked")
	}
	oldPassword := harness.do(t, http.MethodPost, "/auth/token", `{"email":"forgetful@example.com","password":"secret1"}`, "")
	if oldPassword.Code != http.StatusBadRequest {
		t.Fatalf("expected old password to be rejected, got %d", oldPassword.Code)
	}
	decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/token", `{"email":"forgetful@example.com","password":"brand-new"}`, ""))
}

func TestSettingsRoutes(t *testing.T) {
	harness := newTestHarness(t, nil)
	signedUp := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"settings@example.com","password":"secret1"}`, ""))
	accessToken := signedUp.Session.AccessToken

	absent := harness.do(t, http.MethodGet, "/api/settings", "", accessToken)
	if absent.Code != http.StatusNotFound || !bytes.Contains(absent.Body.Bytes(), []byte("settings_not_found")) {
		t.Fatalf("expected 404 settings_not_found, got %d: %s", absent.Code, absent.Body.String())
	}

	saved := harness.do(t, http.MethodPut, "/api/settings", `{"user_id":"someone-else","theme":"dark","notifications":{"email":true}}`, accessToken)
	if saved.Code != http.StatusOK {
		t.Fatalf("expected 200 from save, got %d: %s", saved.Code, saved.Body.String())
	}

	fetched := harness.do(t, http.MethodGet, "/api/settings", "", accessToken)
	if fetched.Code != http.StatusOK {
		t.Fatalf("expected 200 after save, got %d", fetched.Code)
	}
	var settings identity.Settings
	if err := json.Unmarshal(fetched.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.UserID != signedUp.User.ID {
		t.Fatalf("settings must be bound to the caller, got %q", settings.UserID)
	}
	if settings.Theme != "dark" || !settings.Notifications["email"] {
		t.Fatalf("unexpected settings %+v", settings)
	}

	if anonymous := harness.do(t, http.MethodGet, "/api/settings", "", ""); anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", anonymous.Code)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	clock := &controllableClock{current: time.Now().UTC()}
	harness := newTestHarness(t, func(_ *ServerConfig, dependencies *Dependencies) {
		dependencies.Clock = clock
	})
	signedUp := decodeAuthResult(t, harness.do(t, http.MethodPost, "/auth/signup", `{"email":"clock@example.com","password":"secret1"}`, ""))

	clock.Advance(2 * time.Minute)
	expired := harness.do(t, http.MethodGet, "/auth/user", "", signedUp.Session.AccessToken)
	if expired.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an expired access token, got %d", expired.Code)
	}
}
