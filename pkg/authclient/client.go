// Package authclient talks to a dashauth provider over HTTP and implements
// sessionmirror.Provider on top of a pluggable session store.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/dashauth/pkg/identity"
	"github.com/tyemirov/dashauth/pkg/sessionmirror"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	// refreshMargin renews sessions shortly before they expire.
	refreshMargin = 30 * time.Second

	codeSettingsNotFound = "settings_not_found"
)

var (
	// ErrMissingBaseURL indicates Config.BaseURL was empty or not absolute.
	ErrMissingBaseURL = errors.New("authclient.missing_base_url")
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Storage    SessionStorage
	Logger     *zap.Logger
	Clock      Clock
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (apiError *APIError) Error() string {
	if apiError.Message != "" {
		return apiError.Message
	}
	if apiError.Code != "" {
		return apiError.Code
	}
	return fmt.Sprintf("authclient.api: status %d", apiError.Status)
}

// Client is a dashauth provider client. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	storage    SessionStorage
	logger     *zap.Logger
	clock      Clock
	events     *dispatcher

	// sessionMutex serializes reads that may trigger a refresh.
	sessionMutex sync.Mutex

	observedMutex sync.Mutex
	observedToken string
}

var _ sessionmirror.Provider = (*Client)(nil)

// New validates configuration and constructs a Client.
func New(configuration Config) (*Client, error) {
	parsedBaseURL, err := url.Parse(strings.TrimSpace(configuration.BaseURL))
	if err != nil || parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return nil, fmt.Errorf("authclient.new: %w", ErrMissingBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	storage := configuration.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Client{
		baseURL:    parsedBaseURL,
		httpClient: httpClient,
		storage:    storage,
		logger:     logger,
		clock:      clock,
		events:     newDispatcher(),
	}, nil
}

// OnAuthStateChange registers handler for sign-in, sign-out, refresh, and
// profile notifications.
func (client *Client) OnAuthStateChange(handler func(event identity.AuthEvent, session *identity.Session)) (sessionmirror.Subscription, error) {
	if handler == nil {
		return nil, errors.New("authclient.subscribe: handler is nil")
	}
	return client.events.subscribe(handler), nil
}

// GetSession returns the stored session, refreshing it when it is about to
// expire. A rejected refresh signs the client out and returns nil, nil.
func (client *Client) GetSession(ctx context.Context) (*identity.Session, error) {
	client.sessionMutex.Lock()
	defer client.sessionMutex.Unlock()

	session, err := client.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("authclient.get_session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	if !session.Expired(client.clock.Now().Add(refreshMargin)) {
		return session, nil
	}
	if session.RefreshToken == "" {
		return nil, client.forgetSession(identity.EventSignedOut)
	}

	var result identity.AuthResult
	refreshErr := client.doJSON(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": session.RefreshToken}, "", &result)
	var apiError *APIError
	if errors.As(refreshErr, &apiError) && apiError.Status == http.StatusUnauthorized {
		client.logger.Info("session refresh rejected",
			zap.String("code", "authclient.refresh.rejected"),
			zap.String("reason", apiError.Code))
		return nil, client.forgetSession(identity.EventSignedOut)
	}
	if refreshErr != nil {
		return nil, fmt.Errorf("authclient.get_session: %w", refreshErr)
	}
	if result.Session == nil {
		return nil, fmt.Errorf("authclient.get_session: refresh returned no session")
	}
	if persistErr := client.persistSession(result.Session); persistErr != nil {
		return nil, persistErr
	}
	client.events.emit(identity.EventTokenRefreshed, result.Session)
	return result.Session.Clone(), nil
}

// GetUser returns the user bound to the current session. A stored session the
// provider rejects is forgotten and reported as identity.ErrNoSession.
func (client *Client) GetUser(ctx context.Context) (*identity.User, error) {
	accessToken, err := client.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var user identity.User
	if requestErr := client.doJSON(ctx, http.MethodGet, "/auth/user", nil, accessToken, &user); requestErr != nil {
		var apiError *APIError
		if errors.As(requestErr, &apiError) && apiError.Status == http.StatusUnauthorized {
			if forgetErr := client.forgetRejectedSession(accessToken, apiError.Code); forgetErr != nil {
				return nil, forgetErr
			}
		}
		return nil, mapUnauthorized(requestErr)
	}
	return &user, nil
}

// forgetRejectedSession clears storage only when it still holds accessToken,
// so a session written meanwhile by a sign-in survives.
func (client *Client) forgetRejectedSession(accessToken string, reason string) error {
	client.sessionMutex.Lock()
	defer client.sessionMutex.Unlock()
	stored, err := client.storage.Load()
	if err != nil {
		return fmt.Errorf("authclient.get_user: %w", err)
	}
	if stored == nil || stored.AccessToken != accessToken {
		return nil
	}
	client.logger.Info("stored session rejected by provider",
		zap.String("code", "authclient.session.rejected"),
		zap.String("reason", reason))
	return client.forgetSession(identity.EventSignedOut)
}

// SignUp registers an account. The session is persisted when the provider
// opens one.
func (client *Client) SignUp(ctx context.Context, email string, password string, fields identity.ProfileFields) (*identity.AuthResult, error) {
	payload := map[string]interface{}{"email": email, "password": password, "profile": fields}
	return client.authenticate(ctx, "/auth/signup", payload)
}

// SignIn authenticates with email and password.
func (client *Client) SignIn(ctx context.Context, email string, password string) (*identity.AuthResult, error) {
	return client.authenticate(ctx, "/auth/token", map[string]string{"email": email, "password": password})
}

// SignInWithIDToken exchanges a Google ID token for a session.
func (client *Client) SignInWithIDToken(ctx context.Context, idToken string, nonce string) (*identity.AuthResult, error) {
	return client.authenticate(ctx, "/auth/google", map[string]string{"id_token": idToken, "nonce": nonce})
}

// Nonce requests a single-use nonce to embed in a Google sign-in request.
func (client *Client) Nonce(ctx context.Context) (string, error) {
	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := client.doJSON(ctx, http.MethodGet, "/auth/nonce", nil, "", &payload); err != nil {
		return "", err
	}
	return payload.Nonce, nil
}

// SignOut revokes the refresh token and forgets the local session.
func (client *Client) SignOut(ctx context.Context) error {
	client.sessionMutex.Lock()
	defer client.sessionMutex.Unlock()

	session, err := client.storage.Load()
	if err != nil {
		return fmt.Errorf("authclient.sign_out: %w", err)
	}
	var payload interface{}
	accessToken := ""
	if session != nil {
		payload = map[string]string{"refresh_token": session.RefreshToken}
		accessToken = session.AccessToken
	}
	if requestErr := client.doJSON(ctx, http.MethodPost, "/auth/logout", payload, accessToken, nil); requestErr != nil {
		return requestErr
	}
	return client.forgetSession(identity.EventSignedOut)
}

// ResetPasswordForEmail asks the provider to mail a reset link that lands on redirectTo.
func (client *Client) ResetPasswordForEmail(ctx context.Context, email string, redirectTo string) error {
	payload := map[string]string{"email": email}
	if redirectTo != "" {
		payload["redirect_to"] = redirectTo
	}
	return client.doJSON(ctx, http.MethodPost, "/auth/recover", payload, "", nil)
}

// ConfirmPasswordReset sets a new password using the token from a reset link.
func (client *Client) ConfirmPasswordReset(ctx context.Context, resetToken string, password string) error {
	return client.doJSON(ctx, http.MethodPost, "/auth/recover/confirm", map[string]string{"token": resetToken, "password": password}, "", nil)
}

// UpdateUser applies fields to the current user's profile.
func (client *Client) UpdateUser(ctx context.Context, fields identity.ProfileFields) (*identity.User, error) {
	accessToken, err := client.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var user identity.User
	if requestErr := client.doJSON(ctx, http.MethodPut, "/auth/user", fields, accessToken, &user); requestErr != nil {
		return nil, mapUnauthorized(requestErr)
	}
	session, loadErr := client.storage.Load()
	if loadErr != nil {
		client.logger.Warn("session unavailable after profile update",
			zap.String("code", "authclient.update_user.load_failed"),
			zap.Error(loadErr))
		return &user, nil
	}
	client.events.emit(identity.EventUserUpdated, session)
	return &user, nil
}

// GetSettings returns the current user's settings. found is false when none
// were saved yet.
func (client *Client) GetSettings(ctx context.Context) (identity.Settings, bool, error) {
	accessToken, err := client.accessToken(ctx)
	if err != nil {
		return identity.Settings{}, false, err
	}
	var settings identity.Settings
	requestErr := client.doJSON(ctx, http.MethodGet, "/api/settings", nil, accessToken, &settings)
	var apiError *APIError
	if errors.As(requestErr, &apiError) && apiError.Status == http.StatusNotFound && apiError.Code == codeSettingsNotFound {
		return identity.Settings{}, false, nil
	}
	if requestErr != nil {
		return identity.Settings{}, false, mapUnauthorized(requestErr)
	}
	return settings, true, nil
}

// SaveSettings stores settings for the current user.
func (client *Client) SaveSettings(ctx context.Context, settings identity.Settings) (identity.Settings, error) {
	accessToken, err := client.accessToken(ctx)
	if err != nil {
		return identity.Settings{}, err
	}
	var saved identity.Settings
	if requestErr := client.doJSON(ctx, http.MethodPut, "/api/settings", settings, accessToken, &saved); requestErr != nil {
		return identity.Settings{}, mapUnauthorized(requestErr)
	}
	return saved, nil
}

func (client *Client) authenticate(ctx context.Context, path string, payload interface{}) (*identity.AuthResult, error) {
	var result identity.AuthResult
	if err := client.doJSON(ctx, http.MethodPost, path, payload, "", &result); err != nil {
		return nil, err
	}
	if result.Session == nil {
		return &result, nil
	}
	client.sessionMutex.Lock()
	persistErr := client.persistSession(result.Session)
	client.sessionMutex.Unlock()
	if persistErr != nil {
		return nil, persistErr
	}
	client.events.emit(identity.EventSignedIn, result.Session)
	return &result, nil
}

func (client *Client) accessToken(ctx context.Context) (string, error) {
	session, err := client.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", identity.ErrNoSession
	}
	return session.AccessToken, nil
}

// persistSession and forgetSession require sessionMutex.
func (client *Client) persistSession(session *identity.Session) error {
	fillExpiry(session)
	client.observe(session)
	if err := client.storage.Save(session); err != nil {
		return fmt.Errorf("authclient.persist: %w", err)
	}
	return nil
}

func (client *Client) forgetSession(event identity.AuthEvent) error {
	client.observe(nil)
	if err := client.storage.Clear(); err != nil {
		return fmt.Errorf("authclient.forget: %w", err)
	}
	client.events.emit(event, nil)
	return nil
}

// observe records the access token this process last wrote, so storage
// watching can tell its own writes from other processes'.
func (client *Client) observe(session *identity.Session) {
	client.observedMutex.Lock()
	defer client.observedMutex.Unlock()
	client.observedToken = ""
	if session != nil {
		client.observedToken = session.AccessToken
	}
}

func (client *Client) doJSON(ctx context.Context, method string, path string, payload interface{}, accessToken string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("authclient.encode: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("authclient.request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("authclient.transport: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(out); decodeErr != nil {
		return fmt.Errorf("authclient.decode: %w", decodeErr)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiError := &APIError{Status: response.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<16)).Decode(&payload); err == nil {
		apiError.Code = payload.Error
		apiError.Message = payload.Message
	}
	if apiError.Message == "" && apiError.Code == "" {
		apiError.Message = http.StatusText(response.StatusCode)
	}
	return apiError
}

func mapUnauthorized(err error) error {
	var apiError *APIError
	if errors.As(err, &apiError) && apiError.Status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", identity.ErrNoSession, apiError.Error())
	}
	return err
}
