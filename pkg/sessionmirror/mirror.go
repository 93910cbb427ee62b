// Package sessionmirror keeps a local copy of the authentication provider's
// session and user, and routes every auth mutation through one place.
package sessionmirror

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/tyemirov/dashauth/pkg/identity"
	"go.uber.org/zap"
)

const (
	// DefaultResetPath is appended to the origin to build password reset links.
	DefaultResetPath = "/reset-password"
	// LoginPath is where consumers send visitors that Gate denies.
	LoginPath = "/login"
)

var (
	// ErrAlreadySubscribed indicates Subscribe was called on a mirror that already holds a subscription.
	ErrAlreadySubscribed = errors.New("session_mirror.already_subscribed")
	// ErrClosed indicates the mirror was closed.
	ErrClosed = errors.New("session_mirror.closed")
)

// Provider is the external authentication backend the mirror delegates to.
type Provider interface {
	// GetSession returns the current session, or nil when none exists.
	GetSession(ctx context.Context) (*identity.Session, error)
	// GetUser returns the user bound to the current session or identity.ErrNoSession.
	GetUser(ctx context.Context) (*identity.User, error)
	SignUp(ctx context.Context, email string, password string, fields identity.ProfileFields) (*identity.AuthResult, error)
	SignIn(ctx context.Context, email string, password string) (*identity.AuthResult, error)
	SignInWithIDToken(ctx context.Context, idToken string, nonce string) (*identity.AuthResult, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string, redirectTo string) error
	UpdateUser(ctx context.Context, fields identity.ProfileFields) (*identity.User, error)
	// OnAuthStateChange registers handler for change notifications.
	OnAuthStateChange(handler func(event identity.AuthEvent, session *identity.Session)) (Subscription, error)
}

// Subscription is a registered change handler.
type Subscription interface {
	Unsubscribe()
}

// MetricsRecorder increments counters for mirror events.
type MetricsRecorder interface {
	Increment(event string)
}

// Options configures a Mirror.
type Options struct {
	Logger  *zap.Logger
	Metrics MetricsRecorder
	// Origin is the application origin used to derive password reset redirects.
	Origin    string
	ResetPath string
}

// State is a point-in-time snapshot of the mirror.
type State struct {
	User          *identity.User
	Session       *identity.Session
	Loading       bool
	Err           string
	Authenticated bool
}

// Access is the outcome of Gate.
type Access int

const (
	AccessPending Access = iota
	AccessGranted
	AccessDenied
)

func (access Access) String() string {
	switch access {
	case AccessPending:
		return "pending"
	case AccessGranted:
		return "granted"
	default:
		return "denied"
	}
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// Mirror caches provider state for UI consumers. It is safe for concurrent use;
// only the mirror writes its state.
type Mirror struct {
	provider  Provider
	logger    *zap.Logger
	metrics   MetricsRecorder
	origin    string
	resetPath string

	mutex        sync.RWMutex
	user         *identity.User
	session      *identity.Session
	initializing bool
	inFlight     int
	lastError    string
	generation   uint64
	changed      chan struct{}

	lifecycle          sync.Mutex
	subscription       Subscription
	subscriptionCancel context.CancelFunc
	closed             bool
}

// New constructs a Mirror. The mirror reports Loading until Initialize returns.
func New(provider Provider, options Options) *Mirror {
	if provider == nil {
		panic("session mirror requires a provider")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if options.Metrics != nil {
		metrics = options.Metrics
	}
	resetPath := options.ResetPath
	if strings.TrimSpace(resetPath) == "" {
		resetPath = DefaultResetPath
	}
	return &Mirror{
		provider:     provider,
		logger:       logger,
		metrics:      metrics,
		origin:       strings.TrimSpace(options.Origin),
		resetPath:    resetPath,
		initializing: true,
		changed:      make(chan struct{}),
	}
}

// Start subscribes to change notifications and then loads the current state.
// Callers pair it with Close.
func (mirror *Mirror) Start(ctx context.Context) error {
	if err := mirror.Subscribe(ctx); err != nil {
		mirror.finishInitialization()
		return err
	}
	return mirror.Initialize(ctx)
}

// Initialize fetches the current session and, when one exists, the user.
// Loading is cleared on return regardless of outcome.
func (mirror *Mirror) Initialize(ctx context.Context) error {
	mirror.mutex.Lock()
	mirror.initializing = true
	mirror.lastError = ""
	observed := mirror.generation
	mirror.notifyLocked()
	mirror.mutex.Unlock()
	defer mirror.finishInitialization()

	session, sessionErr := mirror.provider.GetSession(ctx)
	if sessionErr != nil {
		mirror.recordFailure("initialize", sessionErr)
		return sessionErr
	}

	var user *identity.User
	if session != nil {
		fetched, userErr := mirror.provider.GetUser(ctx)
		if userErr != nil {
			mirror.mutex.Lock()
			// A session the provider no longer honours is not cached.
			if mirror.generation == observed && !errors.Is(userErr, identity.ErrNoSession) {
				mirror.session = session.Clone()
				mirror.generation++
			}
			mirror.mutex.Unlock()
			mirror.recordFailure("initialize", userErr)
			return userErr
		}
		user = fetched
	}

	mirror.mutex.Lock()
	if mirror.generation != observed {
		mirror.mutex.Unlock()
		mirror.logger.Debug("discarding initial state superseded by a notification",
			zap.String("code", "session_mirror.initialize.superseded"))
		mirror.metrics.Increment("session_mirror.initialize.success")
		return nil
	}
	mirror.session = session.Clone()
	mirror.user = user.Clone()
	mirror.generation++
	mirror.notifyLocked()
	mirror.mutex.Unlock()
	mirror.metrics.Increment("session_mirror.initialize.success")
	return nil
}

func (mirror *Mirror) finishInitialization() {
	mirror.mutex.Lock()
	defer mirror.mutex.Unlock()
	mirror.initializing = false
	mirror.notifyLocked()
}

// Subscribe registers the mirror for provider change notifications. The
// subscription lives until Close or until ctx is cancelled for in-flight
// user fetches.
func (mirror *Mirror) Subscribe(ctx context.Context) error {
	mirror.lifecycle.Lock()
	defer mirror.lifecycle.Unlock()
	if mirror.closed {
		return ErrClosed
	}
	if mirror.subscription != nil {
		return ErrAlreadySubscribed
	}

	subscriptionContext, cancel := context.WithCancel(ctx)
	subscription, err := mirror.provider.OnAuthStateChange(func(event identity.AuthEvent, session *identity.Session) {
		mirror.handleEvent(subscriptionContext, event, session)
	})
	if err != nil {
		cancel()
		mirror.recordFailure("subscribe", err)
		return err
	}
	mirror.subscription = subscription
	mirror.subscriptionCancel = cancel
	return nil
}

// Close releases the change subscription. It is safe to call more than once.
func (mirror *Mirror) Close() error {
	mirror.lifecycle.Lock()
	defer mirror.lifecycle.Unlock()
	if mirror.closed {
		return nil
	}
	mirror.closed = true
	if mirror.subscriptionCancel != nil {
		// Cancelling under the state lock orders it against handler writes.
		mirror.mutex.Lock()
		mirror.subscriptionCancel()
		mirror.mutex.Unlock()
	}
	if mirror.subscription != nil {
		mirror.subscription.Unsubscribe()
	}
	mirror.subscription = nil
	mirror.subscriptionCancel = nil
	return nil
}

func (mirror *Mirror) handleEvent(ctx context.Context, event identity.AuthEvent, session *identity.Session) {
	if ctx.Err() != nil {
		return
	}
	mirror.metrics.Increment("session_mirror.event." + strings.ToLower(string(event)))

	mirror.mutex.Lock()
	if ctx.Err() != nil {
		mirror.mutex.Unlock()
		return
	}
	if event == identity.EventSignedOut {
		mirror.session = nil
		mirror.user = nil
	} else {
		mirror.session = session.Clone()
	}
	mirror.generation++
	observed := mirror.generation
	mirror.notifyLocked()
	mirror.mutex.Unlock()

	if event != identity.EventSignedIn || session == nil {
		return
	}

	user, err := mirror.provider.GetUser(ctx)
	if err != nil {
		mirror.logger.Warn("user fetch after sign-in notification failed",
			zap.String("code", "session_mirror.event.user_fetch_failed"),
			zap.Error(err))
		return
	}

	mirror.mutex.Lock()
	defer mirror.mutex.Unlock()
	if ctx.Err() != nil {
		return
	}
	if mirror.generation != observed {
		mirror.logger.Debug("discarding stale user fetch",
			zap.String("code", "session_mirror.event.stale_user"))
		return
	}
	mirror.user = user.Clone()
	mirror.generation++
	mirror.notifyLocked()
}

// SignUp registers a new account. The cache is updated only when the provider
// opened a session.
func (mirror *Mirror) SignUp(ctx context.Context, email string, password string, fields identity.ProfileFields) (*identity.AuthResult, error) {
	mirror.begin()
	result, err := mirror.provider.SignUp(ctx, email, password, fields)
	if err != nil {
		mirror.fail("sign_up", err)
		return nil, err
	}
	mirror.succeed("sign_up", func() { mirror.adoptLocked(result) })
	return result, nil
}

// SignIn authenticates with email and password.
func (mirror *Mirror) SignIn(ctx context.Context, email string, password string) (*identity.AuthResult, error) {
	mirror.begin()
	result, err := mirror.provider.SignIn(ctx, email, password)
	if err != nil {
		mirror.fail("sign_in", err)
		return nil, err
	}
	mirror.succeed("sign_in", func() { mirror.adoptLocked(result) })
	return result, nil
}

// SignInWithIDToken authenticates with a third-party identity token.
func (mirror *Mirror) SignInWithIDToken(ctx context.Context, idToken string, nonce string) (*identity.AuthResult, error) {
	mirror.begin()
	result, err := mirror.provider.SignInWithIDToken(ctx, idToken, nonce)
	if err != nil {
		mirror.fail("sign_in_id_token", err)
		return nil, err
	}
	mirror.succeed("sign_in_id_token", func() { mirror.adoptLocked(result) })
	return result, nil
}

// SignOut ends the provider session and clears the cache.
func (mirror *Mirror) SignOut(ctx context.Context) error {
	mirror.begin()
	if err := mirror.provider.SignOut(ctx); err != nil {
		mirror.fail("sign_out", err)
		return err
	}
	mirror.succeed("sign_out", func() {
		mirror.user = nil
		mirror.session = nil
	})
	return nil
}

// ResetPassword asks the provider to send a reset link that lands on the
// application's reset page.
func (mirror *Mirror) ResetPassword(ctx context.Context, email string) error {
	mirror.begin()
	redirectTo, redirectErr := mirror.resetRedirect()
	if redirectErr != nil {
		mirror.fail("reset_password", redirectErr)
		return redirectErr
	}
	if err := mirror.provider.ResetPasswordForEmail(ctx, email, redirectTo); err != nil {
		mirror.fail("reset_password", err)
		return err
	}
	mirror.succeed("reset_password", nil)
	return nil
}

// UpdateProfile changes the current user's profile and caches the returned user.
func (mirror *Mirror) UpdateProfile(ctx context.Context, fields identity.ProfileFields) (*identity.User, error) {
	mirror.begin()
	user, err := mirror.provider.UpdateUser(ctx, fields)
	if err != nil {
		mirror.fail("update_profile", err)
		return nil, err
	}
	mirror.succeed("update_profile", func() { mirror.user = user.Clone() })
	return user.Clone(), nil
}

// HasRole reports whether the cached user carries role. It never calls the provider.
func (mirror *Mirror) HasRole(role string) bool {
	mirror.mutex.RLock()
	defer mirror.mutex.RUnlock()
	if mirror.user == nil {
		return false
	}
	return mirror.user.Profile.HasRole(role)
}

// State returns a snapshot of the cached state.
func (mirror *Mirror) State() State {
	mirror.mutex.RLock()
	defer mirror.mutex.RUnlock()
	return State{
		User:          mirror.user.Clone(),
		Session:       mirror.session.Clone(),
		Loading:       mirror.initializing || mirror.inFlight > 0,
		Err:           mirror.lastError,
		Authenticated: mirror.user != nil,
	}
}

// Changed returns a channel that is closed on the next state change.
func (mirror *Mirror) Changed() <-chan struct{} {
	mirror.mutex.RLock()
	defer mirror.mutex.RUnlock()
	return mirror.changed
}

// Gate decides whether a protected view may render.
func (mirror *Mirror) Gate() Access {
	state := mirror.State()
	switch {
	case state.Loading:
		return AccessPending
	case state.Authenticated:
		return AccessGranted
	default:
		return AccessDenied
	}
}

func (mirror *Mirror) begin() {
	mirror.mutex.Lock()
	defer mirror.mutex.Unlock()
	mirror.inFlight++
	mirror.lastError = ""
	mirror.notifyLocked()
}

func (mirror *Mirror) succeed(operation string, apply func()) {
	mirror.mutex.Lock()
	if apply != nil {
		apply()
		mirror.generation++
	}
	mirror.inFlight--
	mirror.notifyLocked()
	mirror.mutex.Unlock()
	mirror.metrics.Increment("session_mirror." + operation + ".success")
}

func (mirror *Mirror) fail(operation string, err error) {
	mirror.mutex.Lock()
	mirror.inFlight--
	mirror.lastError = err.Error()
	mirror.notifyLocked()
	mirror.mutex.Unlock()
	mirror.reportFailure(operation, err)
}

func (mirror *Mirror) recordFailure(operation string, err error) {
	mirror.mutex.Lock()
	mirror.lastError = err.Error()
	mirror.notifyLocked()
	mirror.mutex.Unlock()
	mirror.reportFailure(operation, err)
}

func (mirror *Mirror) reportFailure(operation string, err error) {
	mirror.metrics.Increment("session_mirror." + operation + ".failure")
	mirror.logger.Warn("auth operation failed",
		zap.String("code", "session_mirror."+operation+".failed"),
		zap.Error(err))
}

func (mirror *Mirror) adoptLocked(result *identity.AuthResult) {
	if result == nil || result.Session == nil {
		return
	}
	mirror.session = result.Session.Clone()
	mirror.user = result.User.Clone()
}

func (mirror *Mirror) resetRedirect() (string, error) {
	if mirror.origin == "" {
		return "", nil
	}
	return url.JoinPath(mirror.origin, mirror.resetPath)
}

func (mirror *Mirror) notifyLocked() {
	close(mirror.changed)
	mirror.changed = make(chan struct{})
}
