// Package session drives one user session: it keeps an identity signed in,
// seeds new identities, recovers from credential merge conflicts, and binds
// the store adapters to whichever identity is current.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

// State is the controller's lifecycle state.
type State int

const (
	Unauthenticated State = iota
	AnonymousPending
	AnonymousActive
	MergeConflict
	PermanentActive
	SigningOut
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AnonymousPending:
		return "anonymous_pending"
	case AnonymousActive:
		return "anonymous_active"
	case MergeConflict:
		return "merge_conflict"
	case PermanentActive:
		return "permanent_active"
	case SigningOut:
		return "signing_out"
	default:
		return "unknown"
	}
}

// AuthClient is the session's connection to the identity provider.
type AuthClient interface {
	Changes() <-chan domain.AuthState
	SignInAnonymously(ctx context.Context) (domain.AuthState, error)
	LinkCredential(ctx context.Context, cred domain.Credential) (domain.AuthState, error)
	SignInWithCredential(ctx context.Context, cred domain.Credential) (domain.AuthState, bool, error)
	DeleteCurrent(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// Tasks is the task adapter surface the controller drives.
type Tasks interface {
	ResetToDefaults(ctx context.Context, owner string, wipe bool) error
	DeleteAllForIdentity(ctx context.Context, owner string) error
}

// Preferences is the preference adapter surface the controller drives.
type Preferences interface {
	Delete(ctx context.Context, owner string) error
}

// Controller owns the timing of identity transitions for one session.
type Controller struct {
	auth   AuthClient
	tasks  Tasks
	prefs  Preferences
	logger *log.Logger

	// opMu serializes bootstrap, sign-in, upgrade and sign-out.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	current   domain.AuthState
	failed    bool
	seeded    map[string]struct{}
	listeners []func(domain.AuthState)
}

// NewController creates a controller in the Unauthenticated state.
func NewController(auth AuthClient, tasks Tasks, prefs Preferences, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		auth:   auth,
		tasks:  tasks,
		prefs:  prefs,
		logger: logger,
		seeded: make(map[string]struct{}),
	}
}

// OnIdentityChange registers fn to run, on the Run goroutine, whenever the
// signed-in identity changes. Register listeners before calling Run.
func (c *Controller) OnIdentityChange(fn func(domain.AuthState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the last auth state applied by Run.
func (c *Controller) Current() domain.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run applies auth-state changes until ctx is done or the provider's stream
// ends.
func (c *Controller) Run(ctx context.Context) error {
	changes := c.auth.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-changes:
			if !ok {
				return nil
			}
			c.apply(ctx, st)
		}
	}
}

func (c *Controller) apply(ctx context.Context, st domain.AuthState) {
	if st.Identity == nil {
		c.mu.Lock()
		state := c.state
		changed := c.current.Identity != nil
		c.current = st
		c.mu.Unlock()
		if changed {
			c.notify(st)
		}
		switch state {
		case AnonymousPending, MergeConflict:
			// A bootstrap is already in flight, or the identity was removed
			// on purpose and a sign-in follows.
			return
		}
		c.bootstrap(ctx)
		return
	}

	next := PermanentActive
	if st.Identity.Anonymous {
		next = AnonymousActive
	}
	c.mu.Lock()
	c.state = next
	c.current = st
	c.mu.Unlock()
	c.logger.WithFields(log.Fields{"identity": st.Identity.ID, "state": next.String()}).Debug("identity active")
	c.notify(st)
}

func (c *Controller) notify(st domain.AuthState) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Bootstrap retries an anonymous bootstrap that failed. It does nothing while
// the session has an identity or another bootstrap is running.
func (c *Controller) Bootstrap(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	retry := c.failed && c.state == Unauthenticated && c.current.Identity == nil
	c.mu.Unlock()
	if !retry {
		return nil
	}
	return c.bootstrapLocked(ctx)
}

func (c *Controller) bootstrap(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.bootstrapLocked(ctx)
}

func (c *Controller) bootstrapLocked(ctx context.Context) error {
	c.mu.Lock()
	c.state = AnonymousPending
	c.failed = false
	c.mu.Unlock()
	st, err := c.auth.SignInAnonymously(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = Unauthenticated
		c.failed = true
		c.mu.Unlock()
		c.logger.WithError(err).Error("anonymous bootstrap failed")
		return err
	}
	c.seed(ctx, st.Identity.ID)
	return nil
}

// seed writes the default tasks for a new identity, once.
func (c *Controller) seed(ctx context.Context, id string) {
	c.mu.Lock()
	_, done := c.seeded[id]
	c.seeded[id] = struct{}{}
	c.mu.Unlock()
	if done {
		return
	}
	// Failures are reported by the adapter.
	_ = c.tasks.ResetToDefaults(ctx, id, false)
}

// SignOut drops the current identity. The provider's resulting signed-out
// state bootstraps a new anonymous identity.
func (c *Controller) SignOut(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	prev := c.state
	c.state = SigningOut
	c.mu.Unlock()
	if err := c.auth.SignOut(ctx); err != nil {
		c.setState(prev)
		return err
	}
	return nil
}

// UpgradeCredential attaches cred to the current identity. When cred already
// belongs to another identity and the current one is anonymous, its data and
// identity are discarded and the session signs in to the owner of cred. A
// permanent identity is never discarded: the *domain.MergeConflictError is
// returned as is.
func (c *Controller) UpgradeCredential(ctx context.Context, cred domain.Credential) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	cur := c.Current().Identity
	if cur == nil {
		return domain.ErrNoIdentity
	}
	_, err := c.auth.LinkCredential(ctx, cred)
	var conflict *domain.MergeConflictError
	if !errors.As(err, &conflict) || !cur.Anonymous {
		return err
	}
	return c.resolveConflictLocked(ctx, cur.ID, conflict)
}

func (c *Controller) resolveConflictLocked(ctx context.Context, discard string, conflict *domain.MergeConflictError) error {
	c.setState(MergeConflict)
	logger := c.logger.WithFields(log.Fields{"identity": discard, "existing": conflict.ExistingID})
	logger.Info("credential belongs to another identity, discarding anonymous data")

	if err := c.tasks.DeleteAllForIdentity(ctx, discard); err != nil {
		logger.WithError(err).Warn("failed to delete anonymous tasks")
	}
	if err := c.prefs.Delete(ctx, discard); err != nil {
		logger.WithError(err).Warn("failed to delete anonymous preferences")
	}
	if err := c.auth.DeleteCurrent(ctx); err != nil {
		logger.WithError(err).Warn("failed to delete anonymous identity")
	}
	if _, _, err := c.auth.SignInWithCredential(ctx, conflict.Credential); err != nil {
		logger.WithError(err).Error("sign in after merge conflict failed")
		if bErr := c.bootstrapLocked(ctx); bErr != nil {
			return errors.Join(err, bErr)
		}
		return err
	}
	return nil
}

// SignIn signs in with a permanent credential. Anonymous sessions upgrade
// instead, so their data is kept when the credential is new.
func (c *Controller) SignIn(ctx context.Context, cred domain.Credential) error {
	if cur := c.Current().Identity; cur != nil && cur.Anonymous {
		return c.UpgradeCredential(ctx, cred)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	st, created, err := c.auth.SignInWithCredential(ctx, cred)
	if err != nil {
		return err
	}
	if created {
		c.seed(ctx, st.Identity.ID)
	}
	return nil
}
