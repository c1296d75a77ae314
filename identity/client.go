package identity

import (
	"context"
	"sync"

	"todo-api/domain"
)

// Client is one session's view of the identity provider. It tracks the
// signed-in identity and reports every change on Changes, in order.
type Client struct {
	svc *Service

	mu      sync.Mutex
	current *domain.Identity
	queue   []domain.AuthState
	wake    chan struct{}

	changes   chan domain.AuthState
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient opens a client. A valid resume token restores its identity;
// otherwise the client starts signed out. The initial state is the first
// value on Changes.
func (s *Service) NewClient(ctx context.Context, resumeToken string) *Client {
	c := &Client{
		svc:     s,
		wake:    make(chan struct{}, 1),
		changes: make(chan domain.AuthState),
		done:    make(chan struct{}),
	}
	var initial domain.AuthState
	if resumeToken != "" {
		id, err := s.Resume(ctx, resumeToken)
		if err == nil {
			initial = domain.AuthState{Identity: &id, Token: resumeToken}
			c.current = &id
		} else {
			s.logger.WithError(err).Debug("session token not resumed")
		}
	}
	c.queue = append(c.queue, initial)
	go c.pump()
	return c
}

// Changes delivers auth states in the order they happened. It is closed by Close.
func (c *Client) Changes() <-chan domain.AuthState {
	return c.changes
}

// Current returns the signed-in identity or nil.
func (c *Client) Current() *domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	id := *c.current
	return &id
}

// SignInAnonymously replaces the current identity with a new anonymous one.
func (c *Client) SignInAnonymously(ctx context.Context) (domain.AuthState, error) {
	id, err := c.svc.CreateAnonymous(ctx)
	if err != nil {
		return domain.AuthState{}, err
	}
	return c.set(&id)
}

// LinkCredential attaches cred to the current identity. A merge conflict is
// returned as *domain.MergeConflictError and leaves the session unchanged.
func (c *Client) LinkCredential(ctx context.Context, cred domain.Credential) (domain.AuthState, error) {
	cur := c.Current()
	if cur == nil {
		return domain.AuthState{}, domain.ErrNoIdentity
	}
	id, err := c.svc.Link(ctx, cur.ID, cred)
	if err != nil {
		return domain.AuthState{}, err
	}
	return c.set(&id)
}

// SignInWithCredential switches the session to the identity owning cred.
// created reports whether that identity was created by this call.
func (c *Client) SignInWithCredential(ctx context.Context, cred domain.Credential) (state domain.AuthState, created bool, err error) {
	id, created, err := c.svc.SignIn(ctx, cred)
	if err != nil {
		return domain.AuthState{}, false, err
	}
	state, err = c.set(&id)
	return state, created, err
}

// DeleteCurrent deletes the signed-in identity and signs out.
func (c *Client) DeleteCurrent(ctx context.Context) error {
	cur := c.Current()
	if cur == nil {
		return domain.ErrNoIdentity
	}
	if err := c.svc.Delete(ctx, cur.ID); err != nil {
		return err
	}
	_, err := c.set(nil)
	return err
}

// SignOut forgets the current identity.
func (c *Client) SignOut(context.Context) error {
	_, err := c.set(nil)
	return err
}

func (c *Client) set(id *domain.Identity) (domain.AuthState, error) {
	state := domain.AuthState{Identity: id}
	if id != nil {
		token, err := c.svc.Token(*id)
		if err != nil {
			return domain.AuthState{}, err
		}
		state.Token = token
	}
	c.mu.Lock()
	c.current = id
	c.queue = append(c.queue, state)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return state, nil
}

// pump moves queued states to the unbuffered changes channel so emitting
// never waits for the consumer.
func (c *Client) pump() {
	defer close(c.changes)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		select {
		case c.changes <- next:
		case <-c.done:
			return
		}
	}
}

// Close stops delivering changes. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
