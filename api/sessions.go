package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"todo-api/domain"
	"todo-api/identity"
	"todo-api/preferences"
	"todo-api/session"
	"todo-api/todos"
)

// DefaultSessionIdleTTL is how long a session without stream clients is kept.
const DefaultSessionIdleTTL = 10 * time.Minute

var (
	errSessionNotFound = errors.New("session not found")

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "todo_api_live_sessions",
		Help: "Live sessions held by this instance",
	})
)

// Hub owns the live sessions of this instance. Each session runs its own
// controller and view against the shared adapters.
type Hub struct {
	ids     *identity.Service
	tasks   *todos.Adapter
	prefs   *preferences.Adapter
	logger  *log.Logger
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewHub creates an empty hub.
func NewHub(ids *identity.Service, tasks *todos.Adapter, prefs *preferences.Adapter, idleTTL time.Duration, logger *log.Logger) *Hub {
	if idleTTL <= 0 {
		idleTTL = DefaultSessionIdleTTL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		ids:      ids,
		tasks:    tasks,
		prefs:    prefs,
		logger:   logger,
		idleTTL:  idleTTL,
		now:      time.Now,
		sessions: make(map[string]*liveSession),
	}
}

// open starts a session. A valid resumeToken restores its identity,
// otherwise the session bootstraps an anonymous one.
func (h *Hub) open(resumeToken string) *liveSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &liveSession{
		id:       uuid.NewString(),
		hub:      h,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		streams:  make(map[*eventQueue]struct{}),
		lastSeen: h.now(),
	}
	s.client = h.ids.NewClient(ctx, resumeToken)
	s.ctrl = session.NewController(s.client, h.tasks, h.prefs, h.logger)
	s.view = session.NewView(h.tasks, h.prefs, s.broadcast)
	s.ctrl.OnIdentityChange(func(st domain.AuthState) {
		s.view.Bind(ctx, st)
	})

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	liveSessions.Inc()

	go func() {
		defer close(s.done)
		if err := s.ctrl.Run(ctx); err != nil {
			h.logger.WithField("session", s.id).WithError(err).Error("session controller stopped")
		}
	}()
	h.logger.WithField("session", s.id).Debug("session opened")
	return s
}

// get returns the session and marks it active.
func (h *Hub) get(id string) (*liveSession, error) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return nil, errSessionNotFound
	}
	s.touch(h.now())
	return s, nil
}

// Close ends the session. Closing an unknown session is not an error.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.shutdown()
	}
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Reap closes sessions that have had no stream client for longer than the
// idle TTL and returns how many it closed.
func (h *Hub) Reap() int {
	cutoff := h.now().Add(-h.idleTTL)
	var idle []*liveSession
	h.mu.Lock()
	for id, s := range h.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()
	for _, s := range idle {
		h.logger.WithField("session", s.id).Debug("reaping idle session")
		s.shutdown()
	}
	return len(idle)
}

// RunReaper reaps idle sessions every interval until ctx is done, then
// closes every remaining session.
func (h *Hub) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = h.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			if n := h.Reap(); n > 0 {
				h.logger.Infof("reaped %d idle sessions", n)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]*liveSession)
	h.mu.Unlock()
	for _, s := range all {
		s.shutdown()
	}
}

type liveSession struct {
	id     string
	hub    *Hub
	client *identity.Client
	ctrl   *session.Controller
	view   *session.View
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	streams  map[*eventQueue]struct{}
	lastSeen time.Time
	closed   bool
}

func (s *liveSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *liveSession) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams) == 0 && s.lastSeen.Before(cutoff)
}

// owner returns the identity writes are attributed to.
func (s *liveSession) owner() (string, error) {
	cur := s.ctrl.Current().Identity
	if cur == nil {
		return "", domain.ErrNoIdentity
	}
	return cur.ID, nil
}

// taskCount returns how many tasks the live view holds for owner. ok is
// false until the view has loaded owner's list.
func (s *liveSession) taskCount(owner string) (n int, ok bool) {
	snap := s.view.Snapshot()
	if !snap.TasksLoaded || snap.Auth.Identity == nil || snap.Auth.Identity.ID != owner {
		return 0, false
	}
	return len(snap.Tasks), true
}

// retryBootstrap starts a new anonymous bootstrap when the last one failed
// and left the session without an identity.
func (s *liveSession) retryBootstrap() {
	if s.ctrl.State() != session.Unauthenticated || s.ctrl.Current().Identity != nil {
		return
	}
	go func() {
		if err := s.ctrl.Bootstrap(s.ctx); err != nil {
			s.hub.logger.WithField("session", s.id).WithError(err).Warn("bootstrap retry failed")
		}
	}()
}

func (s *liveSession) broadcast(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for q := range s.streams {
		q.push(ev)
	}
}

// attach registers a stream client. The returned queue is already receiving
// events when attach returns.
func (s *liveSession) attach() (*eventQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	q := newEventQueue()
	s.streams[q] = struct{}{}
	return q, true
}

func (s *liveSession) detach(q *eventQueue) {
	s.mu.Lock()
	delete(s.streams, q)
	s.lastSeen = s.hub.now()
	s.mu.Unlock()
}

func (s *liveSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for q := range s.streams {
		q.close()
	}
	s.streams = nil
	s.mu.Unlock()

	s.cancel()
	s.client.Close()
	<-s.done
	s.view.Close()
	liveSessions.Dec()
}

// eventQueue holds the latest undelivered event of each kind for one stream
// client. Every event carries a full snapshot, so older events of the same
// kind can be dropped.
type eventQueue struct {
	mu      sync.Mutex
	pending []session.Event
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) push(ev session.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	kept := q.pending[:0]
	for _, p := range q.pending {
		if p.Kind == ev.Kind || p.Snapshot.Generation < ev.Snapshot.Generation {
			continue
		}
		kept = append(kept, p)
	}
	q.pending = append(kept, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []session.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
