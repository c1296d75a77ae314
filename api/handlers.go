package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-api/domain"
	"todo-api/session"
)

const (
	sessionKey        = "session"
	idempotencyHeader = "Idempotency-Key"
	syncTimeout       = 30 * time.Second
)

var keepAliveInterval = 30 * time.Second

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, hub *Hub, pool *WritePool, dedupe Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.POST("/api/sessions", createSession(hub))
	e.GET("/healthz", healthz(hub))
	e.GET("/metrics", echoprometheus.NewHandler())

	g := e.Group("/api/sessions/:sid", withSession(hub))
	g.DELETE("", deleteSession(hub))
	g.GET("/events", streamEvents(logger))

	g.POST("/tasks", addTask(hub, pool, dedupe, logger))
	g.DELETE("/tasks/:id", removeTask(hub, pool))
	g.POST("/tasks/:id/toggle", toggleTask(hub, pool))
	g.PUT("/tasks/order", reorderTasks(hub, pool))
	g.POST("/tasks/clear-completed", clearCompleted(hub, pool))
	g.POST("/tasks/reset", resetTasks(hub, pool))
	g.PUT("/preferences", setPreferences(hub, pool))

	g.POST("/link", linkCredential(hub))
	g.POST("/signin", signIn(hub))
	g.POST("/signout", signOut(hub))
}

func healthz(hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{"sessions": hub.Len()})
	}
}

func withSession(hub *Hub) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := hub.get(c.Param("sid"))
			if err != nil {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Set(sessionKey, s)
			return next(c)
		}
	}
}

func sessionFrom(c echo.Context) *liveSession {
	return c.Get(sessionKey).(*liveSession)
}

func createSession(hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var token string
		if len(c.Request().Header.Values(echo.HeaderAuthorization)) > 0 {
			var err error
			token, err = bearerToken(c.Request().Header)
			if err != nil {
				return c.String(http.StatusBadRequest, err.Error())
			}
		}
		s := hub.open(token)
		return c.JSON(http.StatusCreated, sessionResponse{SessionID: s.id})
	}
}

func deleteSession(hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		hub.Close(sessionFrom(c).id)
		return c.NoContent(http.StatusNoContent)
	}
}

func streamEvents(logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := sessionFrom(c)
		filter, err := domain.ParseFilter(c.QueryParam("filter"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		q, ok := s.attach()
		if !ok {
			return c.String(http.StatusNotFound, errSessionNotFound.Error())
		}
		defer s.detach(q)
		s.retryBootstrap()

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		write := func(events []session.Event) bool {
			for _, ev := range events {
				data, err := eventData(ev.Kind, ev.Snapshot, filter)
				if err != nil {
					logger.WithField("session", s.id).WithError(err).Error("failed to encode event")
					continue
				}
				if _, err := c.Response().Write([]byte("event: " + ev.Kind.String() + "\ndata: ")); err != nil {
					return false
				}
				if _, err := c.Response().Write(data); err != nil {
					return false
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return false
				}
			}
			flusher.Flush()
			return true
		}

		if !write(snapshotEvents(s.view.Snapshot())) {
			return nil
		}
		ctx := c.Request().Context()
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.wake:
				if !write(q.drain()) {
					return nil
				}
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-q.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// accept resolves the session owner and hands run to the write pool.
func accept(c echo.Context, pool *WritePool, op string, rollback func(owner string), run func(ctx context.Context, owner string) error) error {
	s := sessionFrom(c)
	owner, err := s.owner()
	if err != nil {
		s.retryBootstrap()
		return c.String(http.StatusConflict, err.Error())
	}
	job := writeJob{
		op:    op,
		owner: owner,
		run:   func(ctx context.Context) error { return run(ctx, owner) },
	}
	if rollback != nil {
		job.rollback = func() { rollback(owner) }
	}
	pool.Submit(job)
	return c.NoContent(http.StatusAccepted)
}

func addTask(hub *Hub, pool *WritePool, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req addTaskRequest
		if err := decodeBody(c.Request(), &req, false); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title := domain.NormalizeTitle(req.Title)
		if title == "" {
			return c.String(http.StatusBadRequest, domain.ErrEmptyTitle.Error())
		}
		s := sessionFrom(c)
		owner, err := s.owner()
		if err != nil {
			s.retryBootstrap()
			return c.String(http.StatusConflict, err.Error())
		}
		if n, ok := s.taskCount(owner); ok && n+1 > domain.MaxBatchOps {
			return c.String(http.StatusConflict, domain.ErrBatchTooLarge.Error())
		}

		var rollback func(string)
		key := c.Request().Header.Get(idempotencyHeader)
		if key != "" && dedupe != nil {
			added, err := dedupe.Add(c.Request().Context(), owner, key)
			switch {
			case err != nil:
				logger.WithField("owner", owner).WithError(err).Warn("idempotency check failed; processing anyway")
			case !added:
				return c.NoContent(http.StatusAccepted)
			default:
				rollback = func(owner string) {
					if rerr := dedupe.Remove(context.Background(), owner, key); rerr != nil {
						logger.Errorf("dedupe rollback failed, err: %v, key: %s, owner: %s", rerr, key, owner)
					}
				}
			}
		}
		return accept(c, pool, "add", rollback, func(ctx context.Context, owner string) error {
			return hub.tasks.Add(ctx, owner, title, req.Completed)
		})
	}
}

func removeTask(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		return accept(c, pool, "remove", nil, func(ctx context.Context, owner string) error {
			return hub.tasks.Remove(ctx, owner, id)
		})
	}
}

func toggleTask(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		return accept(c, pool, "toggle", nil, func(ctx context.Context, owner string) error {
			return hub.tasks.Toggle(ctx, owner, id)
		})
	}
}

func reorderTasks(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req reorderRequest
		if err := decodeBody(c.Request(), &req, false); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		filter, err := domain.ParseFilter(req.Filter)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if !filter.AllowsReorder() {
			return c.String(http.StatusConflict, "reordering is only available for the full list")
		}
		if len(req.IDs) == 0 {
			return c.String(http.StatusBadRequest, "ids are required")
		}
		return accept(c, pool, "reorder", nil, func(ctx context.Context, owner string) error {
			return hub.tasks.Reorder(ctx, owner, req.IDs)
		})
	}
}

func clearCompleted(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		return accept(c, pool, "clear_completed", nil, hub.tasks.ClearCompleted)
	}
}

func resetTasks(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req resetRequest
		if err := decodeBody(c.Request(), &req, true); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		return accept(c, pool, "reset", nil, func(ctx context.Context, owner string) error {
			return hub.tasks.ResetToDefaults(ctx, owner, req.Wipe)
		})
	}
}

func setPreferences(hub *Hub, pool *WritePool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req preferencesRequest
		if err := decodeBody(c.Request(), &req, false); err != nil || req.DarkMode == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		on := *req.DarkMode
		return accept(c, pool, "set_dark_mode", nil, func(ctx context.Context, owner string) error {
			return hub.prefs.SetDarkMode(ctx, owner, on)
		})
	}
}

func linkCredential(hub *Hub) echo.HandlerFunc {
	return credentialHandler(hub, func(ctx context.Context, s *liveSession, cred domain.Credential) error {
		return s.ctrl.UpgradeCredential(ctx, cred)
	})
}

func signIn(hub *Hub) echo.HandlerFunc {
	return credentialHandler(hub, func(ctx context.Context, s *liveSession, cred domain.Credential) error {
		return s.ctrl.SignIn(ctx, cred)
	})
}

func credentialHandler(hub *Hub, fn func(ctx context.Context, s *liveSession, cred domain.Credential) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req credentialRequest
		if err := decodeBody(c.Request(), &req, false); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s := sessionFrom(c)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), syncTimeout)
		defer cancel()
		if err := fn(ctx, s, req.Credential); err != nil {
			return identityError(c, err)
		}
		return respondIdentity(c, hub, s)
	}
}

func signOut(hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := sessionFrom(c)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), syncTimeout)
		defer cancel()
		if err := s.ctrl.SignOut(ctx); err != nil {
			return identityError(c, err)
		}
		return respondIdentity(c, hub, s)
	}
}

func respondIdentity(c echo.Context, hub *Hub, s *liveSession) error {
	var resp identityResponse
	if id := s.client.Current(); id != nil {
		token, err := hub.ids.Token(*id)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to issue token")
		}
		resp.Identity = newIdentityPayload(domain.AuthState{Identity: id, Token: token})
	}
	data, err := sonic.Marshal(resp)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, data)
}

func identityError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidCredential):
		return c.String(http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoIdentity), errors.Is(err, domain.ErrCredentialTaken), errors.Is(err, domain.ErrMergeConflict):
		return c.String(http.StatusConflict, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}
