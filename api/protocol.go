package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"todo-api/domain"
	"todo-api/session"
)

const requestMaxSize = 64 * 1024 // 64 KiB

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

type identityPayload struct {
	ID        string   `json:"id"`
	Anonymous bool     `json:"anonymous"`
	Providers []string `json:"providers,omitempty"`
	Token     string   `json:"token,omitempty"`
}

type tasksPayload struct {
	Tasks     []domain.Task `json:"tasks"`
	Visible   []domain.Task `json:"visible"`
	ItemsLeft int           `json:"itemsLeft"`
	Filter    domain.Filter `json:"filter"`
}

type preferencesPayload struct {
	DarkMode bool `json:"darkMode"`
}

type identityResponse struct {
	Identity *identityPayload `json:"identity"`
}

type addTaskRequest struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

type reorderRequest struct {
	IDs    []string `json:"ids"`
	Filter string   `json:"filter"`
}

type resetRequest struct {
	Wipe bool `json:"wipe"`
}

type preferencesRequest struct {
	DarkMode *bool `json:"darkMode"`
}

type credentialRequest struct {
	Credential domain.Credential `json:"credential"`
}

func newIdentityPayload(st domain.AuthState) *identityPayload {
	if st.Identity == nil {
		return nil
	}
	return &identityPayload{
		ID:        st.Identity.ID,
		Anonymous: st.Identity.Anonymous,
		Providers: st.Identity.Providers,
		Token:     st.Token,
	}
}

func newTasksPayload(tasks []domain.Task, filter domain.Filter) tasksPayload {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasksPayload{
		Tasks:     tasks,
		Visible:   filter.Apply(tasks),
		ItemsLeft: domain.ItemsLeft(tasks),
		Filter:    filter,
	}
}

// eventData encodes the part of snap that ev.Kind refers to.
func eventData(kind session.EventKind, snap session.Snapshot, filter domain.Filter) ([]byte, error) {
	switch kind {
	case session.EventIdentity:
		return sonic.Marshal(newIdentityPayload(snap.Auth))
	case session.EventTasks:
		return sonic.Marshal(newTasksPayload(snap.Tasks, filter))
	case session.EventPreferences:
		return sonic.Marshal(preferencesPayload{DarkMode: snap.Preference.DarkMode})
	default:
		return nil, errors.New("unknown event kind")
	}
}

// snapshotEvents lists the events that bring a new stream client up to snap.
func snapshotEvents(snap session.Snapshot) []session.Event {
	events := []session.Event{{Kind: session.EventIdentity, Snapshot: snap}}
	if snap.TasksLoaded {
		events = append(events, session.Event{Kind: session.EventTasks, Snapshot: snap})
	}
	if snap.PreferenceLoaded {
		events = append(events, session.Event{Kind: session.EventPreferences, Snapshot: snap})
	}
	return events
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	if optional && (r.Body == nil || r.ContentLength == 0) {
		return nil
	}
	lr := io.LimitReader(r.Body, requestMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
