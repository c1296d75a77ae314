package domain

// Preference holds per-identity display options.
type Preference struct {
	DarkMode bool `json:"darkMode"`
}

// PreferencePatch carries the preference fields a merge write sets.
type PreferencePatch struct {
	DarkMode *bool `json:"darkMode,omitempty"`
}

// Change feed topics.
const (
	TopicTasks       = "tasks"
	TopicPreferences = "preferences"
)
