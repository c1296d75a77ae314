package domain

import "fmt"

// Filter selects which tasks a list view shows.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
)

// ParseFilter maps a query value onto a Filter. The empty string is FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterActive, FilterCompleted:
		return Filter(s), nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Apply returns the tasks visible under f, preserving their order.
func (f Filter) Apply(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		switch {
		case f == FilterActive && t.Completed:
			continue
		case f == FilterCompleted && !t.Completed:
			continue
		}
		out = append(out, t)
	}
	return out
}

// AllowsReorder reports whether drag reordering is meaningful under f. Only
// the unfiltered list shows every task, so only it can produce a full order.
func (f Filter) AllowsReorder() bool {
	return f == FilterAll || f == ""
}

// ItemsLeft counts the tasks that are not completed.
func ItemsLeft(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if !t.Completed {
			n++
		}
	}
	return n
}
