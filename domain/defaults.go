package domain

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// DefaultTask is one entry of the starter list seeded for new identities.
type DefaultTask struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

//go:embed defaults.json
var defaultTasksJSON []byte

// DefaultTasks returns the built-in starter list.
func DefaultTasks() []DefaultTask {
	tasks, err := ParseDefaultTasks(defaultTasksJSON)
	if err != nil {
		panic("domain: embedded default tasks: " + err.Error())
	}
	return tasks
}

// LoadDefaultTasks reads a starter list from a JSON file.
func LoadDefaultTasks(path string) ([]DefaultTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefaultTasks(data)
}

// ParseDefaultTasks decodes and validates a JSON starter list.
func ParseDefaultTasks(data []byte) ([]DefaultTask, error) {
	var tasks []DefaultTask
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		return nil, err
	}
	if len(tasks) >= MaxBatchOps {
		return nil, fmt.Errorf("default task list has %d entries, limit is %d", len(tasks), MaxBatchOps-1)
	}
	for i := range tasks {
		tasks[i].Title = NormalizeTitle(tasks[i].Title)
		if tasks[i].Title == "" {
			return nil, fmt.Errorf("default task %d: %w", i, ErrEmptyTitle)
		}
	}
	return tasks, nil
}
