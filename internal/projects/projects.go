// Package projects manages the durable project and task tree under the
// projects directory: project manifests, task manifests, and the directory
// layout the rest of the system addresses tasks by.
//
// Layout:
//
//	<projectsDir>/<project>/project.yaml
//	<projectsDir>/<project>/workspace/            (default working dir)
//	<projectsDir>/<project>/tasks/<slug>/task.json
//	<projectsDir>/<project>/tasks/<slug>/dispatches/<dispatchId>.json
//	<projectsDir>/<project>/tasks/<slug>/draft.json
package projects

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/collabot/collabot/internal/common/stringutil"
	"github.com/collabot/collabot/internal/dispatch"
)

// Project is a persistent container for tasks. Paths are the filesystem
// locations agents may operate in; Roles restricts which roles may run on
// the project (empty = all).
type Project struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// AllowsRole reports whether the project permits the role. An empty role
// list permits every role.
func (p *Project) AllowsRole(role string) bool {
	if len(p.Roles) == 0 {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WorkDir returns the directory agents operate in: the project's first path.
func (p *Project) WorkDir() string {
	if len(p.Paths) > 0 {
		return p.Paths[0]
	}
	return ""
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen   TaskStatus = "open"
	TaskClosed TaskStatus = "closed"
)

// Task is a unit of work scoped to exactly one project, identified by a
// slug unique within that project. Dispatches is the lightweight index of
// every dispatch ever created for the task.
type Task struct {
	Slug        string                `json:"slug"`
	Name        string                `json:"name"`
	Project     string                `json:"project"`
	Description string                `json:"description,omitempty"`
	Status      TaskStatus            `json:"status"`
	Created     time.Time             `json:"created"`
	Dispatches  []dispatch.IndexEntry `json:"dispatches"`
}

const maxSlugLen = 40

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowers text to a filesystem-safe slug of at most maxSlugLen bytes.
func Slugify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "task"
	}
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	return s
}

// NewTaskSlug derives a unique task slug from request content. The
// millisecond suffix keeps slugs from colliding when the same request text
// is submitted twice.
func NewTaskSlug(content string) string {
	return fmt.Sprintf("%s-%06d", Slugify(content), time.Now().UnixMilli()%1000000)
}

// TaskName derives a short human-readable task name from request content:
// the first line, truncated for display.
func TaskName(content string) string {
	name := strings.TrimSpace(content)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return stringutil.TruncateRunes(name, 80)
}
