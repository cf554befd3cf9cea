// Package taskcontext reconstructs what prior agents did on a task into a
// markdown prompt fragment. Follow-up dispatches receive it as part of their
// prompt so they can build on earlier results instead of rediscovering them.
package taskcontext

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/projects"
	"github.com/collabot/collabot/internal/storage/fsstore"
)

// Build renders the task description followed by one section per envelope
// that carries a structured result, in the order given. Envelopes without a
// structured result are skipped; a task with none yields just the header and
// description.
func Build(task *projects.Task, envelopes []*dispatch.Envelope) string {
	var b strings.Builder

	title := task.Name
	if title == "" {
		title = task.Slug
	}
	fmt.Fprintf(&b, "# Task: %s\n", title)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}

	wroteHeader := false
	for _, env := range envelopes {
		if env == nil || env.Result == nil {
			continue
		}
		if !wroteHeader {
			b.WriteString("\n## Previous work on this task\n")
			wroteHeader = true
		}
		writeSection(&b, env)
	}

	return b.String()
}

func writeSection(b *strings.Builder, env *dispatch.Envelope) {
	status := string(env.Result.Status)
	if env.Status != dispatch.StatusCompleted && env.Status != "" {
		status += ", " + string(env.Status)
	}
	fmt.Fprintf(b, "\n### %s (%s)\n", env.Role, status)

	if summary := strings.TrimSpace(env.Result.Summary); summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	writeList(b, "Changes", env.Result.Changes)
	writeList(b, "Issues", env.Result.Issues)
	writeList(b, "Questions", env.Result.Questions)
	if env.Result.PRURL != "" {
		fmt.Fprintf(b, "\nPR: %s\n", env.Result.PRURL)
	}
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s:**\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// Builder wires Build to the stores so callers can ask by project and slug.
type Builder struct {
	projects *projects.Store
	store    *fsstore.Store
	logger   *logger.Logger
}

// NewBuilder creates a builder over the given stores.
func NewBuilder(p *projects.Store, s *fsstore.Store, log *logger.Logger) *Builder {
	return &Builder{
		projects: p,
		store:    s,
		logger:   log.WithFields(zap.String("component", "task-context")),
	}
}

// BuildForTask loads the task and its dispatch history and renders the
// context fragment. Unreadable dispatch files degrade to an empty history
// rather than failing the build.
func (b *Builder) BuildForTask(project, slug string) (string, error) {
	task, err := b.projects.GetTask(project, slug)
	if err != nil {
		return "", err
	}

	taskDir := b.projects.TaskDir(project, slug)
	envelopes, err := b.store.GetDispatchEnvelopes(taskDir)
	if err != nil {
		b.logger.Warn("reading dispatch history failed, building context without it",
			zap.String("task_slug", slug), zap.Error(err))
		envelopes = nil
	}
	return Build(task, envelopes), nil
}
