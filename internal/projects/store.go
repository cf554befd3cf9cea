package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
)

const (
	projectManifestName = "project.yaml"
	taskManifestName    = "task.json"
	tasksDirName        = "tasks"
	workspaceDirName    = "workspace"
)

var (
	// ErrProjectNotFound is returned for unknown project names.
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectExists is returned when creating a project that already exists.
	ErrProjectExists = errors.New("project already exists")
	// ErrTaskNotFound is returned for unknown task slugs.
	ErrTaskNotFound = errors.New("task not found")
)

// Store manages the on-disk project and task tree. Task manifest writes are
// serialized per task directory so concurrent dispatches cannot lose index
// entries.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at the projects directory.
func NewStore(root string, log *logger.Logger) *Store {
	return &Store{
		root:   root,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the projects directory.
func (s *Store) Root() string { return s.root }

// Init creates the projects directory if it does not exist.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create projects dir: %w", err)
	}
	return nil
}

// ProjectDir returns the directory for a project.
func (s *Store) ProjectDir(name string) string {
	return filepath.Join(s.root, name)
}

// TaskDir returns the directory for a task within a project.
func (s *Store) TaskDir(project, slug string) string {
	return filepath.Join(s.root, project, tasksDirName, slug)
}

// CreateProject creates a new project with a workspace directory as its
// default agent path.
func (s *Store) CreateProject(name, description string, roleNames []string) (*Project, error) {
	if err := validateProjectName(name); err != nil {
		return nil, err
	}

	dir := s.ProjectDir(name)
	manifest := filepath.Join(dir, projectManifestName)
	if _, err := os.Stat(manifest); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrProjectExists, name)
	}

	workspace := filepath.Join(dir, workspaceDirName)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, tasksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project tasks dir: %w", err)
	}

	project := &Project{
		Name:        name,
		Description: description,
		Paths:       []string{workspace},
		Roles:       roleNames,
	}
	data, err := yaml.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to encode project manifest: %w", err)
	}
	if err := writeFileAtomic(manifest, data); err != nil {
		return nil, fmt.Errorf("failed to write project manifest: %w", err)
	}

	s.logger.Info("project created", zap.String("project", name), zap.String("dir", dir))
	return project, nil
}

// GetProject loads a project manifest by name.
func (s *Store) GetProject(name string) (*Project, error) {
	if err := validateProjectName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.ProjectDir(name), projectManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrProjectNotFound, name)
		}
		return nil, fmt.Errorf("failed to read project manifest: %w", err)
	}

	var project Project
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("invalid project manifest for %q: %w", name, err)
	}
	if project.Name == "" {
		project.Name = name
	}
	return &project, nil
}

// EnsureProject returns the project, creating it when missing. Used for the
// configured default project at startup.
func (s *Store) EnsureProject(name string) (*Project, error) {
	project, err := s.GetProject(name)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, ErrProjectNotFound) {
		return nil, err
	}
	return s.CreateProject(name, "", nil)
}

// ListProjects returns all projects sorted by name. Directories without a
// readable manifest are skipped with a warning.
func (s *Store) ListProjects() ([]*Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read projects dir: %w", err)
	}

	result := make([]*Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project, err := s.GetProject(entry.Name())
		if err != nil {
			if !errors.Is(err, ErrProjectNotFound) {
				s.logger.Warn("skipping unreadable project",
					zap.String("project", entry.Name()), zap.Error(err))
			}
			continue
		}
		result = append(result, project)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// EnsureTask returns the task, creating its directory and manifest on first
// use. An existing task is returned as-is; name and description only apply
// to creation.
func (s *Store) EnsureTask(projectName, slug, name, description string) (*Task, error) {
	if _, err := s.GetProject(projectName); err != nil {
		return nil, err
	}
	if slug == "" {
		return nil, fmt.Errorf("task slug is required")
	}

	taskDir := s.TaskDir(projectName, slug)
	lock := s.taskLock(taskDir)
	lock.Lock()
	defer lock.Unlock()

	manifest := filepath.Join(taskDir, taskManifestName)
	task, err := readTaskManifest(manifest)
	if err == nil {
		return task, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(taskDir, "dispatches"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task dir: %w", err)
	}
	task = &Task{
		Slug:        slug,
		Name:        name,
		Project:     projectName,
		Description: description,
		Status:      TaskOpen,
		Created:     time.Now().UTC(),
		Dispatches:  []dispatch.IndexEntry{},
	}
	if err := writeTaskManifest(manifest, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		zap.String("project", projectName),
		zap.String("task", slug))
	return task, nil
}

// GetTask loads a task manifest.
func (s *Store) GetTask(projectName, slug string) (*Task, error) {
	task, err := readTaskManifest(filepath.Join(s.TaskDir(projectName, slug), taskManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q in project %q", ErrTaskNotFound, slug, projectName)
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks in a project, newest first. Task directories
// without a readable manifest are skipped with a warning.
func (s *Store) ListTasks(projectName string) ([]*Task, error) {
	if _, err := s.GetProject(projectName); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.ProjectDir(projectName), tasksDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks dir: %w", err)
	}

	result := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := readTaskManifest(filepath.Join(s.TaskDir(projectName, entry.Name()), taskManifestName))
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("skipping unreadable task manifest",
					zap.String("project", projectName),
					zap.String("task", entry.Name()),
					zap.Error(err))
			}
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Created.After(result[j].Created) })
	return result, nil
}

// UpdateTaskManifest performs a read-modify-write of a task manifest under
// the per-task lock. The event store uses this to keep the dispatch index
// consistent under concurrent dispatch creation.
func (s *Store) UpdateTaskManifest(taskDir string, fn func(*Task) error) error {
	lock := s.taskLock(taskDir)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(taskDir, taskManifestName)
	task, err := readTaskManifest(path)
	if err != nil {
		return fmt.Errorf("failed to load task manifest: %w", err)
	}
	if err := fn(task); err != nil {
		return err
	}
	return writeTaskManifest(path, task)
}

func (s *Store) taskLock(taskDir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskDir]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[taskDir] = lock
	}
	return lock
}

func readTaskManifest(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("invalid task manifest %s: %w", path, err)
	}
	if task.Dispatches == nil {
		task.Dispatches = []dispatch.IndexEntry{}
	}
	return &task, nil
}

func writeTaskManifest(path string, task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task manifest: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write task manifest: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial manifest.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func validateProjectName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("project name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid project name %q", name)
	}
	return nil
}
