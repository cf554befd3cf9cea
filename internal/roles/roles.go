// Package roles manages the catalogue of agent roles: the built-in roles
// embedded in the binary plus user-defined overrides loaded from the roles
// directory. A role bundles the persona prompt, the model alias, the
// category driving the stall watchdog, and the orchestration permissions.
package roles

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/collabot/collabot/internal/common/logger"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrRoleNotFound is returned when a role name is not registered.
var ErrRoleNotFound = errors.New("role not found")

// Category groups roles by interaction style. The dispatch runtime picks its
// stall timeout from the category.
type Category string

const (
	CategoryCoding         Category = "coding"
	CategoryConversational Category = "conversational"
	CategoryResearch       Category = "research"
)

// Permission grants a role access to privileged orchestration tools.
type Permission string

// PermissionDraftAgents lets agents running under the role draft, await, and
// kill other agents. Roles without it only get the read-only tools.
const PermissionDraftAgents Permission = "draft_agents"

// Role describes one agent persona.
type Role struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Category    Category     `yaml:"category" json:"category"`
	Model       string       `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt      string       `yaml:"prompt,omitempty" json:"-"`
	Permissions []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Can reports whether the role holds the given permission.
func (r *Role) Can(p Permission) bool {
	for _, perm := range r.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// Registry manages the available roles.
type Registry struct {
	mu     sync.RWMutex
	roles  map[string]*Role
	logger *logger.Logger
}

// NewRegistry creates a registry seeded with the built-in roles.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		roles:  make(map[string]*Role),
		logger: log,
	}
	r.loadBuiltins()
	return r
}

func (r *Registry) loadBuiltins() {
	files, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		r.logger.Error("failed to enumerate built-in roles", zap.Error(err))
		return
	}
	for _, name := range files {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			r.logger.Error("failed to read built-in role", zap.String("file", name), zap.Error(err))
			continue
		}
		role, err := parseRole(data, name)
		if err != nil {
			r.logger.Error("invalid built-in role", zap.String("file", name), zap.Error(err))
			continue
		}
		r.roles[role.Name] = role
	}
}

// LoadDir loads role definitions from dir. Roles with a built-in's name
// override it. A missing directory is not an error; invalid files are
// skipped with a warning so one bad override cannot block startup.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read roles dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable role file", zap.String("path", path), zap.Error(err))
			continue
		}
		role, err := parseRole(data, entry.Name())
		if err != nil {
			r.logger.Warn("skipping invalid role file", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, exists := r.roles[role.Name]; exists {
			r.logger.Info("role override loaded", zap.String("role", role.Name), zap.String("path", path))
		} else {
			r.logger.Info("role loaded",
				zap.String("role", role.Name),
				zap.String("category", string(role.Category)))
		}
		r.roles[role.Name] = role
	}
	return nil
}

// Register adds a new role.
func (r *Registry) Register(role *Role) error {
	if err := validateRole(role); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[role.Name]; exists {
		return fmt.Errorf("role %q already registered", role.Name)
	}
	r.roles[role.Name] = role
	return nil
}

// Get returns the named role.
func (r *Registry) Get(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoleNotFound, name)
	}
	return role, nil
}

// Exists checks whether a role is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.roles[name]
	return ok
}

// List returns all roles sorted by name.
func (r *Registry) List() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		result = append(result, role)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func parseRole(data []byte, source string) (*Role, error) {
	var role Role
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("failed to parse role: %w", err)
	}
	if role.Name == "" {
		base := filepath.Base(source)
		role.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := validateRole(&role); err != nil {
		return nil, err
	}
	return &role, nil
}

func validateRole(role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required")
	}
	if strings.ContainsAny(role.Name, " /\\") {
		return fmt.Errorf("role name %q must not contain spaces or path separators", role.Name)
	}
	if role.Category == "" {
		role.Category = CategoryCoding
	}
	switch role.Category {
	case CategoryCoding, CategoryConversational, CategoryResearch:
	default:
		return fmt.Errorf("unknown role category %q", role.Category)
	}
	for _, p := range role.Permissions {
		if p != PermissionDraftAgents {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	return nil
}
