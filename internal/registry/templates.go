package registry

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orchestra/pkg/schema"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Templates is the in-memory template registry. Built-in templates are loaded at
// construction; LoadDir adds or replaces templates from a directory.
type Templates struct {
	mu   sync.RWMutex
	byID map[string]*schema.WorkflowTemplate
}

// NewTemplates returns a registry seeded with the built-in templates.
func NewTemplates() (*Templates, error) {
	t := &Templates{byID: make(map[string]*schema.WorkflowTemplate)}
	if _, err := t.loadFS(builtinTemplates, "templates"); err != nil {
		return nil, fmt.Errorf("load built-in templates: %w", err)
	}
	return t, nil
}

// GetWorkflowTemplate returns a copy of the template, or (nil, nil) when unknown.
func (t *Templates) GetWorkflowTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *tpl
	cp.Agents = append([]string(nil), tpl.Agents...)
	cp.Steps = append([]schema.Step(nil), tpl.Steps...)
	return &cp, nil
}

// List returns all templates ordered by id.
func (t *Templates) List() []*schema.WorkflowTemplate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*schema.WorkflowTemplate, 0, len(t.byID))
	for _, tpl := range t.byID {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds or replaces a template after validating it.
func (t *Templates) Register(tpl *schema.WorkflowTemplate) error {
	if err := validateTemplate(tpl); err != nil {
		return err
	}
	t.mu.Lock()
	t.byID[tpl.ID] = tpl
	t.mu.Unlock()
	return nil
}

// LoadDir loads every *.yaml / *.yml file in dir. A missing directory is not an error.
func (t *Templates) LoadDir(dir string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	return t.loadFS(os.DirFS(dir), ".")
}

func (t *Templates) loadFS(fsys fs.FS, root string) (int, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return n, err
		}
		tpl := &schema.WorkflowTemplate{}
		if err := yaml.Unmarshal(data, tpl); err != nil {
			return n, schema.NewErrorf(schema.ErrCodeValidation, "template %s: %s", e.Name(), err.Error()).WithCause(err)
		}
		if tpl.ID == "" {
			tpl.ID = strings.TrimSuffix(e.Name(), ext)
		}
		if err := t.Register(tpl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func validateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "template id is required")
	}
	if strings.TrimSpace(tpl.Name) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "template %q: name is required", tpl.ID)
	}
	agents := make(map[string]bool, len(tpl.Agents))
	for _, a := range tpl.Agents {
		agents[a] = true
	}
	for i, s := range tpl.Steps {
		if s.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "template %q: steps[%d].name is required", tpl.ID, i)
		}
		if !agents[s.AgentID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"template %q: step %q references agent %q not in agents", tpl.ID, s.Name, s.AgentID)
		}
	}
	return nil
}
