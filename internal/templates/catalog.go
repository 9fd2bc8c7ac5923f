// Package templates loads dashboard template requirements from YAML files.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"study-init/backend/internal/services"
	"study-init/backend/pkg/models"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// File is the on-disk layout of a template:
//
//	id: safety-v1
//	name: Safety Overview
//	widgets:
//	  - id: ae
//	    name: Adverse Events
//	    required: [USUBJID, AESER]
//	    optional: [AETERM]
type File struct {
	ID      string                     `yaml:"id"`
	Name    string                     `yaml:"name"`
	Widgets []models.WidgetRequirement `yaml:"widgets"`
}

// Catalog reads templates from <dir>/<id>.yaml and caches parsed files.
type Catalog struct {
	dir string

	mu    sync.RWMutex
	cache map[string][]models.WidgetRequirement
}

// NewCatalog creates a Catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir, cache: make(map[string][]models.WidgetRequirement)}
}

// Requirements returns the widget requirements of a template.
func (c *Catalog) Requirements(_ context.Context, templateID string) ([]models.WidgetRequirement, error) {
	if !validID.MatchString(templateID) {
		return nil, fmt.Errorf("%w: %q", services.ErrTemplateNotFound, templateID)
	}

	c.mu.RLock()
	reqs, ok := c.cache[templateID]
	c.mu.RUnlock()
	if ok {
		return reqs, nil
	}

	data, err := os.ReadFile(filepath.Join(c.dir, templateID+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", services.ErrTemplateNotFound, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", templateID, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", templateID, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", templateID, err)
	}

	c.mu.Lock()
	c.cache[templateID] = f.Widgets
	c.mu.Unlock()
	return f.Widgets, nil
}

func (f *File) validate() error {
	if len(f.Widgets) == 0 {
		return errors.New("no widgets")
	}
	seen := make(map[string]bool, len(f.Widgets))
	for i, w := range f.Widgets {
		if w.WidgetID == "" {
			return fmt.Errorf("widget %d has no id", i)
		}
		if seen[w.WidgetID] {
			return fmt.Errorf("duplicate widget %q", w.WidgetID)
		}
		seen[w.WidgetID] = true
	}
	return nil
}
