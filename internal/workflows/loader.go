package workflows

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

// definitionExts are the file extensions LoadDir picks up. JSON is a subset
// of YAML, so one decoder serves both.
var definitionExts = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// ParseDefinition decodes a YAML or JSON workflow document and checks it
// against the workflow JSON Schema. The result is not registered.
func ParseDefinition(v *validation.Validator, data []byte) (*schema.Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow definition is empty")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "decode definition: %s", err).WithCause(err)
	}
	return v.ParseDocument(doc)
}

// LoadFile parses one definition file. A document without a name takes the
// file name, minus extension.
func LoadFile(v *validation.Validator, path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	wf, err := ParseDefinition(v, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if wf.Name == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

// LoadDir registers every definition file directly under dir, in name order.
// A bad file does not stop the others; all failures are joined into the
// returned error. It returns the names that were registered.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !definitionExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	var (
		loaded []string
		errs   []error
	)
	for _, path := range paths {
		wf, err := LoadFile(r.validator, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := r.RegisterWorkflow(wf); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded = append(loaded, wf.Name)
	}
	return loaded, errors.Join(errs...)
}
