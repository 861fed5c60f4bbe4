package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the on-disk shape of the backend configuration file.
type Catalog struct {
	Default  string       `yaml:"default" validate:"required"`
	Fallback []string     `yaml:"fallback"`
	Backends []Descriptor `yaml:"backends" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a YAML catalog from path. An empty path loads the built-in
// catalog. Relative model paths resolve against the catalog's directory.
func Load(path string) (*Registry, error) {
	data, baseDir := defaultCatalog, "."
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry: read catalog: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	return Parse(data, baseDir)
}

// Parse decodes and validates a YAML catalog. Unknown keys are rejected.
func Parse(data []byte, baseDir string) (*Registry, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("registry: decode catalog: %w", err)
	}
	if err := validate.Struct(cat); err != nil {
		return nil, fmt.Errorf("registry: invalid catalog: %w", describeValidation(err))
	}

	for i := range cat.Backends {
		d := &cat.Backends[i]
		if d.Kind == KindLocal && d.Local.ModelPath != "" {
			resolved, reason := checkModelFile(d.Local.ModelPath, baseDir)
			d.Local.ModelPath = resolved
			d.Unavailable = reason
		}
	}
	return New(cat.Backends, cat.Default, cat.Fallback)
}

// checkModelFile resolves a weights path once, at load. It returns the
// absolute path and, when the file is unusable, the reason.
func checkModelFile(path, baseDir string) (string, string) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, fmt.Sprintf("model path %s: %v", path, err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return abs, fmt.Sprintf("model file %s not found", abs)
	case err != nil:
		return abs, fmt.Sprintf("model file %s: %v", abs, err)
	case info.IsDir():
		return abs, fmt.Sprintf("model path %s is a directory", abs)
	case info.Size() < MinModelFileSize:
		return abs, fmt.Sprintf("model file %s is %d bytes, below the %d byte minimum", abs, info.Size(), MinModelFileSize)
	}
	return abs, ""
}

// describeValidation flattens validator errors into one readable error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Errorf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Errorf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(msgs...)
}
