package abi

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

//go:embed definitions/*.yml
var embedded embed.FS

// ErrInvalidDefinition is returned for documents that decode but fail Verify
var ErrInvalidDefinition = errors.New("invalid ABI definition")

// Registry loads definitions on first use and keeps them for the lifetime of
// the process. Documents are looked up as "<ABI>.yml" in each source in
// order; the first source holding the document wins.
type Registry struct {
	mu      sync.Mutex
	sources []fs.FS
	cache   map[model.ABI]*Definition
}

// NewRegistry creates a registry reading definitions from sources
func NewRegistry(sources ...fs.FS) *Registry {
	return &Registry{
		sources: sources,
		cache:   make(map[model.ABI]*Definition),
	}
}

// Builtin returns the definitions shipped with the package
func Builtin() fs.FS {
	sub, err := fs.Sub(embedded, "definitions")
	if err != nil {
		panic(err)
	}
	return sub
}

func (r *Registry) read(name string) ([]byte, error) {
	for _, source := range r.sources {
		data, err := fs.ReadFile(source, name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
}

// Decode parses a single definition document without verifying it
func Decode(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d Definition
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load returns the verified definition of abi
func (r *Registry) Load(abi model.ABI) (*Definition, error) {
	if !abi.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDefinition, int(abi))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.cache[abi]; ok {
		return d, nil
	}

	name := abi.String() + ".yml"
	data, err := r.read(name)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", abi, err)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if d.ABI != abi {
		return nil, fmt.Errorf("%w: %s describes %s", ErrInvalidDefinition, name, d.ABI)
	}
	if !d.Verify() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, abi)
	}

	Logger().Debug("loaded ABI definition", zap.String("abi", abi.String()))
	r.cache[abi] = d
	return d, nil
}

// Get is Load for callers that cannot recover from a broken definition
func (r *Registry) Get(abi model.ABI) *Definition {
	d, err := r.Load(abi)
	if err != nil {
		panic(err)
	}
	return d
}

// ErrRegistryInUse is returned when the default registry is reconfigured
// after its first use
var ErrRegistryInUse = errors.New("default ABI registry already in use")

var (
	defaultRegistryMu sync.Mutex
	defaultRegistry   *Registry
	definitionsDir    string
)

// SetDefinitionsDir makes the default registry prefer documents found in dir
// over the built-in ones. Once the default registry has been used its
// sources are fixed and a different dir is refused with ErrRegistryInUse.
func SetDefinitionsDir(dir string) error {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry != nil && dir != definitionsDir {
		return fmt.Errorf("%w: cannot switch definitions to %q", ErrRegistryInUse, dir)
	}
	definitionsDir = dir
	return nil
}

// Default returns the process-wide registry
func Default() *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		var sources []fs.FS
		if definitionsDir != "" {
			Logger().Info("using ABI definition overrides", zap.String("dir", definitionsDir))
			sources = append(sources, os.DirFS(definitionsDir))
		}
		defaultRegistry = NewRegistry(append(sources, Builtin())...)
	}
	return defaultRegistry
}

// Get returns the definition of abi from the default registry.
// It panics if the definition is missing or broken.
func Get(abi model.ABI) *Definition {
	return Default().Get(abi)
}
