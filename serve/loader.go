// Model loading. The tensor library itself is an external collaborator; it
// plugs in through a BackendFactory registered once at construction time, so
// hot paths never probe for availability.

package serve

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackendFactory materializes the tensor-library backend and tokenizer for a
// model directory.
type BackendFactory func(modelID string, params *LoadModelParams, cfg *Config) (ModelBackend, Tokenizer, ModelMetadata, error)

var (
	factoryMu      sync.Mutex
	backendFactory BackendFactory
)

// RegisterBackendFactory installs the tensor-library binding. Called once at
// process start by the backend package's init.
func RegisterBackendFactory(factory BackendFactory) {
	factoryMu.Lock()
	backendFactory = factory
	factoryMu.Unlock()
}

func resolveBackendFactory() BackendFactory {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	return backendFactory
}

// LocalLoader loads models from local directories through the registered
// backend factory.
type LocalLoader struct {
	cfg *Config
}

// NewLocalLoader builds the production loader.
func NewLocalLoader(cfg *Config) *LocalLoader {
	return &LocalLoader{cfg: cfg}
}

func (l *LocalLoader) load(modelID string, params *LoadModelParams, vision bool) (*ModelHandle, error) {
	factory := resolveBackendFactory()
	if factory == nil {
		return nil, ErrModelLoad(modelID, "no tensor backend registered")
	}

	start := time.Now()
	backend, tokenizer, meta, err := factory(modelID, params, l.cfg)
	if err != nil {
		return nil, ErrModelLoad(modelID, err.Error())
	}
	if meta.ContextLength == 0 {
		meta.ContextLength = l.cfg.Model.DefaultContextLength
	}
	if params.ContextLength != nil {
		meta.ContextLength = *params.ContextLength
	}
	meta.IsVision = vision
	meta.LoadedAt = start

	logrus.Infof("loaded %s in %.1fs (dtype=%s, context=%d, vision=%t)",
		modelID, time.Since(start).Seconds(), meta.Dtype, meta.ContextLength, vision)
	return NewModelHandle(modelID, backend, tokenizer, meta), nil
}

// Load implements ModelLoader.
func (l *LocalLoader) Load(modelID string, params *LoadModelParams) (*ModelHandle, error) {
	return l.load(modelID, params, false)
}

// LoadVision implements ModelLoader.
func (l *LocalLoader) LoadVision(modelID string, params *LoadModelParams) (*ModelHandle, error) {
	return l.load(modelID, params, true)
}

// Unload implements ModelLoader.
func (l *LocalLoader) Unload(handle *ModelHandle) error {
	return handle.Backend.Close()
}
