package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
)

// ErrProviderNotRegistered means no factory carries the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factory builds a provider from its configuration entry.
type factory[T any] func(ProviderEntry) (T, error)

// factories is the table of one provider kind.
type factories[T any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]factory[T]
}

func (f *factories[T]) add(name string, fn factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byName == nil {
		f.byName = make(map[string]factory[T])
	}
	f.byName[name] = fn
}

func (f *factories[T]) build(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.byName[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

// Registry resolves the provider names of a configuration to constructors.
// Registering a name twice replaces the first factory. Safe for concurrent
// use.
type Registry struct {
	llm      factories[llm.Provider]
	stt      factories[stt.Provider]
	tts      factories[tts.Provider]
	dialogue factories[dialogue.Backend]
	vad      factories[vad.Engine]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.llm.kind, r.stt.kind, r.tts.kind, r.dialogue.kind, r.vad.kind = "llm", "stt", "tts", "dialogue", "vad"
	return r
}

func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	r.llm.add(name, f)
}

func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	r.stt.add(name, f)
}

func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	r.tts.add(name, f)
}

func (r *Registry) RegisterDialogue(name string, f func(ProviderEntry) (dialogue.Backend, error)) {
	r.dialogue.add(name, f)
}

func (r *Registry) RegisterVAD(name string, f func(ProviderEntry) (vad.Engine, error)) {
	r.vad.add(name, f)
}

// CreateLLM runs the LLM factory named by entry.Name. Like every Create
// method it fails with [ErrProviderNotRegistered] for an unknown name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.build(entry) }

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.build(entry) }

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.build(entry) }

func (r *Registry) CreateDialogue(entry ProviderEntry) (dialogue.Backend, error) {
	return r.dialogue.build(entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return r.vad.build(entry) }
