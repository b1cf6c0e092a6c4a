package rekrut

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/llm"
)

type RecognizerFactory func(cfg Config) (stt.Recognizer, error)
type SynthesizerFactory func(cfg Config) (tts.Synthesizer, error)
type LLMFactory func(cfg Config) (llm.Client, error)

// ProviderRegistry maps vendor names to the factories that build their
// adapters from config. Names are case-insensitive.
type ProviderRegistry struct {
	recognizers  map[string]RecognizerFactory
	synthesizers map[string]SynthesizerFactory
	llms         map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		recognizers:  make(map[string]RecognizerFactory),
		synthesizers: make(map[string]SynthesizerFactory),
		llms:         make(map[string]LLMFactory),
	}
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.recognizers[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterSynthesizer(name string, factory SynthesizerFactory) {
	r.synthesizers[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llms[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildRecognizer(provider string, cfg Config) (stt.Recognizer, error) {
	fn := r.recognizers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s (have %s)", provider, names(r.recognizers))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildSynthesizer(provider string, cfg Config) (tts.Synthesizer, error) {
	fn := r.synthesizers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("synthesizer provider not registered: %s (have %s)", provider, names(r.synthesizers))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Client, error) {
	fn := r.llms[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s (have %s)", provider, names(r.llms))
	}
	return fn(cfg)
}

func names[V any](m map[string]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
