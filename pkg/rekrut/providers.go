package rekrut

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/configutil"
	"github.com/harunnryd/rekrut/pkg/llm"
	"github.com/harunnryd/rekrut/pkg/providers/deepgram"
	"github.com/harunnryd/rekrut/pkg/providers/elevenlabs"
	"github.com/harunnryd/rekrut/pkg/providers/mock"
	"github.com/harunnryd/rekrut/pkg/providers/openai"
	"github.com/harunnryd/rekrut/pkg/resilience"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	EventBuffer    int    `mapstructure:"event_buffer"`
}

type elevenlabsSettings struct {
	APIKey       string   `mapstructure:"api_key"`
	VoiceID      string   `mapstructure:"voice_id"`
	ModelID      string   `mapstructure:"model_id"`
	OutputFormat string   `mapstructure:"output_format"`
	BaseURL      string   `mapstructure:"base_url"`
	Stability    *float64 `mapstructure:"stability"`
	Similarity   *float64 `mapstructure:"similarity"`
	FrameBuffer  int      `mapstructure:"frame_buffer"`
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type mockRecognizerSettings struct {
	Answers         []string `mapstructure:"answers"`
	FramesPerAnswer int      `mapstructure:"frames_per_answer"`
	Confidence      float64  `mapstructure:"confidence"`
	FailOpens       int      `mapstructure:"fail_opens"`
}

type mockSynthesizerSettings struct {
	FramesPerUtterance int    `mapstructure:"frames_per_utterance"`
	FrameDelayMS       int    `mapstructure:"frame_delay_ms"`
	FailContaining     string `mapstructure:"fail_containing"`
	FailAll            bool   `mapstructure:"fail_all"`
}

type mockLLMSettings struct {
	Responses []string `mapstructure:"responses"`
	DelayMS   int      `mapstructure:"delay_ms"`
}

// RegisterBuiltinProviders registers the vendors shipped with the module:
// deepgram, elevenlabs, openai and the offline mocks.
func RegisterBuiltinProviders(reg *ProviderRegistry) {
	reg.RegisterRecognizer("deepgram", func(cfg Config) (stt.Recognizer, error) {
		if err := configutil.ValidateSettings("recognizer.settings", cfg.Recognizer.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms", "event_buffer"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "recognizer.settings.api_key"); err != nil {
			return nil, err
		}
		settings.Encoding = configutil.StringValue(settings.Encoding, "mulaw")
		if !validDeepgramEncoding(settings.Encoding) {
			return nil, fmt.Errorf("recognizer.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd > 5000 {
			return nil, fmt.Errorf("recognizer.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       configutil.StringValue(settings.Language, cfg.PipelineConfig().Language),
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			Interim:        configutil.BoolValue(settings.Interim, true),
			VADEvents:      configutil.BoolValue(settings.VADEvents, true),
			UtteranceEndMS: utteranceEnd,
			EventBuffer:    settings.EventBuffer,
		}), nil
	})

	reg.RegisterRecognizer("mock", func(cfg Config) (stt.Recognizer, error) {
		if err := configutil.ValidateSettings("recognizer.settings", cfg.Recognizer.Settings, configutil.Schema{
			Optional: []string{"answers", "frames_per_answer", "confidence", "fail_opens"},
		}); err != nil {
			return nil, err
		}
		var settings mockRecognizerSettings
		if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewRecognizer(mock.RecognizerConfig{
			Answers:         settings.Answers,
			FramesPerAnswer: settings.FramesPerAnswer,
			Confidence:      settings.Confidence,
			FailOpens:       settings.FailOpens,
		}), nil
	})

	reg.RegisterSynthesizer("elevenlabs", func(cfg Config) (tts.Synthesizer, error) {
		if err := configutil.ValidateSettings("synthesizer.settings", cfg.Synthesizer.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "base_url", "stability", "similarity", "frame_buffer"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Synthesizer.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "synthesizer.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "synthesizer.settings.voice_id"); err != nil {
			return nil, err
		}
		format := configutil.StringValue(settings.OutputFormat, "ulaw_8000")
		if format != "ulaw_8000" {
			return nil, fmt.Errorf("synthesizer.settings.output_format must be ulaw_8000 for both transports, got %s", format)
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       settings.APIKey,
			VoiceID:      settings.VoiceID,
			ModelID:      settings.ModelID,
			OutputFormat: format,
			BaseURL:      settings.BaseURL,
			Stability:    configutil.FloatValue(settings.Stability, 0),
			Similarity:   configutil.FloatValue(settings.Similarity, 0),
			FrameBuffer:  settings.FrameBuffer,
		}), nil
	})

	reg.RegisterSynthesizer("mock", func(cfg Config) (tts.Synthesizer, error) {
		if err := configutil.ValidateSettings("synthesizer.settings", cfg.Synthesizer.Settings, configutil.Schema{
			Optional: []string{"frames_per_utterance", "frame_delay_ms", "fail_containing", "fail_all"},
		}); err != nil {
			return nil, err
		}
		var settings mockSynthesizerSettings
		if err := configutil.DecodeSettings(cfg.Synthesizer.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(mock.SynthesizerConfig{
			FramesPerUtterance: settings.FramesPerUtterance,
			FrameDelay:         configutil.Millis(settings.FrameDelayMS, 20*time.Millisecond),
			FailContaining:     settings.FailContaining,
			FailAll:            settings.FailAll,
		}), nil
	})

	reg.RegisterLLM("openai", func(cfg Config) (llm.Client, error) {
		if err := configutil.ValidateSettings("llm.settings", cfg.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "llm.settings.api_key"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		if configutil.BoolValue(settings.UseCircuitBreaker, true) {
			threshold := settings.CircuitThreshold
			if threshold <= 0 {
				threshold = 3
			}
			adapter.Breaker = resilience.NewCircuitBreaker(threshold, configutil.Millis(settings.CircuitCooldownMs, 30*time.Second))
		}
		return adapter, nil
	})

	reg.RegisterLLM("mock", func(cfg Config) (llm.Client, error) {
		if err := configutil.ValidateSettings("llm.settings", cfg.LLM.Settings, configutil.Schema{
			Optional: []string{"responses", "delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLM(mock.LLMConfig{
			Responses: settings.Responses,
			Delay:     configutil.Millis(settings.DelayMS, 0),
		}), nil
	})
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}
