package rekrut

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/rekrut/pkg/dialogue"
	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/pipeline"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Transports  TransportsConfig  `mapstructure:"transports"`
	Recognizer  VendorConfig      `mapstructure:"recognizer"`
	Synthesizer VendorConfig      `mapstructure:"synthesizer"`
	LLM         VendorConfig      `mapstructure:"llm"`
	Pipeline    pipeline.Settings `mapstructure:"pipeline"`
	Dialogue    DialogueConfig    `mapstructure:"dialogue"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Evaluation  EvaluationConfig  `mapstructure:"evaluation"`
	Logging     logging.Config    `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	PublicURL       string `mapstructure:"public_url"`
	ShutdownGraceMS int    `mapstructure:"shutdown_grace_ms"`
	AccessLog       bool   `mapstructure:"access_log"`
}

type TransportConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Twilio TransportConfig `mapstructure:"twilio"`
	WebRTC TransportConfig `mapstructure:"webrtc"`
}

type DialogueConfig struct {
	// Engine is "scripted" or "conversational".
	Engine         string                     `mapstructure:"engine"`
	MaxTurns       int                        `mapstructure:"max_turns"`
	MaxDurationMS  int                        `mapstructure:"max_duration_ms"`
	MinAnswerWords int                        `mapstructure:"min_answer_words"`
	MinConfidence  float64                    `mapstructure:"min_confidence"`
	MaxFollowUps   *int                       `mapstructure:"max_follow_ups"`
	Questions      []string                   `mapstructure:"questions"`
	Scripts        map[string]dialogue.Script `mapstructure:"scripts"`
}

type StorageConfig struct {
	// Driver is "file", "sqlite" or "both".
	Driver         string             `mapstructure:"driver"`
	DSN            string             `mapstructure:"dsn"`
	LogsDir        string             `mapstructure:"logs_dir"`
	ArtifactsDir   string             `mapstructure:"artifacts_dir"`
	RetentionHours int                `mapstructure:"retention_hours"`
	Applications   ApplicationsConfig `mapstructure:"applications"`
}

type ApplicationsConfig struct {
	// Backend is "sqlite", "http" or "none".
	Backend string `mapstructure:"backend"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// MetricsConfig controls pipeline event export. Events named in
// SampledEvents are forwarded at SampleRate; everything else is kept.
type MetricsConfig struct {
	EventsPath    string   `mapstructure:"events_path"`
	SampleRate    float64  `mapstructure:"sample_rate"`
	SampledEvents []string `mapstructure:"sampled_events"`
}

type EvaluationConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Workers           int  `mapstructure:"workers"`
	QueueSize         int  `mapstructure:"queue_size"`
	evaluation.Config `mapstructure:",squash"`
}

func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err.Error())
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REKRUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_grace_ms", 30000)
	v.SetDefault("server.access_log", true)
	v.SetDefault("transports.webrtc.enabled", true)
	v.SetDefault("transports.twilio.enabled", false)
	v.SetDefault("recognizer.provider", "deepgram")
	v.SetDefault("synthesizer.provider", "elevenlabs")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("pipeline.silence_timeout_ms", 800)
	v.SetDefault("pipeline.thinking_timeout_ms", 10000)
	v.SetDefault("pipeline.closing_timeout_ms", 3000)
	v.SetDefault("pipeline.max_session_duration_ms", 30*60*1000)
	v.SetDefault("pipeline.no_input_timeout_ms", 12000)
	v.SetDefault("dialogue.engine", "scripted")
	v.SetDefault("dialogue.min_answer_words", 4)
	v.SetDefault("dialogue.min_confidence", 0.6)
	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dsn", "rekrut.db")
	v.SetDefault("storage.logs_dir", "interview_logs")
	v.SetDefault("storage.retention_hours", 0)
	v.SetDefault("storage.applications.backend", "none")
	v.SetDefault("evaluation.enabled", true)
	v.SetDefault("evaluation.workers", 2)
	v.SetDefault("evaluation.queue_size", 64)
	v.SetDefault("evaluation.max_tokens", 500)
	v.SetDefault("evaluation.min_turns", 2)
	v.SetDefault("evaluation.timeout", "60s")
	v.SetDefault("evaluation.max_retries", 2)
	v.SetDefault("evaluation.backoff", "1s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.redact", true)
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.sampled_events", []string{"frames_dropped", "audio_in", "audio_out"})

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !c.Transports.Twilio.Enabled && !c.Transports.WebRTC.Enabled {
		return fmt.Errorf("at least one of transports.twilio or transports.webrtc must be enabled")
	}
	if strings.TrimSpace(c.Recognizer.Provider) == "" {
		return fmt.Errorf("recognizer.provider is required")
	}
	if strings.TrimSpace(c.Synthesizer.Provider) == "" {
		return fmt.Errorf("synthesizer.provider is required")
	}
	switch strings.ToLower(c.Dialogue.Engine) {
	case "", "scripted":
	case "conversational":
		if strings.TrimSpace(c.LLM.Provider) == "" {
			return fmt.Errorf("llm.provider is required for the conversational engine")
		}
	default:
		return fmt.Errorf("dialogue.engine must be scripted or conversational, got %q", c.Dialogue.Engine)
	}
	if c.Evaluation.Enabled && strings.TrimSpace(c.LLM.Provider) == "" {
		return fmt.Errorf("llm.provider is required when evaluation is enabled")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "file", "both":
		if strings.TrimSpace(c.Storage.LogsDir) == "" {
			return fmt.Errorf("storage.logs_dir is required for the file driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("storage.driver must be file, sqlite or both, got %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Storage.Applications.Backend) {
	case "", "none", "sqlite":
	case "http":
		if strings.TrimSpace(c.Storage.Applications.BaseURL) == "" {
			return fmt.Errorf("storage.applications.base_url is required for the http backend")
		}
	default:
		return fmt.Errorf("storage.applications.backend must be sqlite, http or none, got %q", c.Storage.Applications.Backend)
	}
	for id, s := range c.Dialogue.Scripts {
		if err := s.Merge(dialogue.DefaultScript()).Validate(); err != nil {
			return fmt.Errorf("dialogue.scripts.%s: %w", id, err)
		}
	}
	return nil
}

// PipelineConfig resolves the per-session loop settings.
func (c Config) PipelineConfig() pipeline.Config {
	return c.Pipeline.Config()
}

// Policy resolves the follow-up thresholds.
func (c Config) Policy() dialogue.Policy {
	p := dialogue.DefaultPolicy()
	if c.Dialogue.MinAnswerWords > 0 {
		p.MinAnswerWords = c.Dialogue.MinAnswerWords
	}
	if c.Dialogue.MinConfidence > 0 {
		p.MinConfidence = c.Dialogue.MinConfidence
	}
	if c.Dialogue.MaxFollowUps != nil && *c.Dialogue.MaxFollowUps >= 0 {
		p.MaxFollowUps = *c.Dialogue.MaxFollowUps
	}
	return p
}

// Script picks the interview script for id, falling back to the default
// screening script. Configured limits and questions override the script's.
func (c Config) Script(id string) dialogue.Script {
	base := dialogue.DefaultScript()
	script := base
	if s, ok := c.Dialogue.Scripts[id]; ok && id != "" {
		script = s.Merge(base)
		if script.ID == base.ID {
			script.ID = id
		}
	} else {
		script = script.WithQuestions(c.Dialogue.Questions)
	}
	if c.Dialogue.MaxTurns > 0 {
		script.MaxTurns = c.Dialogue.MaxTurns
	}
	if c.Dialogue.MaxDurationMS > 0 {
		script.MaxDuration = time.Duration(c.Dialogue.MaxDurationMS) * time.Millisecond
	}
	return script
}

func (c Config) ShutdownGrace() time.Duration {
	if c.Server.ShutdownGraceMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Server.ShutdownGraceMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
	cfg.Synthesizer.Settings = expandSettings(cfg.Synthesizer.Settings)
	cfg.LLM.Settings = expandSettings(cfg.LLM.Settings)
	cfg.Transports.Twilio.Settings = expandSettings(cfg.Transports.Twilio.Settings)
	cfg.Transports.WebRTC.Settings = expandSettings(cfg.Transports.WebRTC.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				expandValue(v.Field(i))
			}
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
