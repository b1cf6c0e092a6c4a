package pipeline

import (
	"log/slog"
	"time"

	"github.com/harunnryd/rekrut/pkg/turn"
)

// Config bounds one session's turn-taking loop.
type Config struct {
	SilenceTimeout     time.Duration
	ThinkingTimeout    time.Duration
	ClosingTimeout     time.Duration
	MaxSessionDuration time.Duration
	NoInputTimeout     time.Duration
	MaxReprompts       int
	RecognizerRetries  int
	Language           string
	BargeIn            turn.BargeInDetector
}

func DefaultConfig() Config {
	return Config{
		SilenceTimeout:     800 * time.Millisecond,
		ThinkingTimeout:    10 * time.Second,
		ClosingTimeout:     3 * time.Second,
		MaxSessionDuration: 30 * time.Minute,
		NoInputTimeout:     12 * time.Second,
		MaxReprompts:       2,
		RecognizerRetries:  1,
		Language:           "en-US",
		BargeIn: turn.BargeInDetector{
			Strategy: turn.AggressiveStrategy{},
			MinWords: 2,
			UseVAD:   true,
		},
	}
}

// Settings is the `pipeline` config section. Durations are milliseconds.
type Settings struct {
	SilenceTimeoutMS     int    `mapstructure:"silence_timeout_ms"`
	ThinkingTimeoutMS    int    `mapstructure:"thinking_timeout_ms"`
	ClosingTimeoutMS     int    `mapstructure:"closing_timeout_ms"`
	MaxSessionDurationMS int    `mapstructure:"max_session_duration_ms"`
	NoInputTimeoutMS     int    `mapstructure:"no_input_timeout_ms"`
	MaxReprompts         *int   `mapstructure:"max_reprompts"`
	RecognizerRetries    *int   `mapstructure:"recognizer_retries"`
	BargeIn              *bool  `mapstructure:"barge_in"`
	BargeInMinWords      int    `mapstructure:"barge_in_min_words"`
	BargeInVAD           *bool  `mapstructure:"barge_in_vad"`
	Language             string `mapstructure:"language"`
}

// Config resolves settings over the defaults.
func (s Settings) Config() Config {
	cfg := DefaultConfig()
	ms := func(v int, fallback time.Duration) time.Duration {
		if v <= 0 {
			return fallback
		}
		return time.Duration(v) * time.Millisecond
	}
	cfg.SilenceTimeout = ms(s.SilenceTimeoutMS, cfg.SilenceTimeout)
	cfg.ThinkingTimeout = ms(s.ThinkingTimeoutMS, cfg.ThinkingTimeout)
	cfg.ClosingTimeout = ms(s.ClosingTimeoutMS, cfg.ClosingTimeout)
	cfg.MaxSessionDuration = ms(s.MaxSessionDurationMS, cfg.MaxSessionDuration)
	cfg.NoInputTimeout = ms(s.NoInputTimeoutMS, cfg.NoInputTimeout)
	if s.MaxReprompts != nil && *s.MaxReprompts >= 0 {
		cfg.MaxReprompts = *s.MaxReprompts
	}
	if s.RecognizerRetries != nil && *s.RecognizerRetries >= 0 {
		cfg.RecognizerRetries = *s.RecognizerRetries
	}
	if s.BargeIn != nil {
		cfg.BargeIn.Strategy = turn.StrategyFor(*s.BargeIn)
	}
	if s.BargeInMinWords > 0 {
		cfg.BargeIn.MinWords = s.BargeInMinWords
	}
	if s.BargeInVAD != nil {
		cfg.BargeIn.UseVAD = *s.BargeInVAD
	}
	if s.Language != "" {
		cfg.Language = s.Language
	}
	return cfg
}

func LogConfiguration(cfg Config) {
	strategy := "none"
	if cfg.BargeIn.Strategy != nil {
		strategy = cfg.BargeIn.Strategy.Name()
	}
	slog.Info("pipeline_config",
		"silence_timeout_ms", cfg.SilenceTimeout.Milliseconds(),
		"thinking_timeout_ms", cfg.ThinkingTimeout.Milliseconds(),
		"max_session_duration_ms", cfg.MaxSessionDuration.Milliseconds(),
		"no_input_timeout_ms", cfg.NoInputTimeout.Milliseconds(),
		"barge_in", strategy,
	)
}
