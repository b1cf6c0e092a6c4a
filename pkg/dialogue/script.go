package dialogue

import (
	"errors"
	"strings"
	"time"
)

type Question struct {
	Topic    string `mapstructure:"topic" json:"topic"`
	Prompt   string `mapstructure:"prompt" json:"prompt"`
	FollowUp string `mapstructure:"follow_up" json:"follow_up,omitempty"`
}

// Phrases are the fixed utterances spoken outside the question flow.
type Phrases struct {
	Greeting string   `mapstructure:"greeting"`
	Closing  string   `mapstructure:"closing"`
	Apology  string   `mapstructure:"apology"`
	Failure  string   `mapstructure:"failure"`
	FollowUp string   `mapstructure:"follow_up"`
	NoInput  []string `mapstructure:"no_input"`
}

// Script is an interview plan. It is loaded once per session and never
// mutated afterwards.
type Script struct {
	ID        string     `mapstructure:"id"`
	Questions []Question `mapstructure:"questions"`
	Phrases   Phrases    `mapstructure:"phrases"`

	// ClosingPhrases end the interview when the candidate says one.
	ClosingPhrases []string      `mapstructure:"closing_phrases"`
	MaxTurns       int           `mapstructure:"max_turns"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
}

func (s Script) Validate() error {
	if len(s.Questions) == 0 {
		return errors.New("script has no questions")
	}
	for _, q := range s.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return errors.New("script question " + q.Topic + " has an empty prompt")
		}
	}
	if strings.TrimSpace(s.Phrases.Greeting) == "" || strings.TrimSpace(s.Phrases.Closing) == "" {
		return errors.New("script needs greeting and closing phrases")
	}
	return nil
}

// WithQuestions returns a copy of s asking the given prompts instead. Blank
// prompts are skipped; an empty list keeps the original questions.
func (s Script) WithQuestions(prompts []string) Script {
	var qs []Question
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" {
			qs = append(qs, Question{Prompt: p})
		}
	}
	if len(qs) == 0 {
		return s
	}
	out := s
	out.Questions = qs
	return out
}

// Merge fills empty fields of s from base.
func (s Script) Merge(base Script) Script {
	if s.ID == "" {
		s.ID = base.ID
	}
	if len(s.Questions) == 0 {
		s.Questions = base.Questions
	}
	p, bp := &s.Phrases, base.Phrases
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&p.Greeting, bp.Greeting},
		{&p.Closing, bp.Closing},
		{&p.Apology, bp.Apology},
		{&p.Failure, bp.Failure},
		{&p.FollowUp, bp.FollowUp},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.src
		}
	}
	if len(p.NoInput) == 0 {
		p.NoInput = bp.NoInput
	}
	if len(s.ClosingPhrases) == 0 {
		s.ClosingPhrases = base.ClosingPhrases
	}
	if s.MaxTurns == 0 {
		s.MaxTurns = base.MaxTurns
	}
	if s.MaxDuration == 0 {
		s.MaxDuration = base.MaxDuration
	}
	return s
}

// DefaultScript is the five question phone screen.
func DefaultScript() Script {
	return Script{
		ID: "screening-v1",
		Questions: []Question{
			{
				Topic:    "introduction",
				Prompt:   "First, could you please introduce yourself and tell me a bit about your background?",
				FollowUp: "Could you tell me a little more about your most recent role?",
			},
			{
				Topic:    "technical_skills",
				Prompt:   "Which technical skills and tools do you rely on most, and how have you used them recently?",
				FollowUp: "Can you give me a concrete example of that?",
			},
			{
				Topic:    "project_experience",
				Prompt:   "Tell me about a specific project you worked on. What was your role and what did you contribute?",
				FollowUp: "What was the outcome of that project?",
			},
			{
				Topic:    "problem_solving",
				Prompt:   "Describe a challenging situation you faced at work and how you handled it.",
				FollowUp: "What would you do differently next time?",
			},
			{
				Topic:    "culture_goals",
				Prompt:   "Finally, what are your career goals, and what are you looking for in your next team?",
				FollowUp: "What kind of environment helps you do your best work?",
			},
		},
		Phrases: Phrases{
			Greeting: "Hi! This is Alex from FirstRound AI. Thanks for taking my call! I've reviewed your resume and I'm excited to learn more about your experience. This will be a quick screening call. Let's get started.",
			Closing:  "Thank you so much for your time today. We'll be in touch soon with next steps. Have a great day!",
			Apology:  "I apologize, I'm having some technical difficulties. Could you please repeat that?",
			Failure:  "I'm sorry, we're having technical difficulties and need to end the call here. We'll be in touch soon.",
			FollowUp: "Could you elaborate on that a little more?",
			NoInput:  []string{"I didn't catch that. Let me try again.", "Are you still there?"},
		},
		ClosingPhrases: []string{"end the interview", "stop the interview", "i have to go", "i need to go", "goodbye"},
		MaxTurns:       12,
		MaxDuration:    20 * time.Minute,
	}
}
