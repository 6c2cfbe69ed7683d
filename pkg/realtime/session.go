package realtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v2"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

const DefaultVoice = "alloy"

// CreationInstructions guide the user towards defining a form.
const CreationInstructions = `
You are a focused assistant. Guide the user in defining the key information to create a form.
Be concise, direct, and structured. Ask only essential questions (purpose, target audience,
type of fields, expected outputs). Do not repeat information that is already clear and precise.
If something is vague, clarify it. If something is clear, move forward and suggest only
what adds value or fills gaps. Stay straight to the point, no small talk.
`

// CompletionInstructions walk the user through answering an existing form.
// {questions} is replaced with one line per question.
const CompletionInstructions = `
You are a friendly interviewer helping the user fill out a form by voice.
Ask the following questions one at a time, in order, and wait for each answer:

{questions}

Keep each question short. If an answer is unclear or does not match the expected type,
ask once for clarification and then move on. When every question has been answered,
briefly confirm that the form is complete.
`

type Transcription struct {
	Model string `json:"model" yaml:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type" yaml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response" yaml:"create_response"`
	InterruptResponse bool    `json:"interrupt_response" yaml:"interrupt_response"`
}

// SessionConfig is the "session" object of the session.update frame.
type SessionConfig struct {
	Instructions            string         `json:"instructions" yaml:"instructions"`
	Voice                   string         `json:"voice" yaml:"voice"`
	InputAudioFormat        string         `json:"input_audio_format" yaml:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format" yaml:"output_audio_format"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty" yaml:"input_audio_transcription"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty" yaml:"turn_detection"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Instructions:            CreationInstructions,
		Voice:                   DefaultVoice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &Transcription{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.65,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 300,
			CreateResponse:    true,
			InterruptResponse: true,
		},
	}
}

func (c SessionConfig) clone() SessionConfig {
	out := c
	if c.InputAudioTranscription != nil {
		t := *c.InputAudioTranscription
		out.InputAudioTranscription = &t
	}
	if c.TurnDetection != nil {
		td := *c.TurnDetection
		out.TurnDetection = &td
	}
	return out
}

// BuildSessionConfig applies mode overrides to base. Completion mode with at
// least one question swaps in the completion instructions.
func BuildSessionConfig(base SessionConfig, completion bool, questions []protocol.Question) SessionConfig {
	cfg := base.clone()
	if completion && len(questions) > 0 {
		cfg.Instructions = strings.Replace(CompletionInstructions, "{questions}", QuestionList(questions), 1)
	}
	return cfg
}

// QuestionList renders "- <question> (Type: <kind>)" lines.
func QuestionList(questions []protocol.Question) string {
	lines := make([]string, 0, len(questions))
	for _, q := range questions {
		lines = append(lines, fmt.Sprintf("- %s (Type: %s)", q.Question, q.Kind()))
	}
	return strings.Join(lines, "\n")
}

// LoadSessionConfig reads overrides for the default session configuration from
// a YAML or JSON file. An empty path returns the defaults.
func LoadSessionConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("read session config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return SessionConfig{}, fmt.Errorf("parse json session config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return SessionConfig{}, fmt.Errorf("parse yaml session config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
				return SessionConfig{}, fmt.Errorf("unsupported session config format: %s", filepath.Ext(path))
			}
		}
	}

	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultVoice
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = CreationInstructions
	}
	return cfg, nil
}
