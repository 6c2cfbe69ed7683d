// Package forms derives form definitions and form answers from stored
// conversations.
package forms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/formvoice/pkg/analysis"
	"github.com/vango-go/formvoice/pkg/archive"
	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
)

var (
	ErrNoAnalysis   = errors.New("no conversation analysis found; have a conversation before generating the form")
	ErrNoTranscript = errors.New("no transcript found for session")
	ErrNoQuestions  = errors.New("questions are required")
)

// Generator is the text-completion collaborator.
type Generator interface {
	GenerateForm(ctx context.Context, analysisText string) (analysis.Form, error)
	AnalyzeCompletion(ctx context.Context, questions []protocol.Question, transcript string) (string, error)
	GenerateAnswers(ctx context.Context, questions []protocol.Question, analysisText string) (analysis.Answers, error)
}

// Archive is the stored-conversation side of the service.
type Archive interface {
	LatestAnalysis() (string, error)
	Analysis(id string) (string, error)
	LoadTranscript(id string, mode sessions.Mode) (string, error)
	SaveCompletionAnalysis(id, analysisText string) (string, error)
}

// LiveTranscripts exposes transcripts of sessions that have not ended yet.
type LiveTranscripts interface {
	Transcript(id string) (string, bool)
}

type Dependencies struct {
	Generator Generator
	Archive   Archive
	Live      LiveTranscripts
	Logger    *slog.Logger

	// InitialWait and RetryWait give a just-finalized session time to finish
	// its analysis before FromLatestAnalysis gives up.
	InitialWait time.Duration
	RetryWait   time.Duration
}

type Service struct {
	gen         Generator
	archive     Archive
	live        LiveTranscripts
	logger      *slog.Logger
	initialWait time.Duration
	retryWait   time.Duration
}

func New(deps Dependencies) (*Service, error) {
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Archive == nil {
		return nil, fmt.Errorf("archive is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := deps.InitialWait
	if initial < 0 {
		initial = 0
	}
	retry := deps.RetryWait
	if retry < 0 {
		retry = 0
	}
	return &Service{
		gen:         deps.Generator,
		archive:     deps.Archive,
		live:        deps.Live,
		logger:      logger,
		initialWait: initial,
		retryWait:   retry,
	}, nil
}

// FromLatestAnalysis builds a form from the newest stored analysis.
func (s *Service) FromLatestAnalysis(ctx context.Context) (analysis.Form, error) {
	if err := sleep(ctx, s.initialWait); err != nil {
		return analysis.Form{}, err
	}
	text, err := s.archive.LatestAnalysis()
	if errors.Is(err, archive.ErrNotFound) {
		s.logger.Debug("no analysis yet; retrying", "wait", s.retryWait)
		if err := sleep(ctx, s.retryWait); err != nil {
			return analysis.Form{}, err
		}
		text, err = s.archive.LatestAnalysis()
	}
	if errors.Is(err, archive.ErrNotFound) {
		return analysis.Form{}, ErrNoAnalysis
	}
	if err != nil {
		return analysis.Form{}, err
	}
	return s.gen.GenerateForm(ctx, text)
}

// FromSession builds a form from the analysis stored for one session.
func (s *Service) FromSession(ctx context.Context, sessionID string) (analysis.Form, error) {
	text, err := s.archive.Analysis(strings.TrimSpace(sessionID))
	if errors.Is(err, archive.ErrNotFound) {
		return analysis.Form{}, ErrNoAnalysis
	}
	if err != nil {
		return analysis.Form{}, err
	}
	return s.gen.GenerateForm(ctx, text)
}

// Complete answers questions from a form-completion session. The session's
// live transcript is preferred over the stored one.
func (s *Service) Complete(ctx context.Context, sessionID string, questions []protocol.Question) (analysis.Answers, error) {
	sessionID = strings.TrimSpace(sessionID)
	if len(questions) == 0 {
		return analysis.Answers{}, ErrNoQuestions
	}

	text, err := s.transcript(sessionID)
	if err != nil {
		return analysis.Answers{}, err
	}

	summary, err := s.gen.AnalyzeCompletion(ctx, questions, text)
	if err != nil {
		return analysis.Answers{}, fmt.Errorf("analyze completion: %w", err)
	}
	if _, err := s.archive.SaveCompletionAnalysis(sessionID, summary); err != nil {
		s.logger.Warn("failed to save completion analysis", "session_id", sessionID, "error", err)
	}
	return s.gen.GenerateAnswers(ctx, questions, summary)
}

func (s *Service) transcript(sessionID string) (string, error) {
	if s.live != nil {
		if text, ok := s.live.Transcript(sessionID); ok && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	text, err := s.archive.LoadTranscript(sessionID, sessions.ModeCompletion)
	if errors.Is(err, archive.ErrNotFound) || (err == nil && strings.TrimSpace(text) == "") {
		return "", fmt.Errorf("%w %s", ErrNoTranscript, sessionID)
	}
	return text, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
