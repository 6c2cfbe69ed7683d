// Package archive stores finalized conversation transcripts and their analyses
// as text files.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
	"github.com/vango-go/formvoice/pkg/transcript"
)

const (
	DiscussionsDir           = "discussions"
	CompletionDiscussionsDir = "discussions_form_completion"
	AnalysisDir              = "analysis"
	CompletionAnalysisDir    = "analysis_form_completion"

	intentMarker = "1. User's main intent/goal:"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNothingToSave = errors.New("no conversation to save")
)

var (
	analysisHeader           = "USER INTENT ANALYSIS\n" + strings.Repeat("=", 20) + "\n\n"
	completionAnalysisHeader = "FORM COMPLETION ANALYSIS\n" + strings.Repeat("=", 25) + "\n"
	validSessionID           = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Analyzer produces an intent analysis of a stored transcript document.
type Analyzer interface {
	AnalyzeTranscript(ctx context.Context, document string) (string, error)
}

type Option func(*FileArchive)

func WithClock(now func() time.Time) Option {
	return func(a *FileArchive) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAnalysisObserver is called after every analysis attempt.
func WithAnalysisObserver(fn func(err error, elapsed time.Duration)) Option {
	return func(a *FileArchive) { a.observeAnalysis = fn }
}

// FileArchive implements sessions.Persister on a directory tree.
type FileArchive struct {
	root            string
	analyzer        Analyzer
	logger          *slog.Logger
	now             func() time.Time
	observeAnalysis func(err error, elapsed time.Duration)
}

// New creates the archive directories under root.
func New(root string, analyzer Analyzer, logger *slog.Logger, opts ...Option) (*FileArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	a := &FileArchive{root: root, analyzer: analyzer, logger: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	for _, dir := range []string{DiscussionsDir, CompletionDiscussionsDir, AnalysisDir, CompletionAnalysisDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return a, nil
}

func (a *FileArchive) Root() string { return a.root }

// ValidSessionID reports whether id is safe to embed in a file name.
func ValidSessionID(id string) bool {
	return validSessionID.MatchString(id)
}

func discussionDir(mode sessions.Mode) string {
	if mode == sessions.ModeCompletion {
		return CompletionDiscussionsDir
	}
	return DiscussionsDir
}

// FileTimestamp formats t the way stored file names carry it: ISO-8601 with
// ':' and '.' replaced by '-'.
func FileTimestamp(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(t.Format("2006-01-02T15:04:05.000000"))
}

// Persist writes the transcript document, then runs and stores the analysis.
// Only the transcript write can fail the call; analysis failures are logged.
func (a *FileArchive) Persist(ctx context.Context, snap sessions.Snapshot) (string, error) {
	if len(snap.Items) == 0 {
		return "", ErrNothingToSave
	}
	if !validSessionID.MatchString(snap.ID) {
		return "", fmt.Errorf("invalid session id %q", snap.ID)
	}

	ended := snap.EndedAt
	if ended.IsZero() {
		ended = a.now()
	}
	document := transcript.FormatDocument(transcript.Header{
		SessionID: snap.ID,
		Started:   snap.CreatedAt,
		Ended:     ended,
	}, snap.Items)

	name := fmt.Sprintf("conversation_%s_%s.txt", snap.ID, FileTimestamp(a.now()))
	rel := filepath.Join(discussionDir(snap.Mode), name)
	if err := writeFile(filepath.Join(a.root, rel), document); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	a.logger.Info("transcript written", "session_id", snap.ID, "mode", string(snap.Mode), "file", rel)

	a.analyze(ctx, snap.ID, document)
	return rel, nil
}

func (a *FileArchive) analyze(ctx context.Context, id, document string) {
	if a.analyzer == nil {
		return
	}
	start := time.Now()
	result, err := a.analyzer.AnalyzeTranscript(ctx, document)
	if err == nil && strings.HasPrefix(strings.TrimSpace(result), "Error:") {
		err = errors.New(strings.TrimSpace(result))
	}
	if a.observeAnalysis != nil {
		a.observeAnalysis(err, time.Since(start))
	}
	if err != nil {
		a.logger.Warn("transcript analysis failed", "session_id", id, "error", err)
		return
	}

	path := filepath.Join(a.root, AnalysisDir, id+"_analysis.txt")
	if err := writeFile(path, analysisHeader+result); err != nil {
		a.logger.Error("failed to write analysis", "session_id", id, "error", err)
		return
	}
	a.logger.Info("analysis written", "session_id", id)
}

// LoadTranscript returns the body of the newest stored transcript for id.
// Completion mode also searches the creation directory.
func (a *FileArchive) LoadTranscript(id string, mode sessions.Mode) (string, error) {
	if !validSessionID.MatchString(id) {
		return "", ErrNotFound
	}
	dirs := []string{DiscussionsDir}
	if mode == sessions.ModeCompletion {
		dirs = []string{CompletionDiscussionsDir, DiscussionsDir}
	}
	prefix := "conversation_" + id + "_"
	for _, dir := range dirs {
		files, err := a.newestFirst(dir, func(name string) bool {
			return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".txt")
		})
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			continue
		}
		data, err := os.ReadFile(files[0].path)
		if err != nil {
			return "", fmt.Errorf("read transcript: %w", err)
		}
		return transcript.ExtractBody(string(data)), nil
	}
	return "", ErrNotFound
}

// Analysis returns the stored analysis for id without its header.
func (a *FileArchive) Analysis(id string) (string, error) {
	if !validSessionID.MatchString(id) {
		return "", ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(a.root, AnalysisDir, id+"_analysis.txt"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read analysis: %w", err)
	}
	return strings.TrimSpace(strings.TrimPrefix(string(data), analysisHeader)), nil
}

// LatestAnalysis returns the most recently written analysis, starting at the
// intent line when present.
func (a *FileArchive) LatestAnalysis() (string, error) {
	files, err := a.newestFirst(AnalysisDir, func(name string) bool {
		return strings.HasSuffix(name, "_analysis.txt")
	})
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", ErrNotFound
	}
	data, err := os.ReadFile(files[0].path)
	if err != nil {
		return "", fmt.Errorf("read analysis: %w", err)
	}
	content := string(data)
	if idx := strings.Index(content, intentMarker); idx >= 0 {
		return strings.TrimSpace(content[idx:]), nil
	}
	return strings.TrimSpace(strings.TrimPrefix(content, analysisHeader)), nil
}

// SaveCompletionAnalysis stores the analysis of a form-completion session.
func (a *FileArchive) SaveCompletionAnalysis(id, analysis string) (string, error) {
	if !validSessionID.MatchString(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	rel := filepath.Join(CompletionAnalysisDir, id+"_form_completion_analysis.txt")
	content := completionAnalysisHeader +
		"Session ID: " + id + "\n" +
		"Analyzed: " + a.now().Format(time.RFC3339Nano) + "\n\n" +
		analysis
	if err := writeFile(filepath.Join(a.root, rel), content); err != nil {
		return "", fmt.Errorf("write completion analysis: %w", err)
	}
	return rel, nil
}

// Conversation describes one stored transcript.
type Conversation struct {
	SessionID   string        `json:"session_id"`
	Mode        sessions.Mode `json:"mode"`
	File        string        `json:"file"`
	SavedAt     time.Time     `json:"saved_at"`
	HasAnalysis bool          `json:"has_analysis"`
}

// List returns stored transcripts, newest first.
func (a *FileArchive) List() ([]Conversation, error) {
	var out []Conversation
	for _, mode := range []sessions.Mode{sessions.ModeCreation, sessions.ModeCompletion} {
		dir := discussionDir(mode)
		files, err := a.newestFirst(dir, func(name string) bool {
			return strings.HasPrefix(name, "conversation_") && strings.HasSuffix(name, ".txt")
		})
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			id := sessionIDFromFile(f.name)
			_, statErr := os.Stat(filepath.Join(a.root, AnalysisDir, id+"_analysis.txt"))
			out = append(out, Conversation{
				SessionID:   id,
				Mode:        mode,
				File:        filepath.Join(dir, f.name),
				SavedAt:     f.modTime,
				HasAnalysis: statErr == nil,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// sessionIDFromFile strips "conversation_" and the trailing "_<timestamp>.txt".
// Timestamps contain no '_' so the last underscore ends the id.
func sessionIDFromFile(name string) string {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "conversation_"), ".txt")
	if idx := strings.LastIndex(name, "_"); idx > 0 {
		return name[:idx]
	}
	return name
}

type storedFile struct {
	name    string
	path    string
	modTime time.Time
}

func (a *FileArchive) newestFirst(dir string, match func(name string) bool) ([]storedFile, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []storedFile
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, storedFile{
			name:    e.Name(),
			path:    filepath.Join(a.root, dir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].name > files[j].name
		}
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

// writeFile writes through a temp file so readers never see a partial file.
func writeFile(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
