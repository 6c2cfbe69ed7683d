// Package transcript turns classified realtime events into a readable
// conversation transcript.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

type Speaker string

const (
	User      Speaker = "User"
	Assistant Speaker = "Assistant"
)

// Item is one utterance or utterance fragment. Items are never mutated after
// they are appended to a session.
type Item struct {
	Speaker Speaker
	Content string
	At      time.Time
	Delta   bool
}

// Separator is the rule between a stored document's header and its body.
var Separator = strings.Repeat("=", 80)

// ClassifyClient maps a client event to a conversation item. Client frames carry
// no conversation text; user speech arrives via upstream transcription events.
func ClassifyClient(ev protocol.ClientEvent) (Item, bool) {
	return Item{}, false
}

// ClassifyUpstream maps an upstream event to at most one conversation item.
func ClassifyUpstream(ev protocol.UpstreamEvent) (Item, bool) {
	now := time.Now()
	switch e := ev.(type) {
	case protocol.TranscriptionCompleted:
		return Item{Speaker: User, Content: e.Text(), At: now}, true
	case protocol.AudioTranscriptDelta:
		return Item{Speaker: Assistant, Content: e.Delta, At: now, Delta: true}, true
	case protocol.TextDelta:
		return Item{Speaker: Assistant, Content: e.Delta, At: now, Delta: true}, true
	default:
		return Item{}, false
	}
}

// Render coalesces assistant deltas into utterances and emits one
// "<Speaker>: <text>" line per utterance, each followed by a blank line.
func Render(items []Item) string {
	var b strings.Builder
	var acc strings.Builder
	var last Speaker

	flush := func() {
		if acc.Len() == 0 {
			return
		}
		if text := strings.TrimSpace(acc.String()); text != "" {
			writeLine(&b, Assistant, text)
		}
		acc.Reset()
	}

	for _, item := range items {
		switch {
		case item.Speaker == User:
			if last == Assistant {
				flush()
			}
			writeLine(&b, User, item.Content)
			last = User
		case item.Delta:
			acc.WriteString(item.Content)
			last = Assistant
		default:
			flush()
			writeLine(&b, Assistant, item.Content)
			last = Assistant
		}
	}
	flush()
	return b.String()
}

func writeLine(b *strings.Builder, speaker Speaker, content string) {
	b.WriteString(string(speaker))
	b.WriteString(": ")
	b.WriteString(content)
	b.WriteString("\n\n")
}

// Header describes a stored transcript document.
type Header struct {
	SessionID string
	Started   time.Time
	Ended     time.Time
}

// FormatDocument renders the stored form of a session transcript.
func FormatDocument(h Header, items []Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation Session: %s\n", h.SessionID)
	fmt.Fprintf(&b, "Started: %s\n", h.Started.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Ended: %s\n", h.Ended.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Messages: %d\n", len(items))
	b.WriteString(Separator)
	b.WriteString("\n\n")
	b.WriteString(Render(items))
	return b.String()
}

// ExtractBody returns the transcript text following the header separator. A
// document without a separator is returned whole, trimmed.
func ExtractBody(document string) string {
	lines := strings.Split(document, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "=====") {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return strings.TrimSpace(document)
}
