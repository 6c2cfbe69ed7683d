package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

func strPtr(s string) *string { return &s }

func classifyAll(t *testing.T, events ...protocol.UpstreamEvent) []Item {
	t.Helper()
	var items []Item
	for _, ev := range events {
		if item, ok := ClassifyUpstream(ev); ok {
			items = append(items, item)
		}
	}
	return items
}

func TestRender_ScriptedConversation(t *testing.T) {
	items := classifyAll(t,
		protocol.TranscriptionCompleted{Transcript: strPtr("Hello")},
		protocol.AudioTranscriptDelta{Delta: "Hi"},
		protocol.AudioTranscriptDelta{Delta: " there"},
		protocol.TranscriptionCompleted{Transcript: strPtr("Bye")},
	)
	require.Len(t, items, 4)
	assert.Equal(t, "User: Hello\n\nAssistant: Hi there\n\nUser: Bye\n\n", Render(items))
}

func TestRender_TrailingAssistantFlushed(t *testing.T) {
	items := classifyAll(t,
		protocol.TranscriptionCompleted{Transcript: strPtr("What is your name?")},
		protocol.TextDelta{Delta: "I am "},
		protocol.TextDelta{Delta: "a bot. "},
	)
	assert.Equal(t, "User: What is your name?\n\nAssistant: I am a bot.\n\n", Render(items))
}

func TestRender_NonDeltaAssistantClosesUtterance(t *testing.T) {
	items := []Item{
		{Speaker: Assistant, Content: "Hel", Delta: true},
		{Speaker: Assistant, Content: "lo", Delta: true},
		{Speaker: Assistant, Content: "Complete reply."},
		{Speaker: Assistant, Content: "More", Delta: true},
	}
	assert.Equal(t, "Assistant: Hello\n\nAssistant: Complete reply.\n\nAssistant: More\n\n", Render(items))
}

func TestRender_EveryUtteranceSeparatedByOneBlankLine(t *testing.T) {
	items := []Item{
		{Speaker: User, Content: "a"},
		{Speaker: User, Content: "b"},
		{Speaker: Assistant, Content: "c", Delta: true},
		{Speaker: Assistant, Content: "d", Delta: true},
		{Speaker: User, Content: "e"},
	}
	out := Render(items)
	assert.Equal(t, "User: a\n\nUser: b\n\nAssistant: cd\n\nUser: e\n\n", out)
	assert.NotContains(t, out, "\n\n\n")
}

func TestRender_Empty(t *testing.T) {
	assert.Equal(t, "", Render(nil))
}

func TestClassifyUpstream_MissingTranscriptUsesPlaceholder(t *testing.T) {
	item, ok := ClassifyUpstream(protocol.TranscriptionCompleted{})
	require.True(t, ok)
	assert.Equal(t, User, item.Speaker)
	assert.Equal(t, protocol.NoTranscriptPlaceholder, item.Content)
	assert.False(t, item.Delta)
}

func TestClassifyUpstream_IgnoresOtherEvents(t *testing.T) {
	_, ok := ClassifyUpstream(protocol.UpstreamUnknown{Type: "response.done"})
	assert.False(t, ok)
	_, ok = ClassifyUpstream(protocol.UpstreamError{})
	assert.False(t, ok)
}

func TestClassifyClient_DiscardsEverything(t *testing.T) {
	for _, ev := range []protocol.ClientEvent{
		protocol.ClientConnect{},
		protocol.ClientSessionUpdate{},
		protocol.ClientAudioAppend{},
		protocol.ClientUnknown{Type: "conversation.item.create"},
	} {
		_, ok := ClassifyClient(ev)
		assert.False(t, ok, "%T", ev)
	}
}

func TestFormatDocument_RoundTripsBody(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	items := []Item{
		{Speaker: User, Content: "Hello"},
		{Speaker: Assistant, Content: "Hi", Delta: true},
	}
	doc := FormatDocument(Header{SessionID: "session_1_abc", Started: started, Ended: started.Add(time.Minute)}, items)

	lines := strings.Split(doc, "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "Conversation Session: session_1_abc", lines[0])
	assert.Equal(t, "Started: 2025-03-01T10:00:00Z", lines[1])
	assert.Equal(t, "Ended: 2025-03-01T10:01:00Z", lines[2])
	assert.Equal(t, "Messages: 2", lines[3])
	assert.Equal(t, strings.Repeat("=", 80), lines[4])

	assert.Equal(t, "User: Hello\n\nAssistant: Hi", ExtractBody(doc))
}

func TestExtractBody_NoSeparator(t *testing.T) {
	assert.Equal(t, "plain text", ExtractBody("  plain text \n"))
}
