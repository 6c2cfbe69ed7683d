package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	closed   bool
	writeErr error
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_FlushesQueuedFramesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan outboundFrame, 4)
	frames <- outboundFrame{messageType: websocket.TextMessage, payload: []byte(`{"type":"error","error":"upstream connection error: eof"}`)}
	frames <- outboundFrame{messageType: websocket.BinaryMessage, payload: []byte{1, 2, 3}}
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, frames: frames, pingInterval: time.Hour, writeTimeout: time.Second}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want 3 (two frames and a close)", len(writes))
	}
	if writes[0].messageType != websocket.TextMessage || writes[1].messageType != websocket.BinaryMessage {
		t.Fatalf("unexpected order: %+v", writes)
	}
	if writes[2].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want close", writes[2].messageType)
	}
	if !ws.closed {
		t.Fatalf("expected connection to be closed")
	}
}

func TestOutboundWriter_ReturnsWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan outboundFrame, 1)
	frames <- outboundFrame{messageType: websocket.TextMessage, payload: []byte(`{}`)}

	boom := errors.New("broken pipe")
	ws := &fakeWSWriter{writeErr: boom}
	w := outboundWriter{ws: ws, ctx: ctx, frames: frames, pingInterval: time.Hour, writeTimeout: time.Second}

	if err := w.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run() error=%v, want %v", err, boom)
	}
}

func TestOutboundWriter_SendsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan outboundFrame)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, frames: frames, pingInterval: 5 * time.Millisecond, writeTimeout: time.Second}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pinged := false
		for _, wr := range ws.snapshot() {
			if wr.messageType == websocket.PingMessage {
				pinged = true
			}
		}
		if pinged {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	found := false
	for _, wr := range ws.snapshot() {
		if wr.messageType == websocket.PingMessage {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one ping")
	}
}
