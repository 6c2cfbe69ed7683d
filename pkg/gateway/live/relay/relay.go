// Package relay proxies one browser websocket to one realtime API websocket
// and finalizes the session's transcript when either side goes away.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/formvoice/pkg/gateway/config"
	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
	"github.com/vango-go/formvoice/pkg/gateway/metrics"
	"github.com/vango-go/formvoice/pkg/realtime"
)

const invalidJSONMessage = "Invalid JSON message"

var errClosed = errors.New("relay closed")

type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateEchoing
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateEchoing:
		return "echoing"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the browser side. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	wsWriter
}

// Upstream is the realtime API side. *realtime.Conn satisfies it.
type Upstream interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context, credential string) (Upstream, error)

// DialRealtime adapts a realtime.Dialer.
func DialRealtime(d *realtime.Dialer) DialFunc {
	return func(ctx context.Context, credential string) (Upstream, error) {
		conn, err := d.Dial(ctx, credential)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Store is the part of sessions.Store the relay uses.
type Store interface {
	SetMode(ref sessions.Ref, mode sessions.Mode) bool
	RecordClientFrame(ref sessions.Ref, ev protocol.ClientEvent)
	RecordUpstreamFrame(ref sessions.Ref, ev protocol.UpstreamEvent)
	Finalize(ctx context.Context, ref sessions.Ref) sessions.FinalizeResult
}

type Config struct {
	Fallback          config.FallbackMode
	FallbackNotify    bool
	DialTimeout       time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxMessageBytes   int64
	FinalizeTimeout   time.Duration
	OutboundQueueSize int
}

type Dependencies struct {
	Client  ClientConn
	Dial    DialFunc
	Store   Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Session is the store entry this relay owns, as returned by Store.Create.
	Session sessions.Ref
	Mode    sessions.Mode

	// Credential is the bearer used when dialing on accept, and the fallback
	// when a connect frame carries no token.
	Credential string
	Questions  []protocol.Question

	// AwaitConnect defers the upstream dial until the client sends a connect frame.
	AwaitConnect  bool
	SessionConfig realtime.SessionConfig
	Config        Config
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Relay owns one client connection for its whole life.
type Relay struct {
	client        ClientConn
	dial          DialFunc
	store         Store
	logger        *slog.Logger
	metrics       *metrics.Metrics
	session       sessions.Ref
	mode          sessions.Mode
	credential    string
	questions     []protocol.Question
	awaitConnect  bool
	sessionConfig realtime.SessionConfig
	cfg           Config

	ctx    context.Context
	cancel context.CancelFunc
	out    chan outboundFrame

	state   atomic.Int32
	started atomic.Bool

	upstreamMu sync.Mutex
	upstream   Upstream

	wg sync.WaitGroup
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if strings.TrimSpace(deps.Session.ID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Mode == "" {
		deps.Mode = sessions.ModeCreation
	}
	if deps.Config.Fallback == "" {
		deps.Config.Fallback = config.FallbackEcho
	}
	if deps.Config.DialTimeout <= 0 {
		deps.Config.DialTimeout = 10 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.FinalizeTimeout <= 0 {
		deps.Config.FinalizeTimeout = 60 * time.Second
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.SessionConfig.Instructions == "" && deps.SessionConfig.Voice == "" {
		deps.SessionConfig = realtime.DefaultSessionConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		client:        deps.Client,
		dial:          deps.Dial,
		store:         deps.Store,
		logger:        deps.Logger.With("session_id", deps.Session.ID),
		metrics:       deps.Metrics,
		session:       deps.Session,
		mode:          deps.Mode,
		credential:    strings.TrimSpace(deps.Credential),
		questions:     deps.Questions,
		awaitConnect:  deps.AwaitConnect,
		sessionConfig: deps.SessionConfig,
		cfg:           deps.Config,
		ctx:           ctx,
		cancel:        cancel,
		out:           make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

func (r *Relay) State() State {
	if r == nil {
		return StateClosed
	}
	return State(r.state.Load())
}

func (r *Relay) SessionID() string { return r.session.ID }

// Run relays until either side disconnects or ctx is done, then finalizes the
// session exactly once. Only a FallbackClose setup failure or an upstream
// write failure is returned as an error.
func (r *Relay) Run(ctx context.Context) (err error) {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("relay already started")
	}
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("relay panic: %v", v)
		}
	}()

	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	start := time.Now()
	r.metrics.RelayStarted()
	defer func() { r.metrics.RelayEnded(string(r.mode), time.Since(start)) }()

	r.configureClient()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w := outboundWriter{
			ws:           r.client,
			ctx:          r.ctx,
			frames:       r.out,
			pingInterval: r.cfg.PingInterval,
			writeTimeout: r.cfg.WriteTimeout,
		}
		if err := w.Run(); err != nil {
			r.logger.Debug("client writer stopped", "error", err)
			r.cancel()
		}
	}()

	clientCh := make(chan inboundFrame, 64)
	r.wg.Add(1)
	go r.readClient(clientCh)

	defer r.teardown(ctx, writerDone)

	if !r.awaitConnect {
		if err := r.connect(r.credential, r.questions); err != nil {
			return err
		}
	}

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case frame, ok := <-clientCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					r.logger.Info("client connection lost", "error", frame.err)
				} else {
					r.logger.Info("client disconnected")
				}
				return nil
			}
			if err := r.handleClientFrame(frame); err != nil {
				return err
			}
		}
	}
}

// Cancel ends the relay; Run still finalizes.
func (r *Relay) Cancel() {
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
}

func (r *Relay) SendWarning(code, message string) error {
	if r == nil {
		return nil
	}
	return r.send(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (r *Relay) configureClient() {
	if r.cfg.MaxMessageBytes > 0 {
		r.client.SetReadLimit(r.cfg.MaxMessageBytes)
	}
	if r.cfg.IdleTimeout > 0 {
		_ = r.client.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		r.client.SetPongHandler(func(string) error {
			return r.client.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		})
	}
}

func (r *Relay) readClient(out chan<- inboundFrame) {
	defer r.wg.Done()
	defer close(out)
	for {
		messageType, data, err := r.client.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-r.ctx.Done():
			}
			return
		}
		if r.cfg.IdleTimeout > 0 {
			_ = r.client.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) handleClientFrame(frame inboundFrame) error {
	r.metrics.RecordFrame("client", frameKind(frame.messageType), len(frame.data))

	if r.State() == StateEchoing {
		if ev, ok := r.retryConnect(frame); ok {
			return r.connectFrame(ev)
		}
		return r.echo(frame)
	}

	if frame.messageType == websocket.BinaryMessage {
		up := r.currentUpstream()
		if up == nil {
			r.logger.Debug("dropping binary frame before upstream connect", "bytes", len(frame.data))
			return nil
		}
		return r.forward(up, websocket.BinaryMessage, frame.data)
	}

	ev, err := protocol.DecodeClientEvent(frame.data)
	if err != nil {
		r.logger.Warn("invalid client frame", "error", err)
		_ = r.send(protocol.ServerError{Type: "error", Error: invalidJSONMessage})
		return nil
	}

	switch ev := ev.(type) {
	case protocol.ClientConnect:
		if r.State() != StateConnecting {
			r.logger.Warn("ignoring connect frame", "state", r.State().String())
			return nil
		}
		return r.connectFrame(ev)
	case protocol.ClientSessionUpdate:
		r.logger.Debug("dropping client session.update")
		return nil
	}

	up := r.currentUpstream()
	if up == nil {
		r.logger.Debug("dropping client frame before upstream connect", "type", ev.EventType())
		return nil
	}
	r.store.RecordClientFrame(r.session, ev)
	r.logger.Debug("client event", "type", ev.EventType())
	return r.forward(up, websocket.TextMessage, frame.data)
}

// retryConnect reports whether an echoed text frame is a connect frame, which
// gets another dial attempt instead of an echo.
func (r *Relay) retryConnect(frame inboundFrame) (protocol.ClientConnect, bool) {
	if frame.messageType != websocket.TextMessage {
		return protocol.ClientConnect{}, false
	}
	ev, err := protocol.DecodeClientEvent(frame.data)
	if err != nil {
		return protocol.ClientConnect{}, false
	}
	connect, ok := ev.(protocol.ClientConnect)
	return connect, ok
}

func (r *Relay) connectFrame(ev protocol.ClientConnect) error {
	if ev.Mode != "" {
		if mode := sessions.ParseMode(ev.Mode); mode != r.mode {
			r.store.SetMode(r.session, mode)
			r.mode = mode
			r.logger.Info("session mode changed", "mode", string(mode))
		}
	}
	token := ev.EphemeralToken
	if token == "" {
		token = r.credential
	}
	return r.connect(token, ev.Questions)
}

func (r *Relay) forward(up Upstream, messageType int, data []byte) error {
	if err := up.WriteMessage(messageType, data); err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("forward to upstream: %w", err)
	}
	return nil
}

func (r *Relay) echo(frame inboundFrame) error {
	if frame.messageType == websocket.BinaryMessage {
		_ = r.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: frame.data})
		return nil
	}
	_ = r.send(protocol.ServerEcho{Echo: string(frame.data)})
	return nil
}

// connect dials upstream and sends the session configuration. A dial failure
// degrades according to the configured fallback. From StateEchoing a failed
// retry reports the error and keeps echoing.
func (r *Relay) connect(credential string, questions []protocol.Question) error {
	from := r.State()
	dialCtx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	up, err := r.dial(dialCtx, credential)
	cancel()
	if err != nil {
		if from == StateEchoing {
			return r.retryFailed(err)
		}
		return r.degrade(err)
	}
	if !r.state.CompareAndSwap(int32(from), int32(StateRelaying)) {
		_ = up.Close()
		return nil
	}
	r.setUpstream(up)
	r.logger.Info("upstream connected", "mode", string(r.mode))

	_ = r.send(protocol.ServerConnected{Type: "connected", SessionID: r.session.ID})

	cfg := realtime.BuildSessionConfig(r.sessionConfig, r.mode == sessions.ModeCompletion, questions)
	if err := up.WriteJSON(protocol.SessionUpdate{Type: protocol.TypeSessionUpdate, Session: cfg}); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}

	r.wg.Add(1)
	go r.readUpstream(up)
	return nil
}

func (r *Relay) degrade(err error) error {
	if r.ctx.Err() != nil {
		return nil
	}
	r.metrics.RecordUpstreamFailure()
	r.logger.Warn("upstream connection failed", "error", err, "fallback", string(r.cfg.Fallback))

	if r.cfg.Fallback == config.FallbackClose {
		_ = r.send(protocol.ServerError{Type: "error", Error: "upstream connection error: " + err.Error()})
		return fmt.Errorf("dial upstream: %w", err)
	}
	if !r.state.CompareAndSwap(int32(StateConnecting), int32(StateEchoing)) {
		return nil
	}
	if r.cfg.FallbackNotify {
		_ = r.SendWarning("upstream_unavailable", "realtime upstream unavailable; echoing frames")
	}
	return nil
}

func (r *Relay) retryFailed(err error) error {
	if r.ctx.Err() != nil {
		return nil
	}
	r.metrics.RecordUpstreamFailure()
	r.logger.Warn("upstream reconnect failed", "error", err)
	_ = r.send(protocol.ServerError{Type: "error", Error: "upstream connection error: " + err.Error()})
	return nil
}

func (r *Relay) readUpstream(up Upstream) {
	defer r.wg.Done()
	defer r.cancel()

	for {
		if r.cfg.IdleTimeout > 0 {
			_ = up.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		messageType, data, err := up.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info("upstream closed")
				return
			}
			r.logger.Warn("upstream read failed", "error", err)
			_ = r.send(protocol.ServerError{Type: "error", Error: "upstream connection error: " + err.Error()})
			return
		}
		r.metrics.RecordFrame("upstream", frameKind(messageType), len(data))

		if messageType == websocket.TextMessage {
			r.observeUpstream(data)
		}
		if err := r.enqueue(outboundFrame{messageType: messageType, payload: data}); err != nil {
			return
		}
	}
}

// observeUpstream feeds a text frame to the store. Malformed frames are
// forwarded anyway; only the logging is skipped.
func (r *Relay) observeUpstream(data []byte) {
	ev, err := protocol.DecodeUpstreamEvent(data)
	if err != nil {
		r.logger.Debug("unparseable upstream frame", "error", err)
		return
	}
	if ue, ok := ev.(protocol.UpstreamError); ok {
		r.logger.Warn("upstream error event", "code", ue.Error.Code, "message", ue.Error.Message)
	}
	r.store.RecordUpstreamFrame(r.session, ev)
}

func (r *Relay) teardown(parent context.Context, writerDone <-chan struct{}) {
	r.cancel()
	if up := r.currentUpstream(); up != nil {
		_ = up.Close()
	}

	wait := r.cfg.WriteTimeout + 100*time.Millisecond
	timer := time.NewTimer(wait)
	select {
	case <-writerDone:
	case <-timer.C:
	}
	timer.Stop()
	_ = r.client.Close()
	r.wg.Wait()

	r.state.Store(int32(StateFinalizing))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.FinalizeTimeout)
	res := r.store.Finalize(ctx, r.session)
	cancel()
	r.state.Store(int32(StateClosed))

	if res.Err != nil {
		r.logger.Warn("session finalized with error", "outcome", res.Outcome.String(), "error", res.Err)
		return
	}
	r.logger.Info("session finalized", "outcome", res.Outcome.String(), "location", res.Location)
}

func (r *Relay) currentUpstream() Upstream {
	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()
	return r.upstream
}

func (r *Relay) setUpstream(up Upstream) {
	r.upstreamMu.Lock()
	r.upstream = up
	r.upstreamMu.Unlock()
}

func (r *Relay) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: payload})
}

func (r *Relay) enqueue(frame outboundFrame) error {
	if r.ctx.Err() != nil {
		return errClosed
	}
	select {
	case r.out <- frame:
		return nil
	case <-r.ctx.Done():
		return errClosed
	}
}

func frameKind(messageType int) string {
	if messageType == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}
