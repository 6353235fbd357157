package courseflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Session State
// ============================================================================

// SessionState is the chat session's connection state.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionErrored      SessionState = "error"
)

// statusUnauthorized is the application close code the server uses for
// rejected credentials, alongside the standard policy-violation code.
const statusUnauthorized websocket.StatusCode = 3000

// Error messages surfaced on authentication failures. Both are terminal for
// automatic retry and require explicit user action.
const (
	errAuthRequired = "authentication required"
	errAuthFailed   = "authentication failed"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a ChatSession. The zero value uses the reference
// intervals: 30s heartbeat, 3s fixed reconnect delay, 30s token poll.
type SessionConfig struct {
	// SelfID and SelfName identify the local user on optimistic messages.
	SelfID   string
	SelfName string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	TokenPollInterval time.Duration
	ExpiryMargin      time.Duration

	// Notifications, when set, receives notification pushes that share the
	// chat socket.
	Notifications *NotificationStore
}

func (c *SessionConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.TokenPollInterval == 0 {
		c.TokenPollInterval = 30 * time.Second
	}
	if c.ExpiryMargin == 0 {
		c.ExpiryMargin = DefaultExpiryMargin
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type sessionDispatcher struct {
	mu             sync.RWMutex
	onState        []func(SessionState, string)
	onMessage      []func(ChatMessage)
	onNotification []func(Notification)
}

func (d *sessionDispatcher) emitState(state SessionState, msg string) {
	d.mu.RLock()
	handlers := append([]func(SessionState, string){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(state, msg)
	}
}

func (d *sessionDispatcher) emitMessage(msg ChatMessage) {
	d.mu.RLock()
	handlers := append([]func(ChatMessage){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(msg)
	}
}

func (d *sessionDispatcher) emitNotification(notif Notification) {
	d.mu.RLock()
	handlers := append([]func(Notification){}, d.onNotification...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(notif)
	}
}

// ============================================================================
// ChatSession
// ============================================================================

// ChatSession owns one streaming connection to a course conversation and
// drives its lifecycle: credential freshness before and during the
// connection, heartbeats while connected, fixed-delay reconnection after
// transient failures, and delivery of ordered, de-duplicated messages.
//
// The session is an explicit state machine: the connection handle and every
// timer are owned fields mutated only under one lock, so the invariants — at
// most one open connection, at most one pending reconnect, heartbeat only
// while connected — hold structurally. Each connection attempt is tagged with
// a generation; completions for stale generations are discarded.
//
// All failures resolve to a state transition plus an optional human-readable
// message; the session never panics across its public boundary.
type ChatSession struct {
	client   *Client
	courseID string
	cfg      SessionConfig
	recon    *Reconciler

	dispatcher sessionDispatcher

	mu             sync.Mutex
	state          SessionState
	errMsg         string
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	generation     uint64
	reconnectTimer *time.Timer
	pollStop       chan struct{}
	pollStarted    bool
	closed         bool
	lastActivity   time.Time
}

func newChatSession(client *Client, courseID string, cfg *SessionConfig) *ChatSession {
	var conf SessionConfig
	if cfg != nil {
		conf = *cfg
	}
	conf.defaults()
	return &ChatSession{
		client:   client,
		courseID: courseID,
		cfg:      conf,
		recon:    NewReconciler(),
		state:    SessionIdle,
	}
}

// OnStateChange registers a handler for state transitions. The second
// argument carries an optional human-readable message.
func (s *ChatSession) OnStateChange(h func(SessionState, string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onState = append(s.dispatcher.onState, h)
	s.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for messages entering the sequence, both
// optimistic local copies and server-delivered ones.
func (s *ChatSession) OnMessage(h func(ChatMessage)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onMessage = append(s.dispatcher.onMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnNotification registers a handler for notification pushes.
func (s *ChatSession) OnNotification(h func(Notification)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNotification = append(s.dispatcher.onNotification, h)
	s.dispatcher.mu.Unlock()
}

// State returns the current session state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last error message, or "" when none is active.
func (s *ChatSession) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// LastActivity returns the time of the last inbound or outbound traffic.
func (s *ChatSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Generation returns the current connection-attempt generation.
func (s *ChatSession) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Messages returns the ordered, de-duplicated message sequence.
func (s *ChatSession) Messages() []ChatMessage {
	return s.recon.Messages()
}

// Hydrate loads prior history into the message sequence. It is meant to run
// once, before live ingestion; repeated calls after the first merge are
// no-ops at the reconciler.
func (s *ChatSession) Hydrate(ctx context.Context) error {
	history, err := s.client.Chat.History(ctx, s.courseID)
	if err != nil {
		return fmt.Errorf("hydrate chat history: %w", err)
	}
	s.recon.Hydrate(history)
	return nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start opens the streaming connection. Without a stored access token the
// session moves straight to the error state and no connection is attempted.
// An access token that is expiring soon is refreshed synchronously first; a
// failed refresh also ends in the error state with no connection attempt.
func (s *ChatSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if s.state == SessionConnecting || s.state == SessionConnected {
		s.mu.Unlock()
		return nil
	}
	s.ensurePollLocked()
	if !s.requireTokenLocked() {
		s.mu.Unlock()
		return fmt.Errorf(errAuthRequired)
	}
	gen := s.beginAttemptLocked()
	s.mu.Unlock()

	return s.connect(ctx, gen)
}

// Reconnect closes any existing connection with a caller-initiated reason,
// cancels the pending automatic reconnect, and starts over. Usable from any
// state.
func (s *ChatSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.ensurePollLocked()
	conn, cancel := s.detachConnLocked()
	if !s.requireTokenLocked() {
		s.mu.Unlock()
		closeConn(conn, cancel, websocket.StatusNormalClosure, "client reconnect")
		return fmt.Errorf(errAuthRequired)
	}
	gen := s.beginAttemptLocked()
	s.mu.Unlock()

	closeConn(conn, cancel, websocket.StatusNormalClosure, "client reconnect")
	return s.connect(ctx, gen)
}

// Close tears the session down: every timer is cancelled and any open
// connection is closed with a caller-initiated reason, all together. Safe to
// call multiple times.
func (s *ChatSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++ // in-flight completions become stale
	s.stopReconnectLocked()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
	conn, cancel := s.detachConnLocked()
	s.setStateLocked(SessionIdle, "")
	s.mu.Unlock()

	closeConn(conn, cancel, websocket.StatusNormalClosure, "client closed session")
	return nil
}

// Send writes a chat frame to the wire and ingests an optimistic local copy.
// Permitted only while connected: otherwise the send is rejected and a
// reconnect attempt is triggered so the caller can retry.
func (s *ChatSession) Send(ctx context.Context, text string) (ChatMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ChatMessage{}, fmt.Errorf("session closed")
	}
	if s.state != SessionConnected || s.conn == nil {
		s.mu.Unlock()
		go s.Start(context.Background())
		return ChatMessage{}, fmt.Errorf("not connected: retry after reconnecting")
	}
	conn := s.conn
	s.lastActivity = time.Now()
	s.mu.Unlock()

	msg := ChatMessage{
		Type:      FrameChatMessage,
		ClientID:  uuid.NewString(),
		CourseID:  s.courseID,
		FromID:    s.cfg.SelfID,
		Sender:    s.cfg.SelfName,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	// The optimistic copy enters the sequence before the write so the echo
	// always finds its pending counterpart, however fast it comes back.
	local := msg
	local.ID = pendingPrefix + msg.ClientID
	if s.recon.Ingest(local, OriginLocal) {
		s.dispatcher.emitMessage(local)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return local, fmt.Errorf("write message: %w", err)
	}
	return local, nil
}

// ============================================================================
// Connection internals
// ============================================================================

// connect dials the streaming endpoint for the given generation, refreshing
// the access token first when it is expiring soon.
func (s *ChatSession) connect(ctx context.Context, gen uint64) error {
	pair, _ := s.client.tokens.Tokens()
	if IsExpiringSoon(pair.Access, s.cfg.ExpiryMargin) {
		if err := s.client.refresher.Refresh(ctx); err != nil {
			s.failAuth(gen)
			return fmt.Errorf("%s: %w", errAuthFailed, err)
		}
		pair, _ = s.client.tokens.Tokens()
	}

	conn, resp, err := websocket.Dial(ctx, s.client.Chat.WSUrl(pair.Access), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		if gen == s.generation && !s.closed {
			s.setStateLocked(SessionDisconnected, "connect failed")
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "stale connection")
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = cancel
	s.lastActivity = time.Now()
	s.setStateLocked(SessionConnected, "")
	s.mu.Unlock()

	go s.readLoop(connCtx, conn, gen)
	go s.heartbeatLoop(connCtx, conn, gen)
	return nil
}

func (s *ChatSession) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(err, gen)
			return
		}
		s.handleFrame(data, gen)
	}
}

// handleFrame processes one inbound frame. Every frame stamps activity.
// Unparsable or unknown frames are dropped and logged; they never change
// connection state.
func (s *ChatSession) handleFrame(data []byte, gen uint64) {
	s.touch(gen)

	var frame ChatMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		s.client.logger.Printf("chat session: dropping unparsable frame: %v", err)
		return
	}

	switch frame.Type {
	case FramePong:
		// liveness reply, consumed
	case FrameChatMessage:
		if frame.CourseID != s.courseID {
			return
		}
		if s.recon.Ingest(frame, OriginRemote) {
			s.dispatcher.emitMessage(frame)
		}
	default:
		// Notification pushes share the socket with chat frames.
		var notif Notification
		if json.Unmarshal(data, &notif) == nil && knownNotificationType(notif.Type) {
			if s.cfg.Notifications != nil {
				s.cfg.Notifications.Add(notif)
			}
			s.dispatcher.emitNotification(notif)
			return
		}
		s.client.logger.Printf("chat session: dropping frame with unknown type %q", frame.Type)
	}
}

func (s *ChatSession) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": FramePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			live := gen == s.generation && s.state == SessionConnected && !s.closed
			s.mu.Unlock()
			if !live {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				// Read loop observes the failure and drives the transition.
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
			s.touch(gen)
		}
	}
}

// handleClose classifies the close reason and drives the resulting
// transition: authentication-failure codes get one refresh-and-restart
// attempt, normal closure ends in Idle, anything else schedules exactly one
// automatic reconnect at the fixed delay.
func (s *ChatSession) handleClose(err error, gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	_, cancel := s.detachConnLocked()

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure:
		s.setStateLocked(SessionIdle, "")
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case status == websocket.StatusPolicyViolation || status == statusUnauthorized:
		s.setStateLocked(SessionConnecting, "renewing credentials")
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if rerr := s.client.refresher.Refresh(context.Background()); rerr != nil {
			s.failAuth(gen)
			return
		}
		s.mu.Lock()
		if gen != s.generation || s.closed {
			s.mu.Unlock()
			return
		}
		next := s.beginAttemptLocked()
		s.mu.Unlock()
		s.connect(context.Background(), next)

	default:
		s.setStateLocked(SessionDisconnected, closeReason(err))
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// failAuth moves the session to the terminal auth-error state unless the
// attempt has gone stale. Automatic retries stop; only explicit user action
// recovers.
func (s *ChatSession) failAuth(gen uint64) {
	s.mu.Lock()
	if gen == s.generation && !s.closed {
		s.stopReconnectLocked()
		s.setStateLocked(SessionErrored, errAuthFailed)
	}
	s.mu.Unlock()
}

// ============================================================================
// Timers
// ============================================================================

// scheduleReconnectLocked arms the single pending reconnect timer, replacing
// any previously pending one. Caller holds the lock.
func (s *ChatSession) scheduleReconnectLocked() {
	s.stopReconnectLocked()
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, s.autoReconnect)
}

func (s *ChatSession) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *ChatSession) autoReconnect() {
	s.mu.Lock()
	if s.closed || s.state != SessionDisconnected {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	if !s.requireTokenLocked() {
		s.mu.Unlock()
		return
	}
	gen := s.beginAttemptLocked()
	s.mu.Unlock()
	s.connect(context.Background(), gen)
}

// ensurePollLocked starts the background credential-freshness poll for the
// session lifetime. Caller holds the lock.
func (s *ChatSession) ensurePollLocked() {
	if s.pollStarted || s.closed {
		return
	}
	s.pollStarted = true
	s.pollStop = make(chan struct{})
	go s.pollLoop(s.pollStop)
}

func (s *ChatSession) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.TokenPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollTick()
		}
	}
}

// pollTick runs one credential-freshness check: refresh when the token is
// expiring soon, and when a refresh succeeds while the session is not
// connected, start a new attempt (covers attempts never made because of a
// stale credential, and connections that silently lapsed).
func (s *ChatSession) pollTick() {
	pair, _ := s.client.tokens.Tokens()
	if !IsExpiringSoon(pair.Access, s.cfg.ExpiryMargin) {
		return
	}
	if err := s.client.refresher.Refresh(context.Background()); err != nil {
		s.mu.Lock()
		var conn *websocket.Conn
		var cancel context.CancelFunc
		if !s.closed {
			s.generation++ // the open connection's completions are now stale
			conn, cancel = s.detachConnLocked()
			s.stopReconnectLocked()
			s.setStateLocked(SessionErrored, errAuthFailed)
		}
		s.mu.Unlock()
		closeConn(conn, cancel, websocket.StatusPolicyViolation, "credential expired")
		return
	}
	s.mu.Lock()
	idle := s.state != SessionConnected && s.state != SessionConnecting && !s.closed
	s.mu.Unlock()
	if idle {
		go s.Start(context.Background())
	}
}

// ============================================================================
// Locked helpers
// ============================================================================

// setStateLocked is the single mutation point for state transitions. Caller
// holds the lock; handlers run on their own goroutines.
func (s *ChatSession) setStateLocked(state SessionState, msg string) {
	if s.state == state && s.errMsg == msg {
		return
	}
	s.state = state
	s.errMsg = msg
	s.dispatcher.emitState(state, msg)
}

// beginAttemptLocked opens a new connection generation and moves to
// Connecting, cancelling any pending automatic reconnect. Caller holds the
// lock.
func (s *ChatSession) beginAttemptLocked() uint64 {
	s.generation++
	s.stopReconnectLocked()
	s.setStateLocked(SessionConnecting, "")
	return s.generation
}

// requireTokenLocked checks that an access token is stored; otherwise the
// session moves straight to the error state. Caller holds the lock.
func (s *ChatSession) requireTokenLocked() bool {
	pair, ok := s.client.tokens.Tokens()
	if !ok || pair.Access == "" {
		s.stopReconnectLocked()
		s.setStateLocked(SessionErrored, errAuthRequired)
		return false
	}
	return true
}

// detachConnLocked releases ownership of the current connection handle and
// its context. Caller holds the lock and is responsible for closing both
// outside it.
func (s *ChatSession) detachConnLocked() (*websocket.Conn, context.CancelFunc) {
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.connCancel = nil
	return conn, cancel
}

func (s *ChatSession) touch(gen uint64) {
	s.mu.Lock()
	if gen == s.generation {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
}

// ============================================================================
// Helpers
// ============================================================================

func closeConn(conn *websocket.Conn, cancel context.CancelFunc, code websocket.StatusCode, reason string) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(code, reason)
	}
}

func closeReason(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Sprintf("connection closed (%d)", status)
	}
	return "connection lost"
}

func knownNotificationType(t NotificationType) bool {
	switch t {
	case NotifPostCreated, NotifCommentAdded, NotifMessageSent, NotifRoleChanged, NotifUserKicked:
		return true
	}
	return false
}
