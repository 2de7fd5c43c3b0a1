// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/transport"
)

// Config holds configuration for creating a Coordinator.
type Config struct {
	// Channel is the event channel. Required.
	Channel transport.Channel
	// Media acquires capture and media sessions. Required.
	Media Media
	// UserID and UserName identify the local user in call offers.
	// UserID is required.
	UserID   string
	UserName string
	// OnIncoming is invoked when a call arrives while we are idle.
	// Optional.
	OnIncoming func(Info)
	// OnStateChange is invoked after every state transition of the
	// current call. Optional.
	OnStateChange func(Info)
	// OnDuration is invoked once per second while the call is
	// connected, with the elapsed connected time. Optional.
	OnDuration func(time.Duration)
	// Clock drives the duration ticker. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Coordinator owns the client's single call slot. It is safe for
// concurrent use.
type Coordinator struct {
	channel  transport.Channel
	media    Media
	userID   string
	userName string
	clock    clock.Clock
	logger   *slog.Logger

	onIncoming    func(Info)
	onStateChange func(Info)
	onDuration    func(time.Duration)

	mu      sync.Mutex
	current *callSession

	unsubscribe []func()
}

// callSession is the mutable state of one call, from first contact to
// its terminal state. It is guarded by Coordinator.mu.
type callSession struct {
	chatID   string
	peerID   string
	peerName string
	video    bool
	outgoing bool
	state    State

	media MediaSession

	connectedAt   time.Time
	finalDuration time.Duration

	ticker     *clock.Ticker
	tickerDone chan struct{}
}

// NewCoordinator creates a Coordinator and subscribes it to call
// events on the channel.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Channel == nil {
		return nil, fmt.Errorf("call: Channel is required")
	}
	if config.Media == nil {
		return nil, fmt.Errorf("call: Media is required")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("call: UserID is required")
	}

	coordinator := &Coordinator{
		channel:       config.Channel,
		media:         config.Media,
		userID:        config.UserID,
		userName:      config.UserName,
		clock:         config.Clock,
		logger:        config.Logger,
		onIncoming:    config.OnIncoming,
		onStateChange: config.OnStateChange,
		onDuration:    config.OnDuration,
	}
	if coordinator.clock == nil {
		coordinator.clock = clock.Real()
	}
	if coordinator.logger == nil {
		coordinator.logger = slog.Default()
	}

	coordinator.unsubscribe = []func(){
		coordinator.channel.Subscribe(EventCallIncoming, coordinator.handleIncoming),
		coordinator.channel.Subscribe(EventCallAccepted, coordinator.handleAccepted),
		coordinator.channel.Subscribe(EventCallRejected, coordinator.handleRejected),
		coordinator.channel.Subscribe(EventCallEnded, coordinator.handleEnded),
		coordinator.channel.Subscribe(EventCallSignal, coordinator.handleSignal),
	}
	return coordinator, nil
}

// Close releases subscriptions and tears down any call in progress
// without notifying the peer.
func (c *Coordinator) Close() {
	for _, remove := range c.unsubscribe {
		remove()
	}
	c.unsubscribe = nil

	c.mu.Lock()
	session := c.current
	var media MediaSession
	if session != nil && !session.state.terminal() {
		media = c.terminateLocked(session, StateEnded)
	}
	c.mu.Unlock()
	if media != nil {
		media.Teardown()
	}
}

// Current returns a snapshot of the current call. State is StateIdle
// when no call has happened yet; after a call it reports the terminal
// state until a new call starts.
func (c *Coordinator) Current() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Info{State: StateIdle}
	}
	return c.current.info()
}

// Duration returns the connected time of the current call: zero until
// connected, growing while connected, frozen at its final value once
// the call reaches a terminal state.
func (c *Coordinator) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.current
	switch {
	case session == nil:
		return 0
	case session.state == StateConnected:
		return c.clock.Now().Sub(session.connectedAt)
	default:
		return session.finalDuration
	}
}

// Initiate starts an outgoing call on a conversation. Capture is
// acquired before the offer travels, so a missing device fails the
// call locally instead of ringing a peer we could never talk to.
func (c *Coordinator) Initiate(chatID string, video bool) error {
	c.mu.Lock()
	if c.current != nil && !c.current.state.terminal() {
		c.mu.Unlock()
		return ErrCallActive
	}
	session := &callSession{
		chatID:   chatID,
		video:    video,
		outgoing: true,
		state:    StateCalling,
	}
	c.current = session

	media, err := c.media.Acquire(video)
	if err != nil {
		session.state = StateFailed
		info := session.info()
		c.mu.Unlock()
		c.emit(EventCallEnd, endPayload{ChatID: chatID})
		c.notifyStateChange(info)
		return fmt.Errorf("call: acquire media: %w", err)
	}
	session.media = media
	info := session.info()
	c.mu.Unlock()

	c.emit(EventCallInitiate, offerPayload{
		ChatID:     chatID,
		CallerID:   c.userID,
		CallerName: c.userName,
		CallType:   callType(video),
	})
	c.notifyStateChange(info)
	return nil
}

// Accept answers the ringing incoming call. Capture is acquired
// before the acceptance travels; if it fails, the caller is released
// with call:end instead of waiting on a connection that cannot form.
func (c *Coordinator) Accept() error {
	c.mu.Lock()
	session := c.current
	if session == nil || session.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}

	media, err := c.media.Acquire(session.video)
	if err != nil {
		session.state = StateFailed
		chatID := session.chatID
		info := session.info()
		c.mu.Unlock()
		c.emit(EventCallEnd, endPayload{ChatID: chatID})
		c.notifyStateChange(info)
		return fmt.Errorf("call: acquire media: %w", err)
	}
	session.media = media
	c.connectLocked(session)
	info := session.info()
	c.mu.Unlock()

	c.emit(EventCallAccept, answerPayload{ChatID: session.chatID, UserID: c.userID})
	// The caller produces the offer once acceptance reaches them; our
	// side answers it when it arrives.
	if err := media.Negotiate(false, c.signalSender(session.chatID), c.negotiationFailed); err != nil {
		c.failCall(fmt.Errorf("call: negotiate: %w", err))
		return err
	}
	c.notifyStateChange(info)
	return nil
}

// Reject declines the ringing incoming call.
func (c *Coordinator) Reject() error {
	c.mu.Lock()
	session := c.current
	if session == nil || session.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	media := c.terminateLocked(session, StateRejected)
	info := session.info()
	c.mu.Unlock()

	if media != nil {
		media.Teardown()
	}
	c.emit(EventCallReject, answerPayload{ChatID: session.chatID, UserID: c.userID})
	c.notifyStateChange(info)
	return nil
}

// End hangs up the current call in any non-terminal state: cancels an
// unanswered outgoing call, dismisses a ringing one, or finishes a
// connected one.
func (c *Coordinator) End() error {
	c.mu.Lock()
	session := c.current
	if session == nil || session.state.terminal() {
		c.mu.Unlock()
		return ErrNoCall
	}
	media := c.terminateLocked(session, StateEnded)
	info := session.info()
	c.mu.Unlock()

	if media != nil {
		media.Teardown()
	}
	c.emit(EventCallEnd, endPayload{ChatID: session.chatID})
	c.notifyStateChange(info)
	return nil
}

func (c *Coordinator) handleIncoming(payload json.RawMessage) {
	var offer offerPayload
	if err := json.Unmarshal(payload, &offer); err != nil || offer.ChatID == "" {
		c.logger.Debug("discarding malformed call:incoming", "error", err)
		return
	}

	c.mu.Lock()
	if c.current != nil && !c.current.state.terminal() {
		c.mu.Unlock()
		// Busy: decline without touching the call in progress.
		c.logger.Info("auto-rejecting call while busy",
			"chat_id", offer.ChatID, "caller_id", offer.CallerID)
		c.emit(EventCallReject, answerPayload{ChatID: offer.ChatID, UserID: c.userID})
		return
	}
	session := &callSession{
		chatID:   offer.ChatID,
		peerID:   offer.CallerID,
		peerName: offer.CallerName,
		video:    offer.CallType == TypeVideo,
		state:    StateRinging,
	}
	c.current = session
	info := session.info()
	c.mu.Unlock()

	if c.onIncoming != nil {
		c.onIncoming(info)
	}
	c.notifyStateChange(info)
}

func (c *Coordinator) handleAccepted(payload json.RawMessage) {
	var answer answerPayload
	if err := json.Unmarshal(payload, &answer); err != nil {
		c.logger.Debug("discarding malformed call:accepted", "error", err)
		return
	}

	c.mu.Lock()
	session := c.current
	if session == nil || session.state != StateCalling || session.chatID != answer.ChatID {
		c.mu.Unlock()
		c.logger.Debug("ignoring call:accepted outside an outgoing call", "chat_id", answer.ChatID)
		return
	}
	c.connectLocked(session)
	media := session.media
	info := session.info()
	c.mu.Unlock()

	if err := media.Negotiate(true, c.signalSender(session.chatID), c.negotiationFailed); err != nil {
		c.failCall(fmt.Errorf("call: negotiate: %w", err))
		return
	}
	c.notifyStateChange(info)
}

func (c *Coordinator) handleRejected(payload json.RawMessage) {
	var answer answerPayload
	if err := json.Unmarshal(payload, &answer); err != nil {
		c.logger.Debug("discarding malformed call:rejected", "error", err)
		return
	}

	c.mu.Lock()
	session := c.current
	if session == nil || session.state != StateCalling || session.chatID != answer.ChatID {
		c.mu.Unlock()
		return
	}
	media := c.terminateLocked(session, StateRejected)
	info := session.info()
	c.mu.Unlock()

	if media != nil {
		media.Teardown()
	}
	c.notifyStateChange(info)
}

func (c *Coordinator) handleEnded(payload json.RawMessage) {
	var end endPayload
	if err := json.Unmarshal(payload, &end); err != nil {
		c.logger.Debug("discarding malformed call:ended", "error", err)
		return
	}

	c.mu.Lock()
	session := c.current
	if session == nil || session.state.terminal() || session.chatID != end.ChatID {
		c.mu.Unlock()
		return
	}
	media := c.terminateLocked(session, StateEnded)
	info := session.info()
	c.mu.Unlock()

	if media != nil {
		media.Teardown()
	}
	c.notifyStateChange(info)
}

func (c *Coordinator) handleSignal(payload json.RawMessage) {
	var signal signalPayload
	if err := json.Unmarshal(payload, &signal); err != nil {
		c.logger.Debug("discarding malformed call:signal", "error", err)
		return
	}

	c.mu.Lock()
	session := c.current
	var media MediaSession
	if session != nil && session.chatID == signal.ChatID {
		media = session.media
	}
	c.mu.Unlock()
	if media == nil {
		// Signals for a call that no longer exists race its teardown;
		// they are expected and dropped.
		c.logger.Debug("discarding signal with no matching call", "chat_id", signal.ChatID)
		return
	}

	if err := media.HandleSignal(signal.Signal); err != nil {
		c.logger.Warn("applying call signal failed", "chat_id", signal.ChatID, "error", err)
	}
}

// connectLocked moves a session to StateConnected and starts the
// duration ticker. Caller must hold c.mu.
func (c *Coordinator) connectLocked(session *callSession) {
	session.state = StateConnected
	session.connectedAt = c.clock.Now()
	if c.onDuration != nil {
		session.ticker = c.clock.NewTicker(time.Second)
		session.tickerDone = make(chan struct{})
		go c.runDurationTicker(session.ticker, session.tickerDone)
	}
}

// terminateLocked moves a session to a terminal state, freezes its
// duration, and stops the ticker. It returns the media session for
// the caller to tear down outside the lock. Caller must hold c.mu.
func (c *Coordinator) terminateLocked(session *callSession, state State) MediaSession {
	if session.state == StateConnected {
		session.finalDuration = c.clock.Now().Sub(session.connectedAt)
	}
	session.state = state
	if session.ticker != nil {
		session.ticker.Stop()
		close(session.tickerDone)
		session.ticker = nil
	}
	media := session.media
	session.media = nil
	return media
}

func (c *Coordinator) runDurationTicker(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			c.onDuration(c.Duration())
		case <-done:
			return
		}
	}
}

// signalSender returns the send half of media negotiation for one
// call: complete descriptions go out as call:signal events.
func (c *Coordinator) signalSender(chatID string) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		c.emit(EventCallSignal, signalPayload{ChatID: chatID, Signal: payload})
	}
}

// negotiationFailed is the failure sink handed to media negotiation.
func (c *Coordinator) negotiationFailed(err error) {
	c.failCall(fmt.Errorf("call: media negotiation: %w", err))
}

// failCall moves the current call to StateFailed and releases the
// peer with call:end.
func (c *Coordinator) failCall(err error) {
	c.mu.Lock()
	session := c.current
	if session == nil || session.state.terminal() {
		c.mu.Unlock()
		return
	}
	media := c.terminateLocked(session, StateFailed)
	info := session.info()
	c.mu.Unlock()

	c.logger.Warn("call failed", "chat_id", info.ChatID, "error", err)
	if media != nil {
		media.Teardown()
	}
	c.emit(EventCallEnd, endPayload{ChatID: info.ChatID})
	c.notifyStateChange(info)
}

func (c *Coordinator) notifyStateChange(info Info) {
	if c.onStateChange != nil {
		c.onStateChange(info)
	}
}

func (c *Coordinator) emit(name string, payload any) {
	if err := c.channel.Emit(name, payload); err != nil {
		c.logger.Warn("emit failed", "event", name, "error", err)
	}
}

func callType(video bool) string {
	if video {
		return TypeVideo
	}
	return TypeVoice
}

// info builds the snapshot for callbacks. Caller must hold c.mu.
func (s *callSession) info() Info {
	return Info{
		State:    s.state,
		ChatID:   s.chatID,
		PeerID:   s.peerID,
		PeerName: s.peerName,
		Video:    s.video,
		Outgoing: s.outgoing,
	}
}
