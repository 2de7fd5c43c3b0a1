// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/transport"
)

// stubSession records what the coordinator does with a media session.
type stubSession struct {
	mu         sync.Mutex
	negotiated bool
	initiator  bool
	send       func(json.RawMessage)
	signals    []json.RawMessage
	teardowns  int
}

func (s *stubSession) Negotiate(initiator bool, send func(json.RawMessage), onFailure func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiated = true
	s.initiator = initiator
	s.send = send
	return nil
}

func (s *stubSession) HandleSignal(payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, payload)
	return nil
}

func (s *stubSession) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns++
}

func (s *stubSession) snapshot() (negotiated, initiator bool, signals, teardowns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated, s.initiator, len(s.signals), s.teardowns
}

// stubMedia hands out stub sessions, or a fixed error to model a
// missing capture device.
type stubMedia struct {
	mu       sync.Mutex
	err      error
	sessions []*stubSession
}

func (m *stubMedia) Acquire(video bool) (MediaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	session := &stubSession{}
	m.sessions = append(m.sessions, session)
	return session, nil
}

func (m *stubMedia) last(t *testing.T) *stubSession {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		t.Fatal("no media session was acquired")
	}
	return m.sessions[len(m.sessions)-1]
}

func newTestCoordinator(t *testing.T, media *stubMedia, config Config) (*Coordinator, *transport.MemoryChannel, *clock.FakeClock) {
	t.Helper()
	channel := transport.NewMemoryChannel()
	fake := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	config.Channel = channel
	config.Media = media
	config.Clock = fake
	if config.UserID == "" {
		config.UserID = "alice"
		config.UserName = "Alice"
	}
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator, err := NewCoordinator(config)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return coordinator, channel, fake
}

func TestOutgoingCallLifecycle(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, fake := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := coordinator.Current().State; got != StateCalling {
		t.Fatalf("state = %v, want calling", got)
	}

	emitted := channel.EmittedNamed(EventCallInitiate)
	if len(emitted) != 1 {
		t.Fatalf("emitted %d call:initiate events, want 1", len(emitted))
	}
	var offer offerPayload
	if err := json.Unmarshal(emitted[0].Payload, &offer); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if offer.ChatID != "7" || offer.CallerID != "alice" || offer.CallerName != "Alice" || offer.CallType != TypeVoice {
		t.Fatalf("offer = %+v", offer)
	}

	channel.Deliver(EventCallAccepted, map[string]string{"chatId": "7", "userId": "bob"})
	if got := coordinator.Current().State; got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	negotiated, initiator, _, _ := media.last(t).snapshot()
	if !negotiated || !initiator {
		t.Fatalf("negotiated=%v initiator=%v, caller must negotiate as initiator", negotiated, initiator)
	}

	if got := coordinator.Duration(); got != 0 {
		t.Fatalf("duration = %v at connect, want 0", got)
	}
	fake.Advance(time.Second)
	if got := coordinator.Duration(); got != time.Second {
		t.Fatalf("duration = %v, want 1s", got)
	}

	if err := coordinator.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := coordinator.Current().State; got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if got := len(channel.EmittedNamed(EventCallEnd)); got != 1 {
		t.Fatalf("emitted %d call:end events, want 1", got)
	}
	if _, _, _, teardowns := media.last(t).snapshot(); teardowns != 1 {
		t.Fatalf("media torn down %d times, want 1", teardowns)
	}

	// Duration is frozen at hangup.
	fake.Advance(5 * time.Second)
	if got := coordinator.Duration(); got != time.Second {
		t.Fatalf("duration = %v after hangup, want frozen 1s", got)
	}
}

func TestInitiateWhileActive(t *testing.T) {
	media := &stubMedia{}
	coordinator, _, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := coordinator.Initiate("8", false); !errors.Is(err, ErrCallActive) {
		t.Fatalf("second Initiate err = %v, want ErrCallActive", err)
	}
	if got := coordinator.Current().ChatID; got != "7" {
		t.Fatalf("current chat = %q, first call must be untouched", got)
	}
}

func TestIncomingAcceptFlow(t *testing.T) {
	media := &stubMedia{}
	var incoming []Info
	coordinator, channel, _ := newTestCoordinator(t, media, Config{
		OnIncoming: func(info Info) { incoming = append(incoming, info) },
	})

	channel.Deliver(EventCallIncoming, map[string]string{
		"chatId": "7", "callerId": "bob", "callerName": "Bob", "callType": "video",
	})
	if got := coordinator.Current().State; got != StateRinging {
		t.Fatalf("state = %v, want ringing", got)
	}
	if len(incoming) != 1 || incoming[0].PeerID != "bob" || incoming[0].PeerName != "Bob" || !incoming[0].Video {
		t.Fatalf("incoming callback = %+v", incoming)
	}

	if err := coordinator.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := coordinator.Current().State; got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if got := len(channel.EmittedNamed(EventCallAccept)); got != 1 {
		t.Fatalf("emitted %d call:accept events, want 1", got)
	}
	negotiated, initiator, _, _ := media.last(t).snapshot()
	if !negotiated || initiator {
		t.Fatalf("negotiated=%v initiator=%v, callee must negotiate as responder", negotiated, initiator)
	}
}

func TestSecondIncomingAutoRejected(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	channel.Deliver(EventCallIncoming, map[string]string{
		"chatId": "9", "callerId": "carol", "callerName": "Carol", "callType": "voice",
	})

	rejected := channel.EmittedNamed(EventCallReject)
	if len(rejected) != 1 {
		t.Fatalf("emitted %d call:reject events, want 1", len(rejected))
	}
	var answer answerPayload
	if err := json.Unmarshal(rejected[0].Payload, &answer); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}
	if answer.ChatID != "9" || answer.UserID != "alice" {
		t.Fatalf("reject = %+v, want the busy call declined", answer)
	}

	if current := coordinator.Current(); current.ChatID != "7" || current.State != StateCalling {
		t.Fatalf("current = %+v, busy call must be untouched", current)
	}
}

func TestRejectIncoming(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	channel.Deliver(EventCallIncoming, map[string]string{
		"chatId": "7", "callerId": "bob", "callerName": "Bob", "callType": "voice",
	})
	if err := coordinator.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := coordinator.Current().State; got != StateRejected {
		t.Fatalf("state = %v, want rejected", got)
	}
	if got := len(channel.EmittedNamed(EventCallReject)); got != 1 {
		t.Fatalf("emitted %d call:reject events, want 1", got)
	}
	// No capture was acquired for a call we never answered.
	media.mu.Lock()
	defer media.mu.Unlock()
	if len(media.sessions) != 0 {
		t.Fatalf("acquired %d media sessions, want 0", len(media.sessions))
	}
}

func TestPeerRejectedOutgoingCall(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	channel.Deliver(EventCallRejected, map[string]string{"chatId": "7", "userId": "bob"})

	if got := coordinator.Current().State; got != StateRejected {
		t.Fatalf("state = %v, want rejected", got)
	}
	if _, _, _, teardowns := media.last(t).snapshot(); teardowns != 1 {
		t.Fatalf("media torn down %d times, want 1", teardowns)
	}
}

func TestPeerEndedConnectedCall(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, fake := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	channel.Deliver(EventCallAccepted, map[string]string{"chatId": "7", "userId": "bob"})
	fake.Advance(3 * time.Second)
	channel.Deliver(EventCallEnded, map[string]string{"chatId": "7"})

	if got := coordinator.Current().State; got != StateEnded {
		t.Fatalf("state = %v, want ended", got)
	}
	if got := coordinator.Duration(); got != 3*time.Second {
		t.Fatalf("duration = %v, want 3s", got)
	}
	if _, _, _, teardowns := media.last(t).snapshot(); teardowns != 1 {
		t.Fatalf("media torn down %d times, want 1", teardowns)
	}
}

func TestInitiateWithoutDeviceFailsLocally(t *testing.T) {
	media := &stubMedia{err: errors.New("device unavailable")}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", true); err == nil {
		t.Fatal("Initiate should fail without a capture device")
	}
	if got := coordinator.Current().State; got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	// The peer is released rather than left ringing.
	if got := len(channel.EmittedNamed(EventCallEnd)); got != 1 {
		t.Fatalf("emitted %d call:end events, want 1", got)
	}
	// A failed call does not block the next one.
	media.mu.Lock()
	media.err = nil
	media.mu.Unlock()
	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate after failure: %v", err)
	}
}

func TestSignalRouting(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	channel.Deliver(EventCallAccepted, map[string]string{"chatId": "7", "userId": "bob"})
	session := media.last(t)

	// Inbound signals for the active call reach its media session.
	channel.Deliver(EventCallSignal, map[string]any{
		"chatId": "7",
		"signal": map[string]string{"type": "answer", "sdp": "v=0"},
	})
	if _, _, signals, _ := session.snapshot(); signals != 1 {
		t.Fatalf("session received %d signals, want 1", signals)
	}

	// Signals for another conversation are discarded.
	channel.Deliver(EventCallSignal, map[string]any{
		"chatId": "9",
		"signal": map[string]string{"type": "answer", "sdp": "v=0"},
	})
	if _, _, signals, _ := session.snapshot(); signals != 1 {
		t.Fatalf("session received %d signals after mismatched chat, want 1", signals)
	}

	// Outbound descriptions travel as call:signal events.
	session.mu.Lock()
	send := session.send
	session.mu.Unlock()
	send(json.RawMessage(`{"type":"offer","sdp":"v=0"}`))
	outbound := channel.EmittedNamed(EventCallSignal)
	if len(outbound) != 1 {
		t.Fatalf("emitted %d call:signal events, want 1", len(outbound))
	}
	var signal signalPayload
	if err := json.Unmarshal(outbound[0].Payload, &signal); err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if signal.ChatID != "7" {
		t.Fatalf("signal chat = %q, want 7", signal.ChatID)
	}
}

func TestAnswerOperationsWithoutCall(t *testing.T) {
	media := &stubMedia{}
	coordinator, _, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Accept(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Accept err = %v, want ErrNoCall", err)
	}
	if err := coordinator.Reject(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Reject err = %v, want ErrNoCall", err)
	}
	if err := coordinator.End(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("End err = %v, want ErrNoCall", err)
	}
}

func TestLateEndedForFinishedCallIsIgnored(t *testing.T) {
	media := &stubMedia{}
	coordinator, channel, _ := newTestCoordinator(t, media, Config{})

	if err := coordinator.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	channel.Deliver(EventCallAccepted, map[string]string{"chatId": "7", "userId": "bob"})
	if err := coordinator.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	// The server's echo of the hangup must not double-release.
	channel.Deliver(EventCallEnded, map[string]string{"chatId": "7"})
	if _, _, _, teardowns := media.last(t).snapshot(); teardowns != 1 {
		t.Fatalf("media torn down %d times, want 1", teardowns)
	}
}
