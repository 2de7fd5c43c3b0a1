// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout bounds the wait for ICE candidate gathering before
// the SDP is sent. Gathering normally completes in well under a
// second on hosts with few interfaces.
const iceGatherTimeout = 15 * time.Second

// Signal is the opaque negotiation payload relayed through
// call:signal events. The exchange is vanilla ICE: candidates are
// gathered before the SDP travels, so the normal flow is exactly one
// offer and one answer. Trickled candidates from peers that send them
// are accepted anyway.
type Signal struct {
	Type      string                   `json:"type"` // "offer", "answer", or "candidate"
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	// Device provides local capture. Required.
	Device Device
	// STUNServers are STUN/TURN URLs for ICE. Empty means host
	// candidates only, which suffices for same-network tests.
	STUNServers []string
	// OnRemoteTrack is invoked when a remote track arrives on any
	// session. Optional.
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Manager builds media sessions for calls.
type Manager struct {
	device        Device
	stunServers   []string
	onRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	logger        *slog.Logger
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("media: Device is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		device:        config.Device,
		stunServers:   config.STUNServers,
		onRemoteTrack: config.OnRemoteTrack,
		logger:        logger,
	}, nil
}

// Acquire opens local capture for a call and returns the Session that
// owns it. A capture failure is reported as ErrMediaUnavailable.
func (m *Manager) Acquire(video bool) (*Session, error) {
	tracks, err := m.device.Capture(video)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return &Session{
		manager: m,
		local:   &LocalMedia{tracks: tracks},
	}, nil
}

// Session is the media side of one call: local capture plus, once
// Negotiate has run, the peer connection. Teardown is idempotent and
// is the single cancellation point — signals and gathering results
// arriving afterwards are discarded.
type Session struct {
	manager *Manager
	local   *LocalMedia

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	send      func(json.RawMessage)
	onFailure func(error)
	closed    bool
}

// Negotiate creates the peer connection, attaches the local tracks,
// and wires signal generation to send. The initiator produces the
// offer; the other side answers when the offer arrives via
// HandleSignal. SDP production runs asynchronously — a failure is
// reported through onFailure rather than blocking the caller.
func (s *Session) Negotiate(initiator bool, send func(json.RawMessage), onFailure func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("media: session is torn down")
	}
	if s.pc != nil {
		return fmt.Errorf("media: negotiation already started")
	}

	var iceServers []webrtc.ICEServer
	if len(s.manager.stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.manager.stunServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("media: create peer connection: %w", err)
	}

	for _, track := range s.local.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return fmt.Errorf("media: add local track: %w", err)
		}
	}

	if s.manager.onRemoteTrack != nil {
		pc.OnTrack(s.manager.onRemoteTrack)
	}

	s.pc = pc
	s.send = send
	s.onFailure = onFailure

	if initiator {
		go s.produceDescription(pc, func() (webrtc.SessionDescription, error) {
			return pc.CreateOffer(nil)
		})
	}
	return nil
}

// HandleSignal applies one inbound negotiation signal. Signals
// arriving after Teardown are discarded without error.
func (s *Session) HandleSignal(payload json.RawMessage) error {
	var signal Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		return fmt.Errorf("media: malformed signal: %w", err)
	}

	s.mu.Lock()
	pc := s.pc
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if pc == nil {
		return fmt.Errorf("media: signal before negotiation started")
	}

	switch signal.Type {
	case "offer":
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: signal.SDP}
		if err := pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("media: apply offer: %w", err)
		}
		go s.produceDescription(pc, func() (webrtc.SessionDescription, error) {
			return pc.CreateAnswer(nil)
		})
		return nil

	case "answer":
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: signal.SDP}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("media: apply answer: %w", err)
		}
		return nil

	case "candidate":
		if signal.Candidate == nil {
			return fmt.Errorf("media: candidate signal without candidate")
		}
		if err := pc.AddICECandidate(*signal.Candidate); err != nil {
			return fmt.Errorf("media: add candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("media: unknown signal type %q", signal.Type)
	}
}

// Teardown closes the peer connection and stops local capture.
// Idempotent.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	s.local.Release()
}

// produceDescription runs the blocking half of negotiation: create
// the local description, wait for candidate gathering, then emit the
// complete SDP as a signal. Results arriving after teardown are
// dropped.
func (s *Session) produceDescription(pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) {
	description, err := create()
	if err != nil {
		s.fail(fmt.Errorf("media: create description: %w", err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		s.fail(fmt.Errorf("media: set local description: %w", err))
		return
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		s.fail(fmt.Errorf("media: ICE gathering timed out"))
		return
	}

	s.mu.Lock()
	closed := s.closed
	send := s.send
	s.mu.Unlock()
	if closed || send == nil {
		return
	}

	local := pc.LocalDescription()
	payload, err := json.Marshal(Signal{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		s.fail(fmt.Errorf("media: marshal signal: %w", err))
		return
	}
	send(payload)
}

// fail reports a negotiation failure unless the session is already
// torn down — a late failure after teardown is just noise.
func (s *Session) fail(err error) {
	s.mu.Lock()
	closed := s.closed
	onFailure := s.onFailure
	s.mu.Unlock()
	if closed {
		return
	}
	if onFailure != nil {
		onFailure(err)
		return
	}
	s.manager.logger.Warn("media negotiation failed", "error", err)
}
