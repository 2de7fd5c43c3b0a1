// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the signaling state machine for one-to-one
// voice and video calls.
//
// A client is in at most one call at a time. The [Coordinator] owns
// that call: it reacts to local intents (initiate, accept, reject,
// hang up) and to the server's call events, drives the media session
// through negotiation, and guarantees that every path out of a call —
// rejection, hangup, peer loss, negotiation failure — releases the
// captured devices exactly once. A second incoming call while one is
// active is rejected automatically without disturbing the current
// call's state.
package call

import (
	"encoding/json"
	"errors"
)

// Event names for the call half of the wire protocol. The client
// emits the imperative forms; the server delivers call:incoming to
// the callee and the past-participle forms to the other side.
const (
	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallAccept   = "call:accept"
	EventCallAccepted = "call:accepted"
	EventCallReject   = "call:reject"
	EventCallRejected = "call:rejected"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
	EventCallSignal   = "call:signal"
)

// Call types carried in the callType field.
const (
	TypeVoice = "voice"
	TypeVideo = "video"
)

// ErrCallActive is returned by Initiate while another call is in
// progress. The existing call is untouched.
var ErrCallActive = errors.New("call: another call is already active")

// ErrNoCall is returned by Accept, Reject, and End when there is no
// call in a state those operations apply to.
var ErrNoCall = errors.New("call: no call in progress")

// State is the lifecycle position of the current call.
type State int

const (
	// StateIdle means no call exists.
	StateIdle State = iota
	// StateCalling means we initiated a call and are waiting for the
	// peer's answer.
	StateCalling
	// StateRinging means an incoming call is waiting for our answer.
	StateRinging
	// StateConnected means both sides accepted and media negotiation
	// is under way or established.
	StateConnected
	// StateEnded means the call finished after being connected or was
	// hung up before connecting.
	StateEnded
	// StateRejected means one side declined before connecting.
	StateRejected
	// StateFailed means the call could not proceed: media capture was
	// unavailable or negotiation broke down.
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateCalling:   "calling",
	StateRinging:   "ringing",
	StateConnected: "connected",
	StateEnded:     "ended",
	StateRejected:  "rejected",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// terminal reports whether the state is final. A terminal call no
// longer blocks a new one.
func (s State) terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// MediaSession is the media side of one call as the coordinator
// consumes it: negotiation in, signals through, teardown out.
// *media.Session satisfies it.
type MediaSession interface {
	Negotiate(initiator bool, send func(payload json.RawMessage), onFailure func(error)) error
	HandleSignal(payload json.RawMessage) error
	Teardown()
}

// Media acquires capture and a fresh session per call.
type Media interface {
	Acquire(video bool) (MediaSession, error)
}

// offerPayload travels on call:initiate and arrives on call:incoming.
type offerPayload struct {
	ChatID     string `json:"chatId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CallType   string `json:"callType"`
}

// answerPayload travels on call:accept and call:reject and arrives on
// call:accepted and call:rejected.
type answerPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// endPayload travels on call:end and arrives on call:ended.
type endPayload struct {
	ChatID string `json:"chatId"`
}

// signalPayload travels both ways on call:signal. The signal body is
// opaque to the coordinator; the media session interprets it.
type signalPayload struct {
	ChatID string          `json:"chatId"`
	Signal json.RawMessage `json:"signal"`
}

// Info is a read-only snapshot of the current call, handed to
// callbacks and returned by Current.
type Info struct {
	// State is the lifecycle position at snapshot time.
	State State
	// ChatID is the conversation the call belongs to.
	ChatID string
	// PeerID and PeerName identify the remote party. Empty on
	// outgoing calls, where the peer is implied by the conversation.
	PeerID   string
	PeerName string
	// Video reports whether camera capture is part of the call.
	Video bool
	// Outgoing reports whether the local user initiated the call.
	Outgoing bool
}
