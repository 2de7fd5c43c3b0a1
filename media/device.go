// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package media manages the local/remote media streams bound to a
// call: device capture, the WebRTC peer connection, and the
// offer/answer/candidate exchange that establishes it.
//
// Device capture is an external capability behind the [Device]
// interface — the package never touches hardware itself. The
// [Manager] acquires local tracks from the device and builds a
// [Session] per call; the session owns the pion PeerConnection and is
// the single cancellation point for the call's media work: after
// Teardown, late signals and device tracks are discarded, never
// applied.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable reports that local capture could not be opened:
// no device, no permission, or the device is in use. Calls fail fast
// on it and the peer is notified so it does not ring forever.
var ErrMediaUnavailable = errors.New("media: capture device unavailable")

// LocalTrack is one captured local track plus the control needed to
// release the device behind it.
type LocalTrack interface {
	// Track returns the pion track fed by this capture.
	Track() webrtc.TrackLocal

	// Stop releases the capture behind the track. Called on every
	// exit path from a call so device-access indicators never leak.
	Stop() error
}

// Device is the capture capability consumed by the Manager. video
// selects camera capture in addition to the microphone.
type Device interface {
	Capture(video bool) ([]LocalTrack, error)
}

// LocalMedia owns the captured tracks for one call.
type LocalMedia struct {
	mu       sync.Mutex
	tracks   []LocalTrack
	released bool
}

// Tracks returns the pion tracks to attach to a peer connection.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, len(m.tracks))
	for i, track := range m.tracks {
		tracks[i] = track.Track()
	}
	return tracks
}

// Release stops every captured track. Idempotent.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	for _, track := range m.tracks {
		track.Stop()
	}
}

// SilentDevice is a Device producing real pion tracks that carry no
// samples. Used by tests and headless clients that participate in
// signaling without capturing anything.
type SilentDevice struct{}

// Capture returns a silent audio track, plus a silent video track
// when video is true.
func (SilentDevice) Capture(video bool) ([]LocalTrack, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "chatwire")
	if err != nil {
		return nil, fmt.Errorf("media: create audio track: %w", err)
	}
	tracks := []LocalTrack{silentTrack{audio}}

	if video {
		camera, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "chatwire")
		if err != nil {
			return nil, fmt.Errorf("media: create video track: %w", err)
		}
		tracks = append(tracks, silentTrack{camera})
	}
	return tracks, nil
}

type silentTrack struct {
	track webrtc.TrackLocal
}

func (t silentTrack) Track() webrtc.TrackLocal { return t.track }
func (t silentTrack) Stop() error              { return nil }
