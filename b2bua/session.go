// SPDX-License-Identifier: MPL-2.0

// Package b2bua implements the session registry, mixer-source set and typed
// command surface that pair a signaling call with a no-signaling call and
// bridge their audio through the device registry and mixer. It is grounded
// on baresip's sync_b2bua.c/sync_b2bua/*.c module pair, reshaped onto the
// teacher's dual-index dialog-cache idiom (dialog_cache.go, there two
// sync.Map; Core keeps two plain maps under one mutex) and the
// nosip.AudioEndpoint collaborator contract so this package never imports
// sipgo directly.
package b2bua

import (
	"context"
	"fmt"

	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/mixer"
	"github.com/b2buacore/b2bua/nosip"
)

// Module names recognized by the audio endpoint contract, spec.md §6.
const (
	ModuleBridge = "bridge"
	ModuleMix    = "mix"
	ModulePlay   = "play"
)

// SignalingCall is the collaborator interface the signaling adapter must
// satisfy for Core to pair it with a no-signaling call. sipleg.Leg implements
// it; Core never imports sipleg or sipgo, only this interface and
// nosip.AudioEndpoint.
type SignalingCall interface {
	nosip.AudioEndpoint
	Id() string
	Hangup(ctx context.Context) error
	Context() context.Context
}

type sessionState int

const (
	stateAnswered sessionState = iota
	stateNCCreated
	stateConnected
)

func (s sessionState) String() string {
	switch s {
	case stateAnswered:
		return "answered"
	case stateNCCreated:
		return "nc_created"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// sessionPlay tracks an in-progress play_start announcement on a session's
// signaling leg, overriding its normal capture binding until play_stop.
type sessionPlay struct {
	pump    *device.Pump
	fp      *mixer.FilePlayer
	devName string
}

// Session pairs one signaling call with (eventually) one no-signaling call,
// per spec.md §3/§4.E. It is only ever mutated from Core's command methods,
// which all hold Core.mu, so Session itself carries no lock.
type Session struct {
	sipCallID string
	nosipID   string
	peerURI   string

	state     sessionState
	connected bool

	leg SignalingCall
	nc  *nosip.Call

	playing *sessionPlay

	// bridge device names, populated once connected.
	sipToNosip string
	nosipToSip string
}

func (s *Session) SipCallID() string { return s.sipCallID }
func (s *Session) NosipID() string   { return s.nosipID }

func sipToNosipDevice(sipCallID string) string { return fmt.Sprintf("sip_to_nosip-%s", sipCallID) }
func nosipToSipDevice(sipCallID string) string { return fmt.Sprintf("nosip_to_sip-%s", sipCallID) }
