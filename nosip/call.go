// SPDX-License-Identifier: MPL-2.0

// Package nosip implements the no-signaling call object: one end of a
// session whose session description is exchanged out-of-band rather than
// via a signaling protocol this module understands. Grounded on baresip's
// sync_b2bua/nosip_call.c, mapped onto the teacher's media.MediaSession /
// RTP plumbing instead of baresip's native audio stack.
package nosip

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/media"
)

// AudioEndpoint is the collaborator interface spec.md §6 describes: anything
// that can have its decoded-audio output bound to a device (SetPlayback) and
// its encoder input pulled from one (SetCapture). Both nosip.Call and
// sipleg.Leg implement it, which is what lets b2bua.Session wire either side
// of a bridge without caring whether the peer is a SIP dialog or a raw RTP
// no-signaling call.
type AudioEndpoint interface {
	// SetPlayback starts delivering this endpoint's decoded incoming audio
	// into the named device, moduleName records which device backend
	// (bridge vs mixer) for logging/status only.
	SetPlayback(moduleName, deviceName string) error
	// SetCapture arranges for this endpoint to read from the named device
	// and encode+send whatever it's given.
	SetCapture(moduleName, deviceName string) error
	StopPlayback()
	StopCapture()
}

// Call is the no-signaling (NC) leg of §3/§4.D: essentially a DialogMedia
// without a *sipgo.Dialog behind it, offered or accepted purely via SDP
// bytes handed to it by the caller of the command surface.
type Call struct {
	ID      string
	Offerer bool // true if this call allocated the offer (sync_nosip_call_alloc offer=true)
	log     zerolog.Logger

	registry *device.Registry

	mu      sync.Mutex
	session *media.MediaSession
	rtpSess *media.RTPSession
	reader  *media.RTPPacketReader
	writer  *media.RTPPacketWriter
	started bool

	pb playbackBinding
	cb captureBinding
}

// New allocates a no-signaling call bound to laddr, backed by reg for its
// SetPlayback/SetCapture device bindings. If offerer is true the call's
// SDP() is an offer produced before any remote SDP is known; if false, SDP()
// is unusable until Accept has processed a remote offer and produced an
// answer, matching nosip_call_alloc's offer flag.
func New(id string, laddr *net.UDPAddr, offerer bool, reg *device.Registry) (*Call, error) {
	sess, err := media.NewMediaSession(laddr.IP, laddr.Port)
	if err != nil {
		return nil, err
	}

	c := &Call{
		ID:       id,
		Offerer:  offerer,
		log:      log.With().Str("nosip_call_id", id).Logger(),
		session:  sess,
		registry: reg,
	}
	return c, nil
}

// SDP returns this call's current local session description.
func (c *Call) SDP() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LocalSDP()
}

// Accept applies a remote SDP (offer or answer) and, once both sides of the
// exchange are present, starts the RTP session. Mirrors
// sync_nosip_call_accept -> sync_nosip_audio_start. A remote SDP with no
// codec in common with the local list is rejected by RemoteSDP, so Accept
// returns an error for it; the muted start below (a warning, no error) is
// reached only when RemoteSDP succeeds with an empty common-codec list.
func (c *Call) Accept(remoteSDP []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.session.RemoteSDP(remoteSDP); err != nil {
		return fmt.Errorf("nosip call %s: malformed remote SDP: %w", c.ID, err)
	}

	if len(c.session.CommonCodecs()) == 0 {
		c.log.Warn().Msg("no common audio codecs, call will start muted")
		return nil
	}

	return c.startLocked()
}

func (c *Call) startLocked() error {
	if c.started {
		return nil
	}
	rtpSess := media.NewRTPSession(c.session)
	rtpSess.MonitorBackground()

	c.rtpSess = rtpSess
	c.reader = media.NewRTPPacketReaderSession(rtpSess)
	c.writer = media.NewRTPPacketWriterSession(rtpSess)
	c.started = true
	return nil
}

// Close tears down the RTP session and any bindings to the device registry.
func (c *Call) Close() error {
	c.StopPlayback()
	c.StopCapture()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Call) codecPayloadType() (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return 0, fmt.Errorf("nosip call %s: audio not started", c.ID)
	}
	return c.writer.PayloadType, nil
}

