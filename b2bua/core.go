// SPDX-License-Identifier: MPL-2.0

package b2bua

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/mixer"
	"github.com/b2buacore/b2bua/nosip"
)

const (
	playSampleRate = 8000
	playPtime      = 20 * time.Millisecond
	playFrameLen   = playSampleRate * int(playPtime/time.Millisecond) / 1000
)

// Core owns the session registry and mixer-source set and exposes the
// command surface of spec.md §4.G as typed methods. Grounded on
// sync_b2bua.c, which plays the same role against baresip's own command
// multiplexer; here the "multiplexer" is cmd/b2buad's command.Server, kept
// entirely separate from this type.
type Core struct {
	registry *device.Registry
	mixer    *mixer.Engine
	bindIP   net.IP

	log zerolog.Logger

	mu       sync.Mutex
	bySip    map[string]*Session
	byNosip  map[string]*Session
	order    []*Session // insertion order, for Status
	sources  map[string]*MixerSource
	sourceOrder []string
}

// Option configures a Core at construction time.
type Option func(*Core)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Core) { c.log = l }
}

// NewCore builds a Core bound to reg and eng. bindIP is the local address
// handed to every no-signaling call's media session (sync_nosip_call_alloc's
// "local IP/port of the media stack").
func NewCore(reg *device.Registry, eng *mixer.Engine, bindIP net.IP, opts ...Option) *Core {
	c := &Core{
		registry: reg,
		mixer:    eng,
		bindIP:   bindIP,
		log:      log.Logger,
		bySip:    make(map[string]*Session),
		byNosip:  make(map[string]*Session),
		sources:  make(map[string]*MixerSource),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HandleLeg is the glue a signaling adapter's accept loop calls for every
// inbound call once the adapter has answered it: register an ANSWERED session
// for the lifetime of the dialog, and tear the session down once the dialog
// ends. It does not answer the leg itself. It blocks
// until the leg's context is done, mirroring endpoint.go's synchronous
// handler contract.
func (c *Core) HandleLeg(leg SignalingCall, peerURI string) error {
	id := leg.Id()

	c.mu.Lock()
	if _, exists := c.bySip[id]; exists {
		c.mu.Unlock()
		return newErr(ErrConflict, "session for sip call %s already exists", id)
	}
	sess := &Session{sipCallID: id, peerURI: peerURI, leg: leg, state: stateAnswered}
	c.bySip[id] = sess
	c.order = append(c.order, sess)
	c.mu.Unlock()

	c.log.Info().Str("sip_callid", id).Str("peer", peerURI).Msg("session answered")

	<-leg.Context().Done()

	c.freeSession(sess)
	return nil
}

// freeSession implements the "Any -> (free)" transition of spec.md §4.E:
// drop both index entries, destroy the owned NC, close the bridge devices,
// release any play handle.
func (c *Core) freeSession(sess *Session) {
	c.mu.Lock()
	delete(c.bySip, sess.sipCallID)
	if sess.nosipID != "" {
		delete(c.byNosip, sess.nosipID)
	}
	for i, s := range c.order {
		if s == sess {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if sess.playing != nil {
		c.stopPlayLocked(sess)
	}
	if sess.nc != nil {
		sess.nc.Close()
	}
	if sess.sipToNosip != "" {
		c.registry.Close(sess.sipToNosip)
	}
	if sess.nosipToSip != "" {
		c.registry.Close(sess.nosipToSip)
	}
}

// --- status() ---

type SessionStatus struct {
	SipCallID string
	NosipID   string
	PeerURI   string
	State     string
	Playing   bool
}

type StatusReport struct {
	Sessions     []SessionStatus
	MixerSources []string
}

func (c *Core) Status() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := StatusReport{}
	for _, s := range c.order {
		report.Sessions = append(report.Sessions, SessionStatus{
			SipCallID: s.sipCallID,
			NosipID:   s.nosipID,
			PeerURI:   s.peerURI,
			State:     s.state.String(),
			Playing:   s.playing != nil,
		})
	}
	for _, id := range c.sourceOrder {
		report.MixerSources = append(report.MixerSources, id)
	}
	return report
}

// --- nosip_call_create(id, sip_callid) -> local sdp offer ---

func (c *Core) NosipCallCreate(id, sipCallID string) ([]byte, error) {
	if id == "" || sipCallID == "" {
		return nil, newErr(ErrInvalidArgument, "id and sip_callid are required")
	}

	c.mu.Lock()
	if _, exists := c.byNosip[id]; exists {
		c.mu.Unlock()
		return nil, newErr(ErrConflict, "nosip id %s already in use", id)
	}
	sess, ok := c.bySip[sipCallID]
	if !ok {
		c.mu.Unlock()
		return nil, newErr(ErrNotFound, "no session for sip call %s", sipCallID)
	}
	if sess.state != stateAnswered {
		c.mu.Unlock()
		return nil, newErr(ErrConflict, "session %s is not in answered state", sipCallID)
	}
	c.mu.Unlock()

	nc, err := nosip.New(id, c.udpAddr(), true, c.registry)
	if err != nil {
		return nil, newErr(ErrOutOfMemory, "allocating no-signaling call: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under lock: another create could have raced us between the
	// first check and nosip.New returning.
	if sess.state != stateAnswered {
		nc.Close()
		return nil, newErr(ErrConflict, "session %s is not in answered state", sipCallID)
	}
	if _, exists := c.byNosip[id]; exists {
		nc.Close()
		return nil, newErr(ErrConflict, "nosip id %s already in use", id)
	}

	sess.nc = nc
	sess.nosipID = id
	sess.state = stateNCCreated
	c.byNosip[id] = sess

	return nc.SDP(), nil
}

// --- nosip_call_connect(id, sip_callid, remote_sdp) -> void ---

func (c *Core) NosipCallConnect(id, sipCallID string, remoteSDP []byte) error {
	c.mu.Lock()
	sess, ok := c.bySip[sipCallID]
	if !ok {
		c.mu.Unlock()
		return newErr(ErrNotFound, "no session for sip call %s", sipCallID)
	}
	if sess.nosipID != id {
		c.mu.Unlock()
		return newErr(ErrNotFound, "session %s has no nosip call %s", sipCallID, id)
	}
	if sess.state != stateNCCreated {
		c.mu.Unlock()
		return newErr(ErrConflict, "session %s already connected", sipCallID)
	}
	c.mu.Unlock()

	if err := sess.nc.Accept(remoteSDP); err != nil {
		return newErr(ErrInvalidSdp, "accepting remote sdp: %w", err)
	}

	if sess.playing != nil {
		c.stopPlayLocked(sess)
	}

	sipToNosip := sipToNosipDevice(sipCallID)
	nosipToSip := nosipToSipDevice(sipCallID)

	if _, err := c.registry.OpenBridge(sipToNosip); err != nil {
		return newErr(ErrInternal, "opening bridge device %s: %w", sipToNosip, err)
	}
	if _, err := c.registry.OpenBridge(nosipToSip); err != nil {
		c.registry.Close(sipToNosip)
		return newErr(ErrInternal, "opening bridge device %s: %w", nosipToSip, err)
	}

	if err := sess.leg.SetPlayback(ModuleBridge, sipToNosip); err != nil {
		return newErr(ErrInternal, "wiring sip leg playback: %w", err)
	}
	if err := sess.nc.SetCapture(ModuleBridge, sipToNosip); err != nil {
		return newErr(ErrInternal, "wiring nosip capture: %w", err)
	}
	if err := sess.nc.SetPlayback(ModuleBridge, nosipToSip); err != nil {
		return newErr(ErrInternal, "wiring nosip playback: %w", err)
	}
	if err := sess.leg.SetCapture(ModuleBridge, nosipToSip); err != nil {
		return newErr(ErrInternal, "wiring sip leg capture: %w", err)
	}

	c.mu.Lock()
	sess.sipToNosip = sipToNosip
	sess.nosipToSip = nosipToSip
	sess.state = stateConnected
	sess.connected = true
	c.mu.Unlock()

	return nil
}

// --- sip_call_hangup(sip_callid, reason?) -> void ---

func (c *Core) SipCallHangup(ctx context.Context, sipCallID, reason string) error {
	c.mu.Lock()
	sess, ok := c.bySip[sipCallID]
	c.mu.Unlock()
	if !ok {
		return newErr(ErrNotFound, "no session for sip call %s", sipCallID)
	}

	if reason != "" {
		c.log.Info().Str("sip_callid", sipCallID).Str("reason", reason).Msg("hangup requested")
	}
	if err := sess.leg.Hangup(ctx); err != nil {
		return newErr(ErrInternal, "hangup: %w", err)
	}
	return nil
}

// --- play_start/play_stop/play_list ---

func (c *Core) PlayStart(sipCallID, file string, loop int) error {
	c.mu.Lock()
	sess, ok := c.bySip[sipCallID]
	c.mu.Unlock()
	if !ok {
		return newErr(ErrNotFound, "no session for sip call %s", sipCallID)
	}

	if sess.playing != nil {
		c.stopPlayLocked(sess)
	}

	// spec.md's play_start loop semantics: -1 is infinite, anything else
	// plays exactly once. Intermediate counts are not honored.
	if loop != -1 {
		loop = 1
	}

	fp, err := mixer.NewFilePlayer(file, playSampleRate, playFrameLen, loop)
	if err != nil {
		return newErr(ErrUnsupported, "opening play file %s: %w", file, err)
	}

	devName := fmt.Sprintf("play-%s", sipCallID)
	dev, err := c.registry.OpenBridge(devName)
	if err != nil {
		fp.Close()
		return newErr(ErrInternal, "opening play device: %w", err)
	}

	if err := sess.leg.SetCapture(ModulePlay, devName); err != nil {
		c.registry.Close(devName)
		fp.Close()
		return newErr(ErrInternal, "wiring play capture: %w", err)
	}

	source := func(frame []int16) error {
		pcm, err := fp.Next()
		if err != nil {
			return err
		}
		copy(frame, pcm)
		return nil
	}
	pump := device.NewPump(playPtime, playFrameLen, source, dev,
		device.WithPumpLogger(c.log.With().Str("sip_callid", sipCallID).Logger()))
	pump.Start()

	c.mu.Lock()
	sess.playing = &sessionPlay{pump: pump, fp: fp, devName: devName}
	c.mu.Unlock()
	return nil
}

func (c *Core) PlayStop(sipCallID string) error {
	c.mu.Lock()
	sess, ok := c.bySip[sipCallID]
	c.mu.Unlock()
	if !ok {
		return newErr(ErrNotFound, "no session for sip call %s", sipCallID)
	}

	if sess.playing == nil {
		return nil
	}
	c.stopPlayLocked(sess)
	return nil
}

// stopPlayLocked tears down an in-progress play_start and restores the
// session's normal bridge capture, if the session has one. Despite the name
// it must be called without Core.mu held, since it touches the leg and
// registry; "Locked" refers to the session having a playing handle, not a
// mutex state.
func (c *Core) stopPlayLocked(sess *Session) {
	c.mu.Lock()
	p := sess.playing
	sess.playing = nil
	connected := sess.connected
	nosipToSip := sess.nosipToSip
	sipCallID := sess.sipCallID
	leg := sess.leg
	c.mu.Unlock()

	if p == nil {
		return
	}
	p.pump.Stop()
	p.fp.Close()
	c.registry.Close(p.devName)

	if connected {
		if err := leg.SetCapture(ModuleBridge, nosipToSip); err != nil {
			c.log.Error().Err(err).Str("sip_callid", sipCallID).Msg("restoring capture after play_stop failed")
		}
	} else {
		leg.StopCapture()
	}
}

func (c *Core) PlayList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, s := range c.order {
		if s.playing != nil {
			ids = append(ids, s.sipCallID)
		}
	}
	return ids
}

// --- rtp_capabilities() -> sdp ---

func (c *Core) RtpCapabilities() ([]byte, error) {
	nc, err := nosip.New("rtp-capabilities-probe", c.udpAddr(), true, c.registry)
	if err != nil {
		return nil, newErr(ErrOutOfMemory, "allocating capability probe: %w", err)
	}
	defer nc.Close()
	return nc.SDP(), nil
}

// --- mixer_source_add/del/enable/disable, mixer_play ---

func (c *Core) MixerSourceAdd(id, sipCallID string, offerSDP []byte) ([]byte, error) {
	leg, err := c.reserveMixerSource(id, sipCallID)
	if err != nil {
		return nil, err
	}

	nc, err := nosip.New(id, c.udpAddr(), false, c.registry)
	if err != nil {
		return nil, newErr(ErrOutOfMemory, "allocating mixer source call: %w", err)
	}
	if err := nc.Accept(offerSDP); err != nil {
		nc.Close()
		return nil, newErr(ErrInvalidSdp, "accepting mixer source offer: %w", err)
	}

	return c.wireMixerSource(id, sipCallID, leg, nc, nc.SDP())
}

// MixerSourceAddWebRTC is the WebRTC-backed flavor of mixer_source_add,
// used when the peer feeding the mixer is a media server or SFU exchanging
// SDP over WebRTC rather than raw RTP (spec.md §3's "typically a media
// server or SFU" case). It shares every wiring step with MixerSourceAdd
// past SDP negotiation, which is the only place the two transports differ.
func (c *Core) MixerSourceAddWebRTC(id, sipCallID string, offerSDP []byte) ([]byte, error) {
	leg, err := c.reserveMixerSource(id, sipCallID)
	if err != nil {
		return nil, err
	}

	nc, answerSDP, err := nosip.NewWebRTCAnswer(id, c.registry, offerSDP)
	if err != nil {
		return nil, newErr(ErrInvalidSdp, "negotiating webrtc mixer source: %w", err)
	}

	return c.wireMixerSource(id, sipCallID, leg, nc, answerSDP)
}

// reserveMixerSource validates and reserves a mixer source id before any
// transport-specific SDP negotiation happens, shared by MixerSourceAdd and
// MixerSourceAddWebRTC.
func (c *Core) reserveMixerSource(id, sipCallID string) (SignalingCall, error) {
	if id == "" {
		return nil, newErr(ErrInvalidArgument, "id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sources[id]; exists {
		return nil, newErr(ErrConflict, "mixer source %s already exists", id)
	}
	var leg SignalingCall
	if sipCallID != "" {
		sess, ok := c.bySip[sipCallID]
		if !ok {
			return nil, newErr(ErrNotFound, "no session for sip call %s", sipCallID)
		}
		leg = sess.leg
	}
	return leg, nil
}

// wireMixerSource binds nc (already SDP-negotiated, answerSDP in hand) into
// the mixer: a slot, its in/out bridge devices, the leg fan-out device if a
// signaling leg is paired, and the tap that fans the mixed period into both.
func (c *Core) wireMixerSource(id, sipCallID string, leg SignalingCall, nc mixerSourceEndpoint, answerSDP []byte) ([]byte, error) {
	slot := c.mixer.AddSlot(id)
	inDev, err := c.registry.OpenMixSlot(id)
	if err != nil {
		c.mixer.RemoveSlot(id)
		nc.Close()
		return nil, newErr(ErrConflict, "mixer source device %s already exists: %w", id, err)
	}
	inDev.SetCapture(slot.Put)

	idOut := mixerOutDevice(id)
	outDev, err := c.registry.OpenBridge(idOut)
	if err != nil {
		c.mixer.RemoveSlot(id)
		c.registry.Close(id)
		nc.Close()
		return nil, newErr(ErrInternal, "opening mixer out device: %w", err)
	}

	var legOut string
	var legOutDev *device.Device
	if leg != nil {
		legOut = mixerLegOutDevice(id, sipCallID)
		legOutDev, err = c.registry.OpenBridge(legOut)
		if err != nil {
			c.mixer.RemoveSlot(id)
			c.registry.Close(id)
			c.registry.Close(idOut)
			nc.Close()
			return nil, newErr(ErrInternal, "opening mixer leg-out device: %w", err)
		}
		if err := leg.SetCapture(ModuleMix, legOut); err != nil {
			c.mixer.RemoveSlot(id)
			c.registry.Close(id)
			c.registry.Close(idOut)
			c.registry.Close(legOut)
			nc.Close()
			return nil, newErr(ErrInternal, "wiring leg mixer capture: %w", err)
		}
	}

	c.mixer.SetTap(id, func(mixed mixer.Frame) error {
		err := outDev.Write(mixed)
		if legOutDev != nil {
			if e := legOutDev.Write(mixed); e != nil && err == nil {
				err = e
			}
		}
		return err
	})

	if err := nc.SetPlayback(ModuleMix, id); err != nil {
		c.mixer.RemoveSlot(id)
		c.registry.Close(id)
		c.registry.Close(idOut)
		if legOut != "" {
			c.registry.Close(legOut)
		}
		nc.Close()
		return nil, newErr(ErrInternal, "wiring mixer source playback: %w", err)
	}
	if err := nc.SetCapture(ModuleMix, idOut); err != nil {
		c.mixer.RemoveSlot(id)
		c.registry.Close(id)
		c.registry.Close(idOut)
		if legOut != "" {
			c.registry.Close(legOut)
		}
		nc.Close()
		return nil, newErr(ErrInternal, "wiring mixer source capture: %w", err)
	}

	ms := &MixerSource{id: id, sipCallID: sipCallID, nc: nc, idOut: idOut, legOut: legOut}

	c.mu.Lock()
	c.sources[id] = ms
	c.sourceOrder = append(c.sourceOrder, id)
	c.mu.Unlock()

	return answerSDP, nil
}

func (c *Core) MixerSourceEnable(id, sipCallID string) error {
	c.mu.Lock()
	ms, ok := c.sources[id]
	if !ok {
		c.mu.Unlock()
		return newErr(ErrNotFound, "mixer source %s not found", id)
	}
	var leg SignalingCall
	if sipCallID != "" {
		sess, sok := c.bySip[sipCallID]
		if !sok {
			c.mu.Unlock()
			return newErr(ErrNotFound, "no session for sip call %s", sipCallID)
		}
		leg = sess.leg
	}
	ms.enabled = true
	c.mu.Unlock()

	if leg != nil {
		if err := leg.SetPlayback(ModuleMix, id); err != nil {
			return newErr(ErrInternal, "routing leg audio into mixer source: %w", err)
		}
	}
	c.mixer.Enable(id, true)
	return nil
}

func (c *Core) MixerSourceDisable(id string) error {
	c.mu.Lock()
	_, ok := c.sources[id]
	c.mu.Unlock()
	if !ok {
		return newErr(ErrNotFound, "mixer source %s not found", id)
	}
	c.mixer.Enable(id, false)
	return nil
}

func (c *Core) MixerSourceDel(id string) error {
	c.mu.Lock()
	ms, ok := c.sources[id]
	if !ok {
		c.mu.Unlock()
		return newErr(ErrNotFound, "mixer source %s not found", id)
	}
	delete(c.sources, id)
	for i, sid := range c.sourceOrder {
		if sid == id {
			c.sourceOrder = append(c.sourceOrder[:i], c.sourceOrder[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.mixer.RemoveSlot(id)
	ms.nc.Close()
	c.registry.Close(id)
	c.registry.Close(ms.idOut)
	if ms.legOut != "" {
		c.registry.Close(ms.legOut)
	}
	return nil
}

func (c *Core) MixerPlay(filename string) error {
	fp, err := mixer.NewFilePlayer(filename, c.mixer.SampleRate(), c.mixer.FrameLen(), 1)
	if err != nil {
		return newErr(ErrUnsupported, "opening mixer play file %s: %w", filename, err)
	}
	c.mixer.SetFilePlayer(fp)
	return nil
}

func (c *Core) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.bindIP, Port: 0}
}
