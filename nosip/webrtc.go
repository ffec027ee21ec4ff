// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package nosip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/audio"
	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/media"
	"github.com/b2buacore/b2bua/media/sdp"
)

// webrtcAPI is shared across all WebRTC-backed no-signaling calls, mirroring
// the teacher's diagomod package: one MediaEngine registering the codecs the
// mixer core understands (G.711 only — wideband codecs would need
// resampling before they could feed the int16 8/48kHz mixer).
var webrtcAPI *webrtc.API

func init() {
	m := webrtc.MediaEngine{}
	codecs := []struct {
		mime string
		pt   webrtc.PayloadType
	}{
		{webrtc.MimeTypePCMU, 0},
		{webrtc.MimeTypePCMA, 8},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: c.mime, ClockRate: 8000, Channels: 1},
			PayloadType:        c.pt,
		}, webrtc.RTPCodecTypeAudio); err != nil {
			panic(err)
		}
	}
	webrtcAPI = webrtc.NewAPI(webrtc.WithMediaEngine(&m), webrtc.WithSettingEngine(webrtc.SettingEngine{}))
}

var webrtcConfig = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
}

type webrtcTrackReader struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (r *webrtcTrackReader) ReadRTP(buf []byte, p *rtp.Packet) error {
	n, _, err := r.track.Read(buf)
	if err != nil {
		return err
	}
	return p.Unmarshal(buf[:n])
}

func (r *webrtcTrackReader) ReadRTPRaw(buf []byte) (int, error) {
	n, _, err := r.track.Read(buf)
	return n, err
}

func (r *webrtcTrackReader) ReadRTCP(buf []byte, pkts []rtcp.Packet) (int, error) {
	n, _, err := r.receiver.Read(buf)
	if err != nil {
		return n, err
	}
	return media.RTCPUnmarshal(buf[:n], pkts)
}

func (r *webrtcTrackReader) ReadRTCPRaw(buf []byte) (int, error) {
	n, _, err := r.receiver.Read(buf)
	return n, err
}

type webrtcTrackWriter struct {
	track *webrtc.TrackLocalStaticRTP
}

func (w *webrtcTrackWriter) WriteRTP(p *rtp.Packet) error      { return w.track.WriteRTP(p) }
func (w *webrtcTrackWriter) WriteRTPRaw(b []byte) (int, error) { return w.track.Write(b) }
func (w *webrtcTrackWriter) WriteRTCP(rtcp.Packet) error        { return nil }
func (w *webrtcTrackWriter) WriteRTCPRaw([]byte) (int, error)   { return 0, nil }

// WebRTCCall is the WebRTC-backed flavor of the no-signaling call, used when
// the peer on the other side of the SDP exchange is a media server or SFU
// rather than a plain RTP endpoint (spec.md §3's "typically" case). It
// implements the same AudioEndpoint shape as Call by duplicating the
// decode/encode-to-device wiring rather than sharing Call's RTP-session
// internals, since the transport underneath is entirely different.
type WebRTCCall struct {
	ID  string
	log zerolog.Logger

	registry *device.Registry
	pc       *webrtc.PeerConnection

	mu     sync.Mutex
	reader *media.RTPPacketReader
	writer *media.RTPPacketWriter
	pt     uint8

	pb playbackBinding
	cb captureBinding
}

// NewWebRTCOffer creates a WebRTC peer connection, adds a local PCMU track
// and returns the SDP offer. WebRTCCall has no method that applies the
// remote answer, so a call made here never receives a remote track.
func NewWebRTCOffer(id string, reg *device.Registry) (*WebRTCCall, []byte, error) {
	pc, err := webrtcAPI.NewPeerConnection(webrtcConfig)
	if err != nil {
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU}, "audio", id)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, nil, err
	}
	<-gatherComplete

	c := &WebRTCCall{
		ID:       id,
		log:      log.With().Str("nosip_call_id", id).Str("transport", "webrtc").Logger(),
		registry: reg,
		pc:       pc,
		writer:   media.NewRTPPacketWriter(&webrtcTrackWriter{track: track}, media.CodecAudioUlaw),
		pt:       0,
	}
	return c, []byte(pc.LocalDescription().SDP), nil
}

// NewWebRTCAnswer accepts a remote offer and returns the local answer, the
// answering-side equivalent of NewWebRTCOffer, grounded on the teacher's
// DialogServerSession.answerWebrtc.
func NewWebRTCAnswer(id string, reg *device.Registry, remoteOfferSDP []byte) (*WebRTCCall, []byte, error) {
	pc, err := webrtcAPI.NewPeerConnection(webrtcConfig)
	if err != nil {
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU}, "audio", id)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remoteTrackCh := make(chan *webrtcTrackReader, 1)
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		select {
		case remoteTrackCh <- &webrtcTrackReader{track: remote, receiver: receiver}:
		case <-ctx.Done():
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(remoteOfferSDP)}); err != nil {
		return nil, nil, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, nil, err
	}
	<-gatherComplete

	var rtr *webrtcTrackReader
	select {
	case rtr = <-remoteTrackCh:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("nosip webrtc call %s: timed out waiting for remote track", id)
	}

	var pt uint8
	var codec media.Codec
	switch rtr.track.Codec().MimeType {
	case webrtc.MimeTypePCMA:
		pt, codec = sdp.FormatNumeric(sdp.FORMAT_TYPE_ALAW), media.CodecAudioAlaw
	default:
		pt, codec = sdp.FormatNumeric(sdp.FORMAT_TYPE_ULAW), media.CodecAudioUlaw
	}

	c := &WebRTCCall{
		ID:       id,
		log:      log.With().Str("nosip_call_id", id).Str("transport", "webrtc").Logger(),
		registry: reg,
		pc:       pc,
		reader:   media.NewRTPPacketReader(rtr, codec),
		writer:   media.NewRTPPacketWriter(&webrtcTrackWriter{track: track}, media.CodecAudioUlaw),
		pt:       pt,
	}
	return c, []byte(pc.LocalDescription().SDP), nil
}

func (c *WebRTCCall) Close() error {
	c.StopPlayback()
	c.StopCapture()
	return c.pc.Close()
}

func (c *WebRTCCall) SetPlayback(moduleName, deviceName string) error {
	c.StopPlayback()

	c.mu.Lock()
	reader, pt := c.reader, c.pt
	c.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("nosip webrtc call %s: remote track not yet negotiated", c.ID)
	}

	dec, err := audio.NewPCMDecoderReader(pt, reader)
	if err != nil {
		return err
	}
	dev, err := c.registry.Find(deviceName)
	if err != nil {
		return err
	}

	const frameLen = 160 // 20ms @ 8kHz
	pcmBuf := make([]byte, frameLen*2)
	source := func(frame []int16) error {
		n, err := dec.Read(pcmBuf)
		if err != nil {
			return err
		}
		bytesToInt16(pcmBuf[:n], frame)
		return nil
	}

	pump := device.NewPump(ptime, frameLen, source, dev, device.WithPumpLogger(c.log))
	pump.Start()
	c.mu.Lock()
	c.pb.pump = pump
	c.mu.Unlock()
	return nil
}

func (c *WebRTCCall) StopPlayback() {
	c.mu.Lock()
	pump := c.pb.pump
	c.pb.pump = nil
	c.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}
}

func (c *WebRTCCall) SetCapture(moduleName, deviceName string) error {
	c.StopCapture()

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()

	enc, err := audio.NewPCMEncoder(0, writer)
	if err != nil {
		return err
	}
	dev, err := c.registry.Find(deviceName)
	if err != nil {
		return err
	}

	byteBuf := make([]byte, 0, 320)
	if err := dev.SetCapture(func(frame []int16) error {
		byteBuf = int16ToBytes(frame, byteBuf[:0])
		_, err := enc.Write(byteBuf)
		return err
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.cb.dev = dev
	c.mu.Unlock()
	return nil
}

func (c *WebRTCCall) StopCapture() {
	c.mu.Lock()
	dev := c.cb.dev
	c.cb.dev = nil
	c.mu.Unlock()
	if dev != nil {
		dev.ClearCapture()
	}
}
