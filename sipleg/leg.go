// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sipleg

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/audio"
	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/media"
	"github.com/b2buacore/b2bua/media/sdp"
)

const legPtime = 20 * time.Millisecond

// Leg represents an inbound SIP channel handed to the core once answered. It
// satisfies nosip.AudioEndpoint so a session can bridge it against a
// no-signaling call without caring that the transport underneath is SIP.
// Grounded on the teacher's DialogServerSession, generalized with a device
// registry binding in place of direct dialplan playback.
type Leg struct {
	*sipgo.DialogServerSession
	DialogMedia

	// lastInvite is the last REINVITE seen, kept alongside the original
	// InviteRequest so RemoteContact can prefer it.
	lastInvite *sip.Request

	contactHDR sip.ContactHeader
	formats    sdp.Formats

	registry *device.Registry
	pbPump   *device.Pump
	cbDev    *device.Device
}

func (l *Leg) Id() string {
	return l.ID
}

func (l *Leg) Close() {
	l.StopPlayback()
	l.StopCapture()
	l.DialogMedia.Close()
	l.DialogServerSession.Close()
}

func (l *Leg) FromUser() string {
	return l.InviteRequest.From().Address.User
}

// User that was dialed
func (l *Leg) ToUser() string {
	return l.InviteRequest.To().Address.User
}

func (l *Leg) Progress() error {
	return l.Respond(sip.StatusTrying, "Trying", nil)
}

func (l *Leg) Ringing() error {
	return l.Respond(sip.StatusRinging, "Ringing", nil)
}

func (l *Leg) DialogSIP() *sipgo.Dialog {
	return &l.Dialog
}

func (l *Leg) RemoteContact() *sip.ContactHeader {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastInvite != nil {
		return l.lastInvite.Contact()
	}
	return l.InviteRequest.Contact()
}

func (l *Leg) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	headers = append(headers, &l.contactHDR)
	return l.DialogServerSession.Respond(statusCode, reason, body, headers...)
}

func (l *Leg) RespondSDP(body []byte) error {
	headers := []sip.Header{sip.NewHeader("Content-Type", "application/sdp"), &l.contactHDR}
	return l.DialogServerSession.Respond(200, "OK", body, headers...)
}

// Answer negotiates a media session against the configured codec formats and
// answers with it. Grounded on DialogServerSession.Answer.
func (l *Leg) Answer() error {
	sess, err := l.createMediaSession()
	if err != nil {
		return err
	}

	rtpSess := media.NewRTPSession(sess)
	return l.AnswerWithSession(sess, rtpSess)
}

func (l *Leg) createMediaSession() (*media.MediaSession, error) {
	ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
	if err != nil {
		return nil, err
	}

	sess, err := media.NewMediaSession(ip, 0)
	if err != nil {
		return nil, err
	}

	if len(l.formats) > 0 {
		codecs := make([]media.Codec, 0, len(l.formats))
		for _, f := range l.formats {
			switch f {
			case sdp.FORMAT_TYPE_ALAW:
				codecs = append(codecs, media.CodecAudioAlaw)
			case sdp.FORMAT_TYPE_ULAW:
				codecs = append(codecs, media.CodecAudioUlaw)
			}
		}
		if len(codecs) > 0 {
			sess.Codecs = codecs
		}
	}
	return sess, nil
}

// AnswerWithSession allows answering with custom media and rtpSess.
func (l *Leg) AnswerWithSession(sess *media.MediaSession, rtpSess *media.RTPSession) error {
	sdpBody := l.InviteRequest.Body()
	if sdpBody == nil {
		return fmt.Errorf("no sdp present in INVITE")
	}

	if err := sess.RemoteSDP(sdpBody); err != nil {
		return err
	}

	l.InitMediaSession(
		sess,
		media.NewRTPPacketReaderSession(rtpSess),
		media.NewRTPPacketWriterSession(rtpSess),
	)
	// Must be called after media and reader writer is setup
	rtpSess.MonitorBackground()

	if err := l.RespondSDP(sess.LocalSDP()); err != nil {
		return err
	}

	// Wait ACK. If we do not, hanging up can race an ACK still in flight.
	for {
		select {
		case <-time.After(10 * time.Second):
			return fmt.Errorf("no ACK received")
		case state := <-l.State():
			if state == sip.DialogStateConfirmed {
				return nil
			}
		}
	}
}

func (l *Leg) Hangup(ctx context.Context) error {
	return l.Bye(ctx)
}

func (l *Leg) ReInvite(ctx context.Context) error {
	l.mu.Lock()
	sess := l.mediaSession
	l.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("call not answered")
	}

	sdpBody := sess.LocalSDP()
	contact := l.RemoteContact()
	req := sip.NewRequest(sip.INVITE, contact.Address)
	req.SetBody(sdpBody)

	res, err := l.Do(ctx, req)
	if err != nil {
		return err
	}

	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}
	return nil
}

func (l *Leg) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	if err := l.ReadRequest(req, tx); err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		return
	}

	l.mu.Lock()
	l.lastInvite = req
	err := l.sdpReInviteUnsafe(req.Body())
	l.mu.Unlock()

	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, err.Error(), nil))
		return
	}
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func (l *Leg) readSIPInfoDTMF(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotAcceptable, "Not Acceptable", nil))
}

// SetPlayback decodes this leg's incoming RTP and writes it into the named
// device at ptime cadence, mirroring nosip.Call.SetPlayback so both leg types
// satisfy the same AudioEndpoint contract.
func (l *Leg) SetPlayback(moduleName, deviceName string) error {
	l.StopPlayback()

	l.mu.Lock()
	reader := l.RTPPacketReader
	l.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("sip leg %s: call not answered", l.ID)
	}

	dec, err := audio.NewPCMDecoderReader(reader.PayloadType, reader)
	if err != nil {
		return err
	}

	dev, err := l.registry.Find(deviceName)
	if err != nil {
		return err
	}

	frameLen := int(l.sampleRate()) * int(legPtime/time.Millisecond) / 1000
	pcmBuf := make([]byte, frameLen*2)
	source := func(frame []int16) error {
		n, err := dec.Read(pcmBuf)
		if err != nil {
			return err
		}
		legBytesToInt16(pcmBuf[:n], frame)
		return nil
	}

	pump := device.NewPump(legPtime, frameLen, source, dev,
		device.WithPumpLogger(log.With().Str("sip_callid", l.ID).Logger()))
	pump.Start()

	l.mu.Lock()
	l.pbPump = pump
	l.mu.Unlock()
	return nil
}

func (l *Leg) StopPlayback() {
	l.mu.Lock()
	pump := l.pbPump
	l.pbPump = nil
	l.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}
}

// SetCapture arranges for frames written into the named device to be
// encoded and sent as RTP on this leg.
func (l *Leg) SetCapture(moduleName, deviceName string) error {
	l.StopCapture()

	l.mu.Lock()
	writer := l.RTPPacketWriter
	l.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("sip leg %s: call not answered", l.ID)
	}

	enc, err := audio.NewPCMEncoder(writer.PayloadType, writer)
	if err != nil {
		return err
	}

	dev, err := l.registry.Find(deviceName)
	if err != nil {
		return err
	}

	byteBuf := make([]byte, 0, 320)
	if err := dev.SetCapture(func(frame []int16) error {
		byteBuf = legInt16ToBytes(frame, byteBuf[:0])
		_, err := enc.Write(byteBuf)
		return err
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.cbDev = dev
	l.mu.Unlock()
	return nil
}

func (l *Leg) StopCapture() {
	l.mu.Lock()
	dev := l.cbDev
	l.cbDev = nil
	l.mu.Unlock()
	if dev != nil {
		dev.ClearCapture()
	}
}

func (l *Leg) sampleRate() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RTPPacketWriter != nil {
		return l.RTPPacketWriter.SampleRate
	}
	return 8000
}

func legBytesToInt16(b []byte, out []int16) {
	n := len(b) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func legInt16ToBytes(in []int16, out []byte) []byte {
	for _, v := range in {
		out = append(out, byte(v), byte(v>>8))
	}
	return out
}
