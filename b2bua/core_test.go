// SPDX-License-Identifier: MPL-2.0

package b2bua

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2buacore/b2bua/audio"
	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/mixer"
	"github.com/b2buacore/b2bua/nosip"
)

// fakeLeg stands in for sipleg.Leg: it satisfies SignalingCall without
// pulling in sipgo/sipleg, so Core can be exercised in isolation.
type fakeLeg struct {
	id  string
	ctx context.Context

	playback []string
	capture  []string

	hangupCalled bool
}

func newFakeLeg(id string) *fakeLeg {
	return &fakeLeg{id: id, ctx: context.Background()}
}

func (f *fakeLeg) Id() string { return f.id }

func (f *fakeLeg) Hangup(ctx context.Context) error {
	f.hangupCalled = true
	return nil
}

func (f *fakeLeg) Context() context.Context { return f.ctx }

func (f *fakeLeg) SetPlayback(moduleName, deviceName string) error {
	f.playback = append(f.playback, deviceName)
	return nil
}

func (f *fakeLeg) SetCapture(moduleName, deviceName string) error {
	f.capture = append(f.capture, deviceName)
	return nil
}

func (f *fakeLeg) StopPlayback() {}
func (f *fakeLeg) StopCapture()  {}

func newTestCore() *Core {
	reg := device.NewRegistry()
	eng := mixer.NewEngine(8000, 20)
	return NewCore(reg, eng, net.ParseIP("127.0.0.1"))
}

func TestHandleLegRegistersAnsweredSessionAndFreesOnHangup(t *testing.T) {
	c := newTestCore()
	ctx, cancel := context.WithCancel(context.Background())

	leg := newFakeLeg("call-1")
	leg.ctx = ctx

	done := make(chan error, 1)
	go func() { done <- c.HandleLeg(leg, "sip:alice@example.com") }()

	require.Eventually(t, func() bool {
		status := c.Status()
		return len(status.Sessions) == 1 && status.Sessions[0].State == "answered"
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("HandleLeg did not return after context cancellation")
	}

	status := c.Status()
	assert.Empty(t, status.Sessions)
}

func TestHandleLegRejectsDuplicateSipCallID(t *testing.T) {
	c := newTestCore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leg1 := newFakeLeg("dup")
	leg1.ctx = ctx
	go c.HandleLeg(leg1, "sip:a@example.com")

	require.Eventually(t, func() bool {
		return len(c.Status().Sessions) == 1
	}, time.Second, 5*time.Millisecond)

	leg2 := newFakeLeg("dup")
	leg2.ctx = context.Background()
	err := c.HandleLeg(leg2, "sip:b@example.com")

	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrConflict, berr.Kind)
}

func TestNosipCallCreateRequiresExistingSession(t *testing.T) {
	c := newTestCore()
	_, err := c.NosipCallCreate("nc1", "no-such-sip-call")

	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrNotFound, berr.Kind)
}

func TestNosipCallCreateRejectsDuplicateNosipID(t *testing.T) {
	c := newTestCore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	legA := newFakeLeg("A")
	legA.ctx = ctx
	go c.HandleLeg(legA, "sip:a@example.com")

	legB := newFakeLeg("B")
	legB.ctx = ctx
	go c.HandleLeg(legB, "sip:b@example.com")

	require.Eventually(t, func() bool {
		return len(c.Status().Sessions) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := c.NosipCallCreate("nc1", "A")
	require.NoError(t, err)

	_, err = c.NosipCallCreate("nc1", "B")
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrConflict, berr.Kind)
}

func TestNosipCallLifecycleReachesConnected(t *testing.T) {
	c := newTestCore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leg := newFakeLeg("sess-1")
	leg.ctx = ctx
	go c.HandleLeg(leg, "sip:bob@example.com")

	require.Eventually(t, func() bool {
		return len(c.Status().Sessions) == 1
	}, time.Second, 5*time.Millisecond)

	offerSDP, err := c.NosipCallCreate("nc-1", "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, offerSDP)

	status := c.Status()
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "nc_created", status.Sessions[0].State)

	peer, err := nosip.New("peer", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, false, device.NewRegistry())
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.Accept(offerSDP))
	answerSDP := peer.SDP()

	require.NoError(t, c.NosipCallConnect("nc-1", "sess-1", answerSDP))

	status = c.Status()
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "connected", status.Sessions[0].State)

	assert.Contains(t, leg.playback, "sip_to_nosip-sess-1")
	assert.Contains(t, leg.capture, "nosip_to_sip-sess-1")
}

func TestSipCallHangupInvokesLegHangup(t *testing.T) {
	c := newTestCore()
	leg := newFakeLeg("hup-1")

	c.mu.Lock()
	sess := &Session{sipCallID: "hup-1", leg: leg, state: stateAnswered}
	c.bySip["hup-1"] = sess
	c.order = append(c.order, sess)
	c.mu.Unlock()

	require.NoError(t, c.SipCallHangup(context.Background(), "hup-1", "normal clearing"))
	assert.True(t, leg.hangupCalled)
}

func TestSipCallHangupNotFound(t *testing.T) {
	c := newTestCore()
	err := c.SipCallHangup(context.Background(), "missing", "")

	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrNotFound, berr.Kind)
}

func TestMixerSourceLifecycle(t *testing.T) {
	c := newTestCore()

	probe, err := nosip.New("probe", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, true, device.NewRegistry())
	require.NoError(t, err)
	defer probe.Close()

	answerSDP, err := c.MixerSourceAdd("src-1", "", probe.SDP())
	require.NoError(t, err)
	require.NotEmpty(t, answerSDP)

	status := c.Status()
	assert.Contains(t, status.MixerSources, "src-1")

	require.NoError(t, c.MixerSourceEnable("src-1", ""))
	require.NoError(t, c.MixerSourceDisable("src-1"))
	require.NoError(t, c.MixerSourceDel("src-1"))

	status = c.Status()
	assert.NotContains(t, status.MixerSources, "src-1")
}

func TestMixerSourceAddDuplicateIDConflicts(t *testing.T) {
	c := newTestCore()

	probe1, err := nosip.New("probe1", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, true, device.NewRegistry())
	require.NoError(t, err)
	defer probe1.Close()

	_, err = c.MixerSourceAdd("dup-src", "", probe1.SDP())
	require.NoError(t, err)
	defer c.MixerSourceDel("dup-src")

	probe2, err := nosip.New("probe2", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, true, device.NewRegistry())
	require.NoError(t, err)
	defer probe2.Close()

	_, err = c.MixerSourceAdd("dup-src", "", probe2.SDP())
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrConflict, berr.Kind)
}

func TestMixerSourceAddWebRTCRequiresID(t *testing.T) {
	c := newTestCore()
	_, err := c.MixerSourceAddWebRTC("", "", nil)

	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrInvalidArgument, berr.Kind)
}

// The RTP and WebRTC mixer-source constructors share one id namespace: an id
// taken by a plain-RTP source via MixerSourceAdd must conflict for the
// WebRTC-backed variant too, since both end up in the same Core.sources map.
func TestMixerSourceAddWebRTCSharesIDNamespaceWithRTPVariant(t *testing.T) {
	c := newTestCore()

	probe, err := nosip.New("probe", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, true, device.NewRegistry())
	require.NoError(t, err)
	defer probe.Close()

	_, err = c.MixerSourceAdd("shared-src", "", probe.SDP())
	require.NoError(t, err)
	defer c.MixerSourceDel("shared-src")

	_, err = c.MixerSourceAddWebRTC("shared-src", "", nil)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrConflict, berr.Kind)
}

func TestPlayStartAndStopRebindsLegCapture(t *testing.T) {
	c := newTestCore()
	leg := newFakeLeg("play-1")

	c.mu.Lock()
	sess := &Session{sipCallID: "play-1", leg: leg, state: stateConnected, connected: true, nosipToSip: "nosip_to_sip-play-1"}
	c.bySip["play-1"] = sess
	c.order = append(c.order, sess)
	c.mu.Unlock()

	wavPath := writeMonoWavFixture(t, 8000)

	require.NoError(t, c.PlayStart("play-1", wavPath, -1))
	assert.Contains(t, leg.capture, "play-play-1")
	assert.Contains(t, c.PlayList(), "play-1")

	require.NoError(t, c.PlayStop("play-1"))
	assert.Contains(t, leg.capture, "nosip_to_sip-play-1")
	assert.NotContains(t, c.PlayList(), "play-1")
}

func writeMonoWavFixture(t *testing.T, sampleRate int) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "fixture-*.wav")
	require.NoError(t, err)
	defer f.Close()

	w := audio.NewWavWriter(f)
	w.SampleRate = sampleRate
	w.NumChans = 1
	w.BitDepth = 16

	frame := make([]byte, 320) // 160 samples of silence, one 20ms ptime at 8kHz
	_, err = w.Write(frame)
	require.NoError(t, err)
	// Close rewrites the header with the real data size; until then the
	// data chunk is declared empty.
	require.NoError(t, w.Close())

	return f.Name()
}
