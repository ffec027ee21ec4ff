// SPDX-License-Identifier: MPL-2.0

package nosip

import (
	"time"

	"github.com/b2buacore/b2bua/audio"
	"github.com/b2buacore/b2bua/device"
)

const ptime = 20 * time.Millisecond

type playbackBinding struct {
	pump *device.Pump
}

type captureBinding struct {
	dev *device.Device
}

// SetPlayback decodes this call's incoming RTP and writes it into the named
// device at ptime cadence. Grounded on sync_nosip_audio_start setting the
// decoder, and on the device pump owning the decode-then-deliver cadence
// described in spec.md §4.C.
func (c *Call) SetPlayback(moduleName, deviceName string) error {
	c.StopPlayback()

	pt, err := c.codecPayloadType()
	if err != nil {
		return err
	}

	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	dec, err := audio.NewPCMDecoderReader(pt, reader)
	if err != nil {
		return err
	}

	dev, err := c.registry.Find(deviceName)
	if err != nil {
		return err
	}

	frameLen := int(c.sampleRate()) * int(ptime/time.Millisecond) / 1000
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

func (c *Call) StopPlayback() {
	c.mu.Lock()
	pump := c.pb.pump
	c.pb.pump = nil
	c.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}
}

// SetCapture arranges for frames written into the named device (by a pump on
// the other leg, or by a mixer tick) to be encoded and sent as RTP by this
// call. Grounded on sync_mixer_source_add's audio_set_source wiring the
// device as the encoder's input.
func (c *Call) SetCapture(moduleName, deviceName string) error {
	c.StopCapture()

	pt, err := c.codecPayloadType()
	if err != nil {
		return err
	}

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()

	enc, err := audio.NewPCMEncoder(pt, writer)
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

func (c *Call) StopCapture() {
	c.mu.Lock()
	dev := c.cb.dev
	c.cb.dev = nil
	c.mu.Unlock()
	if dev != nil {
		dev.ClearCapture()
	}
}

func (c *Call) sampleRate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		return c.writer.SampleRate
	}
	return 8000
}

func bytesToInt16(b []byte, out []int16) {
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

func int16ToBytes(in []int16, out []byte) []byte {
	for _, v := range in {
		out = append(out, byte(v), byte(v>>8))
	}
	return out
}
