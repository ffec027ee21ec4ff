// SPDX-License-Identifier: MPL-2.0

package b2bua

import "github.com/b2buacore/b2bua/nosip"

// mixerSourceEndpoint is the no-signaling call contract a mixer source
// needs: nosip.AudioEndpoint plus the ability to be torn down. Both
// nosip.Call, negotiated over plain RTP, and nosip.WebRTCCall, negotiated
// with a media server or SFU per spec.md §3, satisfy it, so MixerSourceAdd
// and MixerSourceAddWebRTC can share the same slot-wiring logic.
type mixerSourceEndpoint interface {
	nosip.AudioEndpoint
	Close() error
}

// MixerSource is one no-signaling call presented as a mixer input/output
// pair, per spec.md §4.F. The device named id carries the source's own
// audio into its mixer slot; idOut and (if a signaling leg is paired)
// legOut are bridge devices the mixer's tap writes the mixed frame into, one
// per listener, since a device.Device delivers to exactly one reader.
type MixerSource struct {
	id        string
	sipCallID string // empty if this source has no paired signaling leg

	nc     mixerSourceEndpoint
	idOut  string
	legOut string

	enabled bool
}

func mixerOutDevice(id string) string        { return id + "-out" }
func mixerLegOutDevice(id, callID string) string { return id + "-out-" + callID }
