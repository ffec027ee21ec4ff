package sipleg

import "github.com/b2buacore/b2bua/audio"

// NewControlStream wraps a leg's raw RTP reader/writer so a caller can mute
// either direction without tearing down the underlying RTP session.
func NewControlStream(m *DialogMedia) *audio.PlaybackControl {
	return audio.NewPlaybackControl(m.RTPPacketReader, m.RTPPacketWriter)
}
