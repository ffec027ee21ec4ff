// SPDX-License-Identifier: MPL-2.0

package mixer

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/b2buacore/b2bua/audio"
)

// FilePlayer streams a 16-bit mono WAV file into the mixer one frame per
// Tick, the mixer_play command's backing implementation. Grounded on the
// teacher's playback.go streamWav/wavCopy chunked-read idiom, adapted to
// pull fixed-size frames instead of pushing to an io.Writer.
type FilePlayer struct {
	file     *os.File
	dec      *audio.WavReader
	frameLen int
	loop     int // remaining plays; <0 means infinite, grounded on play_file's loop==-1

	leftover []byte
}

// NewFilePlayer opens filename and validates it against the mixer's mono
// 16-bit format. loop follows baresip's sync_play_start convention: -1 loops
// forever, a positive N plays N times, 0 plays once like 1.
func NewFilePlayer(filename string, sampleRate, frameLen int, loop int) (*FilePlayer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	dec := audio.NewWavReader(f)
	if err := dec.ReadHeaders(); err != nil {
		f.Close()
		return nil, err
	}
	if dec.BitsPerSample != 16 {
		f.Close()
		return nil, errors.New("mixer: only 16-bit PCM wav files are supported")
	}
	if dec.NumChannels != 1 {
		f.Close()
		return nil, errors.New("mixer: only mono wav files are supported")
	}
	if int(dec.SampleRate) != sampleRate {
		f.Close()
		return nil, errors.New("mixer: wav sample rate does not match mixer sample rate")
	}

	return &FilePlayer{
		file:     f,
		dec:      dec,
		frameLen: frameLen,
		loop:     loop,
	}, nil
}

func (p *FilePlayer) Close() error {
	return p.file.Close()
}

// Next returns the next frame of PCM. On EOF it rewinds and decrements the
// loop counter, returning io.EOF only once plays are exhausted.
func (p *FilePlayer) Next() ([]int16, error) {
	need := p.frameLen * 2
	for len(p.leftover) < need {
		buf := make([]byte, need)
		n, err := p.dec.Read(buf)
		if n > 0 {
			p.leftover = append(p.leftover, buf[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if !p.rewind() {
				if len(p.leftover) == 0 {
					return nil, io.EOF
				}
				break
			}
		}
	}

	chunk := p.leftover[:min(need, len(p.leftover))]
	p.leftover = p.leftover[len(chunk):]

	frame := make([]int16, p.frameLen)
	for i := 0; i*2+1 < len(chunk); i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	return frame, nil
}

func (p *FilePlayer) rewind() bool {
	if p.loop == 0 {
		return false
	}
	if p.loop > 0 {
		p.loop--
		if p.loop == 0 {
			return false
		}
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return false
	}
	dec := audio.NewWavReader(p.file)
	if err := dec.ReadHeaders(); err != nil {
		return false
	}
	p.dec = dec
	return true
}
