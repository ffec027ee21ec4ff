// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config holds every flag/env-tunable value the daemon needs at startup, per
// spec.md §6's Environment section. Flags are bound into viper so SIGHUP-free
// env var overrides (B2BUAD_*) work the same as explicit flags.
type config struct {
	SipBindHost string
	SipBindPort int

	CommandListen string

	MixerSampleRate int
	MixerPtimeMs    int

	AudioFileDir string

	RTPAudioLevelExt bool

	LogLevel string
}

func loadConfig(args []string) (config, error) {
	fs := pflag.NewFlagSet("b2buad", pflag.ContinueOnError)

	fs.String("sip-bind-host", "127.0.0.1", "local address the SIP transport binds to")
	fs.Int("sip-bind-port", 5060, "local port the SIP transport binds to")
	fs.String("command-listen", "127.0.0.1:7878", "address the line-delimited JSON command listener binds to")
	fs.Int("mixer-sample-rate", 48000, "mixer engine sample rate in Hz (legacy G.711-only topologies should set this to 8000)")
	fs.Int("mixer-ptime-ms", 20, "mixer tick interval in milliseconds")
	fs.String("audio-file-dir", ".", "audio file directory (carried on the config; play_start/mixer_play open file names as given)")
	fs.Bool("rtp-audio-level-ext", false, "RFC 6464 audio level header extension toggle (carried on the config; no SDP advertises the extension)")
	fs.String("log-level", "info", "zerolog level: trace, debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("B2BUAD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return config{}, fmt.Errorf("binding flags: %w", err)
	}

	return config{
		SipBindHost:      v.GetString("sip-bind-host"),
		SipBindPort:      v.GetInt("sip-bind-port"),
		CommandListen:    v.GetString("command-listen"),
		MixerSampleRate:  v.GetInt("mixer-sample-rate"),
		MixerPtimeMs:     v.GetInt("mixer-ptime-ms"),
		AudioFileDir:     v.GetString("audio-file-dir"),
		RTPAudioLevelExt: v.GetBool("rtp-audio-level-ext"),
		LogLevel:         v.GetString("log-level"),
	}, nil
}
