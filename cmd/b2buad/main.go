// SPDX-License-Identifier: MPL-2.0

// Command b2buad wires the sipleg signaling adapter, the no-signaling call
// factory, the device registry and the mixer engine into a running b2bua.Core,
// then exposes that core over a line-delimited JSON command listener. It
// plays the same role diago's cmd/gopbx/main.go plays for that library: the
// thinnest possible process that proves the pieces compose.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/emiago/sipgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/b2bua"
	"github.com/b2buacore/b2bua/command"
	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/mixer"
	"github.com/b2buacore/b2bua/sipleg"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("parsing configuration")
	}

	lev, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("b2buad finished with error")
	}
}

func run(ctx context.Context, cfg config) error {
	registry := device.NewRegistry()

	eng := mixer.NewEngine(cfg.MixerSampleRate, cfg.MixerPtimeMs)
	runner := mixer.NewRunner(eng, cfg.MixerPtimeMs)
	runner.Start()
	defer runner.Stop()

	bindIP := net.ParseIP(cfg.SipBindHost)
	if bindIP == nil {
		bindIP = net.IPv4(127, 0, 0, 1)
	}

	core := b2bua.NewCore(registry, eng, bindIP, b2bua.WithLogger(log.Logger))

	ua, err := sipgo.NewUA()
	if err != nil {
		return err
	}

	endpoint := sipleg.NewEndpoint(ua,
		sipleg.WithDeviceRegistry(registry),
		sipleg.WithTransport(sipleg.Transport{
			Transport: "udp",
			BindHost:  cfg.SipBindHost,
			BindPort:  cfg.SipBindPort,
		}),
		sipleg.WithLogger(log.Logger),
	)

	handler := func(l *sipleg.Leg) {
		callLog := log.With().Str("sip_callid", l.Id()).Logger()

		if err := l.Progress(); err != nil {
			callLog.Error().Err(err).Msg("sending progress failed")
			return
		}
		if err := l.Ringing(); err != nil {
			callLog.Error().Err(err).Msg("sending ringing failed")
			return
		}
		if err := l.Answer(); err != nil {
			callLog.Error().Err(err).Msg("answering leg failed")
			return
		}

		peerURI := l.FromUser()
		callLog.Info().Str("peer", peerURI).Str("session_id", uuid.NewString()).Msg("leg answered")

		if err := core.HandleLeg(l, peerURI); err != nil {
			callLog.Error().Err(err).Msg("session handling failed")
		}
	}

	if err := endpoint.ServeBackground(ctx, handler); err != nil {
		return err
	}
	log.Info().Str("host", cfg.SipBindHost).Int("port", cfg.SipBindPort).Msg("sip transport listening")

	ln, err := net.Listen("tcp", cfg.CommandListen)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", cfg.CommandListen).Msg("command listener started")

	cmdSrv := command.NewServer(core, command.WithLogger(log.Logger))
	return cmdSrv.Serve(ctx, ln)
}
