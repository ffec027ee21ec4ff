// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package sipleg is the concrete signaling adapter for the core. It answers
// inbound SIP INVITEs and hands each resulting call off as a Leg, which
// satisfies the core's AudioEndpoint/SignalingCall collaborator interfaces so
// a session can bridge it against a no-signaling call without the core ever
// importing sipgo directly.
package sipleg

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipgox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/device"
	"github.com/b2buacore/b2bua/media/sdp"
)

// LegHandler is invoked for every inbound call the endpoint accepts. It is
// expected to answer or reject the leg and, once answered, hand it to the
// core session registry.
type LegHandler func(l *Leg)

type Endpoint struct {
	ua         *sipgo.UserAgent
	client     *sipgo.Client
	server     *sipgo.Server
	transports []Transport

	handler LegHandler

	auth      sipgo.DigestAuth
	mediaConf MediaConfig
	registry  *device.Registry

	log zerolog.Logger
}

type EndpointOption func(e *Endpoint)

func WithClientOptions(opts ...sipgo.ClientOption) EndpointOption {
	return func(e *Endpoint) {
		cli, err := sipgo.NewClient(e.ua, opts...)
		if err != nil {
			panic(err)
		}
		e.client = cli
	}
}

func WithServerOptions(opts ...sipgo.ServerOption) EndpointOption {
	return func(e *Endpoint) {
		srv, err := sipgo.NewServer(e.ua, opts...)
		if err != nil {
			panic(err)
		}
		e.server = srv
	}
}

func WithAuth(auth sipgo.DigestAuth) EndpointOption {
	return func(e *Endpoint) {
		e.auth = auth
	}
}

type Transport struct {
	Transport string
	BindHost  string
	BindPort  int

	ExternalHost string
	ExternalPort int

	TLSConf *tls.Config
}

func WithTransport(t Transport) EndpointOption {
	return func(e *Endpoint) {
		if t.ExternalHost == "" {
			t.ExternalHost = t.BindHost
		}
		if t.ExternalPort == 0 {
			t.ExternalPort = t.BindPort
		}
		e.transports = append(e.transports, t)
	}
}

type MediaConfig struct {
	Formats sdp.Formats
}

func WithMediaConfig(conf MediaConfig) EndpointOption {
	return func(e *Endpoint) {
		e.mediaConf = conf
	}
}

func WithLogger(l zerolog.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.log = l
	}
}

// WithDeviceRegistry binds every Leg this endpoint produces to reg, so a
// leg's SetPlayback/SetCapture can find the bridge or mixer device a session
// names for it.
func WithDeviceRegistry(reg *device.Registry) EndpointOption {
	return func(e *Endpoint) {
		e.registry = reg
	}
}

// NewEndpoint constructs the SIP-facing half of the gateway: a UA that
// answers inbound INVITEs and produces a *Leg per call.
func NewEndpoint(ua *sipgo.UserAgent, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		ua:  ua,
		log: log.Logger,
		handler: func(l *Leg) {
			fmt.Println("no leg handler installed, rejecting")
			l.Hangup(context.Background())
		},
		transports: []Transport{},
		mediaConf: MediaConfig{
			Formats: sdp.NewFormats(sdp.FORMAT_TYPE_ULAW, sdp.FORMAT_TYPE_ALAW),
		},
	}

	for _, o := range opts {
		o(e)
	}

	if e.client == nil {
		e.client, _ = sipgo.NewClient(ua)
	}
	if e.server == nil {
		e.server, _ = sipgo.NewServer(ua)
	}
	if len(e.transports) == 0 {
		e.transports = append(e.transports, Transport{
			Transport:    "udp",
			BindHost:     "127.0.0.1",
			BindPort:     5060,
			ExternalHost: "127.0.0.1",
			ExternalPort: 5060,
		})
	}

	contactHDR := e.getContactHDR("")

	server := e.server
	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if id, err := sip.UASReadRequestDialogID(req); err == nil {
			e.handleReInvite(req, tx, id)
			return
		}

		dialogUA := sipgo.DialogUA{
			Client:     e.client,
			ContactHDR: contactHDR,
		}

		dialog, err := dialogUA.ReadInvite(req, tx)
		if err != nil {
			e.log.Error().Err(err).Msg("reading new INVITE failed")
			return
		}

		leg := &Leg{
			DialogServerSession: dialog,
			registry:            e.registry,
		}
		leg.contactHDR = e.getContactHDR(req.Transport())
		leg.formats = e.mediaConf.Formats

		DialogsServerCache.Store(leg.ID, leg)
		defer DialogsServerCache.Delete(leg.ID)
		defer leg.Close()

		e.handler(leg)

		dialogCtx := dialog.Context()
		ctx, cancel := context.WithTimeout(dialogCtx, 10*time.Second)
		defer cancel()
		if err := leg.Hangup(ctx); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			e.log.Error().Err(err).Msg("hanging up leg failed")
		}
	})

	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		d, err := MatchDialogServer(req)
		if err != nil {
			return
		}
		if err := d.ReadAck(req, tx); err != nil {
			e.log.Error().Err(err).Msg("ACK handling failed")
		}
	})

	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		d, err := MatchDialogServer(req)
		if err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
			return
		}
		if err := d.ReadBye(req, tx); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil))
		}
	})

	return e
}

func (e *Endpoint) handleReInvite(req *sip.Request, tx sip.ServerTransaction, id string) {
	val, ok := DialogsServerCache.Load(id)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	val.(*Leg).handleReInvite(req, tx)
}

// Serve blocks, listening on all configured transports.
func (e *Endpoint) Serve(ctx context.Context, f LegHandler) error {
	e.handler = f
	server := e.server

	if len(e.transports) > 1 {
		errCh := make(chan error, len(e.transports))
		for _, tran := range e.transports {
			hostport := net.JoinHostPort(tran.BindHost, strconv.Itoa(tran.BindPort))
			go func(tran Transport) {
				if tran.TLSConf != nil {
					errCh <- server.ListenAndServeTLS(ctx, tran.Transport, hostport, tran.TLSConf)
					return
				}
				errCh <- server.ListenAndServe(ctx, tran.Transport, hostport)
			}(tran)
		}
		return <-errCh
	}

	tran := e.transports[0]
	hostport := net.JoinHostPort(tran.BindHost, strconv.Itoa(tran.BindPort))
	return server.ListenAndServe(ctx, tran.Transport, hostport)
}

// ServeBackground starts serving in a goroutine and waits for the listener
// to come up before returning.
func (e *Endpoint) ServeBackground(ctx context.Context, f LegHandler) error {
	ch := make(chan struct{})
	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ch))

	go e.Serve(ctx, f)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (e *Endpoint) getContactHDR(transport string) sip.ContactHeader {
	tran := e.transports[0]
	for _, t := range e.transports[1:] {
		if sip.NetworkToLower(transport) == t.Transport {
			tran = t
		}
	}

	scheme := "sip"
	if tran.TLSConf != nil {
		scheme = "sips"
	}
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    scheme,
			User:      e.ua.Name(),
			Host:      tran.ExternalHost,
			Port:      tran.ExternalPort,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
}

type RegisterRequest struct {
	RegisterURI sip.Uri
	sipgox.RegisterOptions
}

// Register performs an ambient SIP registration and keeps it alive; this
// isn't driven by the command surface, it's for endpoints that sit behind a
// registrar/PBX rather than receiving calls directly.
func (e *Endpoint) Register(ctx context.Context, req RegisterRequest) error {
	if len(e.transports) == 0 {
		return fmt.Errorf("no transports defined")
	}
	t := e.transports[0]
	contHDR := sip.ContactHeader{
		Address: sip.Uri{
			Host: t.ExternalHost,
			Port: t.ExternalPort,
		},
	}

	registerCtx := sipgox.NewRegisterTransaction(e.log, e.client, req.RegisterURI, contHDR, req.RegisterOptions)
	if err := registerCtx.Register(ctx); err != nil {
		return err
	}
	return registerCtx.QualifyLoop(ctx)
}
