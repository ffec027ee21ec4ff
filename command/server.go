// SPDX-License-Identifier: MPL-2.0

package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/b2buacore/b2bua/b2bua"
)

// Server accepts TCP connections and serves one JSON request per line against
// a *b2bua.Core, per spec.md §6. It is a demonstration transport: no framing
// beyond newlines, no auth, no concurrency limits, kept intentionally thin
// since the wire protocol itself carries no invariants of its own.
type Server struct {
	core *b2bua.Core
	log  zerolog.Logger
}

// NewServer builds a Server dispatching onto core.
func NewServer(core *b2bua.Core, opts ...ServerOption) *Server {
	s := &Server{core: core, log: log.Logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Serve accepts connections on ln until ctx is done or Accept fails. Each
// connection is handled on its own goroutine; Serve returns once the
// listener's Accept loop exits.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Info().Str("remote", remote).Msg("command connection opened")
	defer s.log.Info().Str("remote", remote).Msg("command connection closed")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{Error: &ErrorPayload{Kind: b2bua.ErrInvalidArgument.String(), Message: err.Error()}})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.log.Error().Err(err).Str("remote", remote).Msg("writing command response")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toErrorPayload(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func toErrorPayload(err error) *ErrorPayload {
	var be *b2bua.Error
	if e, ok := err.(*b2bua.Error); ok {
		be = e
	}
	if be == nil {
		return &ErrorPayload{Kind: b2bua.ErrInternal.String(), Message: err.Error()}
	}
	return &ErrorPayload{Kind: be.Kind.String(), Message: be.Error()}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "status":
		return s.core.Status(), nil

	case "nosip_call_create":
		var p struct {
			ID        string `json:"id"`
			SipCallID string `json:"sip_callid"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sdp, err := s.core.NosipCallCreate(p.ID, p.SipCallID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sdp": string(sdp)}, nil

	case "nosip_call_connect":
		var p struct {
			ID        string `json:"id"`
			SipCallID string `json:"sip_callid"`
			RemoteSdp string `json:"remote_sdp"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.NosipCallConnect(p.ID, p.SipCallID, []byte(p.RemoteSdp)); err != nil {
			return nil, err
		}
		return nil, nil

	case "sip_call_hangup":
		var p struct {
			SipCallID string `json:"sip_callid"`
			Reason    string `json:"reason"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.SipCallHangup(ctx, p.SipCallID, p.Reason); err != nil {
			return nil, err
		}
		return nil, nil

	case "play_start":
		var p struct {
			SipCallID string `json:"sip_callid"`
			File      string `json:"file"`
			Loop      int    `json:"loop"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.PlayStart(p.SipCallID, p.File, p.Loop); err != nil {
			return nil, err
		}
		return nil, nil

	case "play_stop":
		var p struct {
			SipCallID string `json:"sip_callid"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.PlayStop(p.SipCallID); err != nil {
			return nil, err
		}
		return nil, nil

	case "play_list":
		return s.core.PlayList(), nil

	case "rtp_capabilities":
		sdp, err := s.core.RtpCapabilities()
		if err != nil {
			return nil, err
		}
		return map[string]string{"sdp": string(sdp)}, nil

	case "mixer_source_add":
		var p struct {
			ID        string `json:"id"`
			SipCallID string `json:"sip_callid"`
			OfferSdp  string `json:"offer_sdp"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sdp, err := s.core.MixerSourceAdd(p.ID, p.SipCallID, []byte(p.OfferSdp))
		if err != nil {
			return nil, err
		}
		return map[string]string{"sdp": string(sdp)}, nil

	case "mixer_source_add_webrtc":
		var p struct {
			ID        string `json:"id"`
			SipCallID string `json:"sip_callid"`
			OfferSdp  string `json:"offer_sdp"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sdp, err := s.core.MixerSourceAddWebRTC(p.ID, p.SipCallID, []byte(p.OfferSdp))
		if err != nil {
			return nil, err
		}
		return map[string]string{"sdp": string(sdp)}, nil

	case "mixer_source_del":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.MixerSourceDel(p.ID); err != nil {
			return nil, err
		}
		return nil, nil

	case "mixer_source_enable":
		var p struct {
			ID        string `json:"id"`
			SipCallID string `json:"sip_callid"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.MixerSourceEnable(p.ID, p.SipCallID); err != nil {
			return nil, err
		}
		return nil, nil

	case "mixer_source_disable":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.MixerSourceDisable(p.ID); err != nil {
			return nil, err
		}
		return nil, nil

	case "mixer_play":
		var p struct {
			Filename string `json:"filename"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.core.MixerPlay(p.Filename); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, &b2bua.Error{Kind: b2bua.ErrInvalidArgument, Err: fmt.Errorf("unknown method %q", method)}
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &b2bua.Error{Kind: b2bua.ErrInvalidArgument, Err: fmt.Errorf("missing params")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &b2bua.Error{Kind: b2bua.ErrInvalidArgument, Err: err}
	}
	return nil
}
