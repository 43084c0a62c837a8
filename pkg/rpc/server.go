// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/outrigdev/framerpc/pkg/channel"
	"github.com/outrigdev/framerpc/pkg/logutil"
	"github.com/outrigdev/framerpc/pkg/originfilter"
	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/sirupsen/logrus"
)

type ServerOpts struct {
	UnknownMethodPolicy  FailurePolicy
	HandlerFailurePolicy FailurePolicy
	Log                  *logrus.Entry
}

// Server exposes a registry of named methods to one guest context.
type Server struct {
	host        channel.Context
	guest       channel.Frame
	guestOrigin string
	filter      *originfilter.OriginFilter
	registry    *MethodRegistry
	opts        ServerOpts
	log         *logrus.Entry

	ctx      context.Context
	cancelFn context.CancelFunc

	lock      *sync.Mutex
	disposed  bool
	removeFns []func()

	handshakesSent   atomic.Int64
	requestsServed   atomic.Int64
	requestsRejected atomic.Int64
}

type callOriginCtxKey struct{}
type callMethodCtxKey struct{}

func withCallInfo(ctx context.Context, origin string, method string) context.Context {
	ctx = context.WithValue(ctx, callOriginCtxKey{}, origin)
	return context.WithValue(ctx, callMethodCtxKey{}, method)
}

// GetCallOriginFromContext returns the origin of the request a handler is serving.
func GetCallOriginFromContext(ctx context.Context) string {
	if val, ok := ctx.Value(callOriginCtxKey{}).(string); ok {
		return val
	}
	return ""
}

func GetCallMethodFromContext(ctx context.Context) string {
	if val, ok := ctx.Value(callMethodCtxKey{}).(string); ok {
		return val
	}
	return ""
}

// MakeServer subscribes to the guest's load event (to send the handshake) and to the
// host's inbound messages (to dispatch requests). Requests are accepted only from
// origins matching originFilterURL.
func MakeServer(host channel.Context, guest channel.Frame, guestURL string, originFilterURL string, opts *ServerOpts) (*Server, error) {
	if host == nil || guest == nil {
		return nil, fmt.Errorf("rpc server needs a host context and a guest frame")
	}
	guestOrigin, err := originfilter.OriginOf(guestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid guest url %q: %w", guestURL, err)
	}
	filter, err := originfilter.MakeOriginFilter(originFilterURL)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ServerOpts{}
	}
	realOpts := *opts
	if realOpts.UnknownMethodPolicy == "" {
		realOpts.UnknownMethodPolicy = PolicyDrop
	}
	if realOpts.HandlerFailurePolicy == "" {
		realOpts.HandlerFailurePolicy = PolicyDrop
	}
	log := realOpts.Log
	if log == nil {
		log = logutil.ComponentLog("rpcserver")
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	s := &Server{
		host:        host,
		guest:       guest,
		guestOrigin: guestOrigin,
		filter:      filter,
		registry:    MakeMethodRegistry(),
		opts:        realOpts,
		log:         log.WithField("guest", guestOrigin),
		ctx:         ctx,
		cancelFn:    cancelFn,
		lock:        &sync.Mutex{},
	}
	s.removeFns = append(s.removeFns, guest.AddLoadListener(s.handleGuestLoad))
	s.removeFns = append(s.removeFns, host.AddMessageListener(s.handleMessage))
	return s, nil
}

// RegisterMethod adds a handler. Registering a name again replaces the old handler.
func (s *Server) RegisterMethod(name string, handler MethodHandler) {
	s.registry.Register(name, handler)
}

func (s *Server) MethodNames() []string {
	return s.registry.Names()
}

func (s *Server) HandshakesSent() int64 {
	return s.handshakesSent.Load()
}

func (s *Server) RequestsServed() int64 {
	return s.requestsServed.Load()
}

func (s *Server) RequestsRejected() int64 {
	return s.requestsRejected.Load()
}

func (s *Server) isDisposed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.disposed
}

// Dispose unsubscribes from the guest and host. Results of handlers still running
// are dropped.
func (s *Server) Dispose() {
	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return
	}
	s.disposed = true
	removeFns := s.removeFns
	s.removeFns = nil
	s.lock.Unlock()
	for _, fn := range removeFns {
		fn()
	}
	s.cancelFn()
}

func (s *Server) handleGuestLoad() {
	if err := s.SendHandshake(); err != nil {
		s.log.Errorf("[rpcserver] cannot send handshake: %v", err)
	}
}

// SendHandshake posts the handshake message to the guest. It runs automatically each
// time the guest finishes loading.
func (s *Server) SendHandshake() error {
	if s.isDisposed() {
		return ErrDisposed
	}
	err := s.guest.PostMessage(rpctypes.HandshakeMessage, s.guestOrigin)
	if err != nil {
		return err
	}
	s.handshakesSent.Add(1)
	s.log.Debugf("[rpcserver] handshake sent to %s", s.guestOrigin)
	return nil
}

func (s *Server) handleMessage(ev channel.MessageEvent) {
	if s.isDisposed() {
		return
	}
	if !s.filter.Matches(ev.Origin) {
		s.requestsRejected.Add(1)
		s.log.Warnf("[rpcserver] dropping message from untrusted origin %q", ev.Origin)
		return
	}
	// several servers may share one host context; only serve our own guest
	if !channel.SameEndpoint(ev.Source, s.guest) {
		s.requestsRejected.Add(1)
		s.log.Debugf("[rpcserver] dropping message from %q, sender is not this server's guest", ev.Origin)
		return
	}
	var req rpctypes.IncomingRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.MethodId == nil || req.Fn == "" {
		s.requestsRejected.Add(1)
		s.log.Warnf("[rpcserver] dropping malformed request from %s: %s", ev.Origin, truncateData(ev.Data))
		return
	}
	methodId := *req.MethodId
	args := req.Args
	if args == nil {
		args = []any{}
	}
	log := s.log.WithFields(logrus.Fields{"fn": req.Fn, "methodId": methodId})
	handler, ok := s.registry.Lookup(req.Fn)
	if !ok {
		s.handleUnknownMethod(ev, req.Fn, methodId, log)
		return
	}
	result, err := s.invoke(handler, withCallInfo(s.ctx, ev.Origin, req.Fn), args)
	if err != nil {
		s.handleFailure(ev, methodId, err, log)
		return
	}
	if !result.IsDeferred() {
		s.reply(ev, rpctypes.ResponseMessage{MethodId: methodId, Result: result.Value()}, log)
		return
	}
	result.Future().OnSettle(func(value any, err error) {
		if err != nil {
			s.handleFailure(ev, methodId, err, log)
			return
		}
		s.reply(ev, rpctypes.ResponseMessage{MethodId: methodId, Result: value}, log)
	})
}

func (s *Server) invoke(handler MethodHandler, ctx context.Context, args []any) (rtn Result, rtnErr error) {
	defer func() {
		if err := panicToError("rpcserver:handler", recover()); err != nil {
			rtnErr = err
		}
	}()
	return handler(ctx, args), nil
}

func (s *Server) handleUnknownMethod(ev channel.MessageEvent, fn string, methodId int64, log *logrus.Entry) {
	s.requestsRejected.Add(1)
	suggestion := suggestMethod(fn, s.registry.Names())
	if suggestion != "" {
		logutil.LogfOnce(log, "unknown:"+fn, "[rpcserver] unknown method %q (did you mean %q?)", fn, suggestion)
	} else {
		logutil.LogfOnce(log, "unknown:"+fn, "[rpcserver] unknown method %q", fn)
	}
	if s.opts.UnknownMethodPolicy != PolicyReplyError {
		return
	}
	msg := fmt.Sprintf("unknown method %q", fn)
	s.reply(ev, rpctypes.ResponseMessage{MethodId: methodId, Error: msg}, log)
}

func (s *Server) handleFailure(ev channel.MessageEvent, methodId int64, err error, log *logrus.Entry) {
	log.Warnf("[rpcserver] handler failed: %v", err)
	if s.opts.HandlerFailurePolicy != PolicyReplyError {
		return
	}
	s.reply(ev, rpctypes.ResponseMessage{MethodId: methodId, Error: err.Error()}, log)
}

func (s *Server) reply(ev channel.MessageEvent, resp rpctypes.ResponseMessage, log *logrus.Entry) {
	if s.isDisposed() {
		log.Debugf("[rpcserver] server disposed, dropping response")
		return
	}
	if ev.Source == nil {
		log.Warnf("[rpcserver] request has no source, cannot reply")
		return
	}
	if err := ev.Source.PostMessage(resp, ev.Origin); err != nil {
		log.Errorf("[rpcserver] cannot send response: %v", err)
		return
	}
	if resp.Error == "" {
		s.requestsServed.Add(1)
	}
}

func truncateData(data json.RawMessage) string {
	const maxLen = 200
	if len(data) > maxLen {
		return string(data[:maxLen]) + "..."
	}
	return string(data)
}
