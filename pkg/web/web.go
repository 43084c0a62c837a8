// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/outrigdev/framerpc/pkg/channel/memchannel"
	"github.com/outrigdev/framerpc/pkg/channel/wschannel"
	"github.com/outrigdev/framerpc/pkg/panichandler"
	"github.com/outrigdev/framerpc/pkg/utilds"
	"github.com/sirupsen/logrus"
)

// Header constants
const (
	CacheControlHeaderKey     = "Cache-Control"
	CacheControlHeaderNoCache = "no-cache"

	ContentTypeHeaderKey = "Content-Type"
	ContentTypeJson      = "application/json"
)

const HttpReadTimeout = 5 * time.Second
const HttpWriteTimeout = 21 * time.Second
const HttpMaxHeaderBytes = 60000
const HttpTimeoutDuration = 21 * time.Second

type WebFnType = func(http.ResponseWriter, *http.Request)

type WebFnOpts struct {
	AllowCaching bool
	JsonErrors   bool
}

// AcceptFn wires up a newly connected guest. The peer has finished its hello but
// is not started yet. Returning an error closes the connection.
type AcceptFn func(peer *wschannel.Peer) error

type WebServerOpts struct {
	// Dev enables permissive CORS.
	Dev      bool
	Log      *logrus.Entry
	PeerOpts *wschannel.PeerOpts
}

// WebServer accepts guest contexts over websockets at /ws.
type WebServer struct {
	local      *memchannel.Window
	accept     AcceptFn
	opts       WebServerOpts
	log        *logrus.Entry
	peers      *utilds.SyncMap[string, *wschannel.Peer]
	httpServer *http.Server
	logWriter  *io.PipeWriter
}

func WriteJsonError(w http.ResponseWriter, errVal error) {
	w.Header().Set(ContentTypeHeaderKey, ContentTypeJson)
	w.WriteHeader(http.StatusOK)
	errMap := make(map[string]any)
	errMap["error"] = errVal.Error()
	barr, _ := json.Marshal(errMap)
	w.Write(barr)
}

func WriteJsonSuccess(w http.ResponseWriter, data any) {
	w.Header().Set(ContentTypeHeaderKey, ContentTypeJson)
	rtnMap := make(map[string]any)
	rtnMap["success"] = true
	if data != nil {
		rtnMap["data"] = data
	}
	barr, err := json.Marshal(rtnMap)
	if err != nil {
		WriteJsonError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(barr)
}

func WebFnWrap(opts WebFnOpts, fn WebFnType) WebFnType {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := panichandler.PanicHandler("web:handler", recover()); err != nil {
				if opts.JsonErrors {
					WriteJsonError(w, fmt.Errorf("internal server error"))
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}
		}()
		if !opts.AllowCaching {
			w.Header().Set(CacheControlHeaderKey, CacheControlHeaderNoCache)
		}
		fn(w, r)
	}
}

func MakeTCPListener(serviceName string, addr string, log *logrus.Entry) (net.Listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0" // Use any available port
	}
	rtn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error creating listener at %v: %v", addr, err)
	}
	log.Infof("Server [%s] listening on %s", serviceName, rtn.Addr())
	return rtn, nil
}

func MakeWebServer(local *memchannel.Window, accept AcceptFn, opts *WebServerOpts) *WebServer {
	if opts == nil {
		opts = &WebServerOpts{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "web")
	}
	return &WebServer{
		local:  local,
		accept: accept,
		opts:   *opts,
		log:    log,
		peers:  utilds.MakeSyncMap[string, *wschannel.Peer](),
	}
}

func (ws *WebServer) PeerCount() int {
	return ws.peers.Len()
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJsonSuccess(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UnixMilli(),
		"peers":  ws.peers.Len(),
		"origin": ws.local.Origin(),
	})
}

func (ws *WebServer) handleWs(w http.ResponseWriter, r *http.Request) {
	peer, err := wschannel.Accept(w, r, ws.local, ws.opts.PeerOpts)
	if err != nil {
		// Accept has already answered the request or closed the connection
		ws.log.Warnf("[web] websocket accept failed from %s: %v", r.RemoteAddr, err)
		return
	}
	peerId := peer.EndpointId()
	ws.peers.Set(peerId, peer)
	if ws.accept != nil {
		if err := ws.accept(peer); err != nil {
			ws.log.Warnf("[web] rejecting peer %s (%s): %v", peerId, peer.Origin(), err)
			ws.peers.Delete(peerId)
			peer.Close()
			return
		}
	}
	ws.log.Infof("[web] new peer %s origin:%s url:%s", peerId, peer.Origin(), peer.URL())
	peer.Start()
	go func() {
		defer func() {
			panichandler.PanicHandler("web:peerwatch", recover())
		}()
		<-peer.Done()
		ws.peers.Delete(peerId)
		ws.log.Infof("[web] peer %s disconnected", peerId)
	}()
}

// Handler returns the router. /ws is kept outside the timeout handler since
// websocket connections are long-lived.
func (ws *WebServer) Handler() http.Handler {
	gr := mux.NewRouter()
	healthFn := WebFnWrap(WebFnOpts{AllowCaching: false, JsonErrors: true}, ws.handleHealth)
	gr.Handle("/health", http.TimeoutHandler(http.HandlerFunc(healthFn), HttpTimeoutDuration, "Timeout"))
	gr.HandleFunc("/ws", ws.handleWs)
	var handler http.Handler = gr
	if ws.opts.Dev {
		handler = handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(handler)
	}
	if ws.logWriter == nil {
		ws.logWriter = ws.log.WriterLevel(logrus.DebugLevel)
	}
	return handlers.LoggingHandler(ws.logWriter, handler)
}

// Serve blocks until the listener fails or Shutdown is called.
func (ws *WebServer) Serve(listener net.Listener) error {
	ws.httpServer = &http.Server{
		ReadTimeout:    HttpReadTimeout,
		WriteTimeout:   HttpWriteTimeout,
		MaxHeaderBytes: HttpMaxHeaderBytes,
		Handler:        ws.Handler(),
	}
	ws.log.Infof("[web] running web server on %s", listener.Addr())
	err := ws.httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes every connected peer.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	var err error
	if ws.httpServer != nil {
		err = ws.httpServer.Shutdown(ctx)
	}
	ws.peers.ForEach(func(id string, peer *wschannel.Peer) {
		peer.Close()
	})
	if ws.logWriter != nil {
		ws.logWriter.Close()
	}
	return err
}
