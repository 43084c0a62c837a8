// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wschannel connects a local memchannel window to a context in another
// process over a websocket. The remote side shows up locally as a Peer.
package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/outrigdev/framerpc/pkg/base"
	"github.com/outrigdev/framerpc/pkg/channel"
	"github.com/outrigdev/framerpc/pkg/channel/memchannel"
	"github.com/outrigdev/framerpc/pkg/originfilter"
	"github.com/outrigdev/framerpc/pkg/panichandler"
	"github.com/sirupsen/logrus"
)

const wsReadWaitTimeout = 15 * time.Second
const wsWriteWaitTimeout = 10 * time.Second
const wsPingPeriodTickTime = 10 * time.Second
const wsInitialPingTime = 1 * time.Second
const wsHelloTimeout = 5 * time.Second
const wsReadLimit = 64 * 1024
const outputChSize = 100

const (
	FrameType_Hello = "hello"
	FrameType_Msg   = "msg"
	FrameType_Ping  = "ping"
	FrameType_Pong  = "pong"
	FrameType_Error = "error"
)

var ErrPeerClosed = errors.New("websocket peer is closed")

type wsFrame struct {
	Type            string          `json:"type"`
	Data            json.RawMessage `json:"data,omitempty"`
	TargetOrigin    string          `json:"targetorigin,omitempty"`
	FramerpcVersion string          `json:"framerpcversion,omitempty"`
	Origin          string          `json:"origin,omitempty"`
	URL             string          `json:"url,omitempty"`
	Error           string          `json:"error,omitempty"`
	STime           int64           `json:"stime,omitempty"`
}

var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:   4 * 1024,
	WriteBufferSize:  32 * 1024,
	HandshakeTimeout: 1 * time.Second,
	// origin trust is decided per message by the rpc layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

type PeerOpts struct {
	Log *logrus.Entry
	// MinPeerVersion defaults to base.MinPeerVersion.
	MinPeerVersion string
}

// Peer is a remote context reached over one websocket. It implements channel.Frame:
// messages posted to it are sent to the remote side, messages from it are delivered
// to the local window with the Peer as their Source.
type Peer struct {
	id       string
	conn     *websocket.Conn
	local    *memchannel.Window
	origin   string
	peerURL  string
	version  string
	log      *logrus.Entry
	outputCh chan []byte
	closeCh  chan struct{}
	doneCh   chan struct{}

	lock          *sync.Mutex
	started       bool
	loadListeners []*loadListener
}

type loadListener struct {
	fn      func()
	removed bool
}

var _ channel.Frame = (*Peer)(nil)

func makePeer(conn *websocket.Conn, local *memchannel.Window, origin string, opts *PeerOpts) *Peer {
	if opts == nil {
		opts = &PeerOpts{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "wschannel")
	}
	id := uuid.New().String()
	return &Peer{
		id:       id,
		conn:     conn,
		local:    local,
		origin:   origin,
		log:      log.WithField("connid", id),
		outputCh: make(chan []byte, outputChSize),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		lock:     &sync.Mutex{},
	}
}

// Accept upgrades an http request and exchanges hellos. The peer's origin is the
// request's Origin header, or the origin announced in its hello when the header is
// missing. Call Start once the local side is wired up.
func Accept(w http.ResponseWriter, r *http.Request, local *memchannel.Window, opts *PeerOpts) (*Peer, error) {
	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	origin := ""
	if hdr := r.Header.Get("Origin"); hdr != "" {
		origin, err = originfilter.OriginOf(hdr)
		if err != nil {
			origin = memchannel.OpaqueOrigin
		}
	}
	p := makePeer(conn, local, origin, opts)
	if err := p.exchangeHello(opts); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Dial connects to a host at wsURL. The peer's origin is derived from wsURL
// (ws becomes http, wss becomes https).
func Dial(ctx context.Context, wsURL string, local *memchannel.Window, opts *PeerOpts) (*Peer, error) {
	origin, err := OriginFromWsURL(wsURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Origin", local.Origin())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", wsURL, err)
	}
	p := makePeer(conn, local, origin, opts)
	if err := p.exchangeHello(opts); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func OriginFromWsURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return originfilter.OriginOf(u.String())
}

func stripPrereleaseInfo(v *semver.Version) *semver.Version {
	if v == nil {
		return nil
	}
	cleanVersion, _ := semver.NewVersion(fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch()))
	return cleanVersion
}

func checkPeerVersion(peerVersion string, minVersion string) error {
	if peerVersion == "" {
		return errors.New("missing framerpcversion field")
	}
	version, err := semver.NewVersion(peerVersion)
	if err != nil {
		return fmt.Errorf("invalid peer version format: %s", peerVersion)
	}
	minVer, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum version: %s", minVersion)
	}
	if stripPrereleaseInfo(version).LessThan(stripPrereleaseInfo(minVer)) {
		return fmt.Errorf("peer version %s is less than minimum required version %s", peerVersion, minVersion)
	}
	return nil
}

func (p *Peer) writeFrameSync(frame wsFrame) error {
	barr, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWaitTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, barr)
}

// exchangeHello runs before the pumps start, so it may use the conn directly.
func (p *Peer) exchangeHello(opts *PeerOpts) error {
	minVersion := base.MinPeerVersion
	if opts != nil && opts.MinPeerVersion != "" {
		minVersion = opts.MinPeerVersion
	}
	hello := wsFrame{
		Type:            FrameType_Hello,
		FramerpcVersion: base.FramerpcVersion,
		Origin:          p.local.Origin(),
		URL:             p.local.URL(),
	}
	if err := p.writeFrameSync(hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	p.conn.SetReadLimit(wsReadLimit)
	p.conn.SetReadDeadline(time.Now().Add(wsHelloTimeout))
	_, message, err := p.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read peer hello: %w", err)
	}
	var peerHello wsFrame
	if err := json.Unmarshal(message, &peerHello); err != nil {
		return fmt.Errorf("invalid peer hello format: %w", err)
	}
	if peerHello.Type == FrameType_Error {
		return fmt.Errorf("peer rejected hello: %s", peerHello.Error)
	}
	if peerHello.Type != FrameType_Hello {
		return fmt.Errorf("expected hello, got %q", peerHello.Type)
	}
	if err := checkPeerVersion(peerHello.FramerpcVersion, minVersion); err != nil {
		p.writeFrameSync(wsFrame{Type: FrameType_Error, Error: err.Error()})
		return err
	}
	if p.origin == "" {
		origin, err := originfilter.OriginOf(peerHello.Origin)
		if err != nil {
			origin = memchannel.OpaqueOrigin
		}
		p.origin = origin
	} else if peerHello.Origin != "" && peerHello.Origin != p.origin {
		p.log.Warnf("[wschannel] peer announced origin %q, using %q", peerHello.Origin, p.origin)
	}
	p.peerURL = peerHello.URL
	p.version = peerHello.FramerpcVersion
	p.log = p.log.WithField("peer", p.origin)
	return nil
}

func (p *Peer) EndpointId() string {
	return p.id
}

func (p *Peer) Origin() string {
	return p.origin
}

// URL is the url the peer announced in its hello.
func (p *Peer) URL() string {
	return p.peerURL
}

func (p *Peer) Version() string {
	return p.version
}

func (p *Peer) Done() <-chan struct{} {
	return p.doneCh
}

func (p *Peer) PostMessage(data any, targetOrigin string) error {
	select {
	case <-p.closeCh:
		return ErrPeerClosed
	default:
	}
	barr, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot clone message: %w", err)
	}
	if !channel.TargetOriginAllows(targetOrigin, p.origin) {
		p.log.Debugf("[wschannel] dropping message, target origin %q does not match %q", targetOrigin, p.origin)
		return nil
	}
	frame, err := json.Marshal(wsFrame{Type: FrameType_Msg, Data: barr, TargetOrigin: targetOrigin})
	if err != nil {
		return err
	}
	select {
	case p.outputCh <- frame:
		return nil
	case <-p.closeCh:
		return ErrPeerClosed
	}
}

func (p *Peer) AddLoadListener(fn func()) func() {
	entry := &loadListener{fn: fn}
	p.lock.Lock()
	p.loadListeners = append(p.loadListeners, entry)
	p.lock.Unlock()
	return func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		entry.removed = true
		for idx, e := range p.loadListeners {
			if e == entry {
				p.loadListeners = append(p.loadListeners[:idx:idx], p.loadListeners[idx+1:]...)
				break
			}
		}
	}
}

// Start runs the read and write pumps and fires the load listeners on the local
// window's loop. It is a no-op after the first call.
func (p *Peer) Start() {
	p.lock.Lock()
	if p.started {
		p.lock.Unlock()
		return
	}
	p.started = true
	p.lock.Unlock()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			panichandler.PanicHandler("wschannel:readloop", recover())
		}()
		p.readLoop()
	}()
	go func() {
		defer wg.Done()
		defer func() {
			panichandler.PanicHandler("wschannel:writeloop", recover())
		}()
		p.writeLoop()
	}()
	go func() {
		wg.Wait()
		p.conn.Close()
		close(p.doneCh)
		p.log.Debugf("[wschannel] connection closed")
	}()
	err := p.local.Post(p.fireLoad)
	if err != nil {
		p.log.Warnf("[wschannel] cannot fire load event: %v", err)
	}
}

func (p *Peer) fireLoad() {
	p.lock.Lock()
	listeners := make([]*loadListener, len(p.loadListeners))
	copy(listeners, p.loadListeners)
	p.lock.Unlock()
	for _, entry := range listeners {
		p.lock.Lock()
		removed := entry.removed
		p.lock.Unlock()
		if removed {
			continue
		}
		entry.fn()
	}
}

// Close shuts down the connection. Done is closed once both pumps have exited.
func (p *Peer) Close() {
	p.conn.Close()
	p.lock.Lock()
	started := p.started
	p.started = true
	p.lock.Unlock()
	if !started {
		close(p.closeCh)
		close(p.doneCh)
	}
}

func (p *Peer) readLoop() {
	defer close(p.closeCh)
	p.conn.SetReadLimit(wsReadLimit)
	p.conn.SetReadDeadline(time.Now().Add(wsReadWaitTimeout))
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debugf("[wschannel] ReadPump error: %v", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(wsReadWaitTimeout))
		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			p.log.Warnf("[wschannel] error unmarshalling frame: %v", err)
			continue
		}
		switch frame.Type {
		case FrameType_Pong:
		case FrameType_Ping:
			pong, _ := json.Marshal(wsFrame{Type: FrameType_Pong, STime: time.Now().UnixMilli()})
			select {
			case p.outputCh <- pong:
			default:
				p.log.Warnf("[wschannel] output queue full, dropping pong")
			}
		case FrameType_Msg:
			p.handleMsgFrame(frame)
		case FrameType_Error:
			p.log.Warnf("[wschannel] peer error: %s", frame.Error)
		default:
			p.log.Debugf("[wschannel] ignoring frame type %q", frame.Type)
		}
	}
}

func (p *Peer) handleMsgFrame(frame wsFrame) {
	if !channel.TargetOriginAllows(frame.TargetOrigin, p.local.Origin()) {
		p.log.Debugf("[wschannel] dropping message for %q, local origin is %q", frame.TargetOrigin, p.local.Origin())
		return
	}
	if len(frame.Data) == 0 {
		frame.Data = json.RawMessage("null")
	}
	err := p.local.Deliver(channel.MessageEvent{
		Data:   frame.Data,
		Origin: p.origin,
		Source: p,
	})
	if err != nil {
		p.log.Warnf("[wschannel] cannot deliver message: %v", err)
	}
}

func (p *Peer) writePing() error {
	return p.writeFrameSync(wsFrame{Type: FrameType_Ping, STime: time.Now().UnixMilli()})
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(wsInitialPingTime)
	defer ticker.Stop()
	initialPing := true
	for {
		select {
		case barr := <-p.outputCh:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWaitTimeout))
			err := p.conn.WriteMessage(websocket.TextMessage, barr)
			if err != nil {
				p.conn.Close()
				p.log.Debugf("[wschannel] WritePump error: %v", err)
				return
			}
		case <-ticker.C:
			if err := p.writePing(); err != nil {
				p.conn.Close()
				p.log.Debugf("[wschannel] WritePump error: %v", err)
				return
			}
			if initialPing {
				initialPing = false
				ticker.Reset(wsPingPeriodTickTime)
			}
		case <-p.closeCh:
			return
		}
	}
}
