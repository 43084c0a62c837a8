// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	lru "github.com/hashicorp/golang-lru"
	"github.com/outrigdev/framerpc/pkg/channel"
	"github.com/outrigdev/framerpc/pkg/logutil"
	"github.com/outrigdev/framerpc/pkg/originfilter"
	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/outrigdev/framerpc/pkg/utilfn"
	"github.com/sirupsen/logrus"
)

const DefaultRecentIdCacheSize = 256

type ClientOpts struct {
	// CallTimeout rejects calls with ErrCallTimeout when no response arrives in time.
	// Zero means calls wait forever.
	CallTimeout time.Duration
	// RecentIdCacheSize bounds the memory of completed call ids, used to tell duplicate
	// responses from unknown ones.
	RecentIdCacheSize int
	Log               *logrus.Entry
}

type StubFunc func(args ...any) *Future

type pendingCall struct {
	id     int64
	fn     string
	future *Future
	timer  *time.Timer
}

// Client lets guest code call methods of the server in the embedding context.
// Only methods in the allow-list may be called.
type Client struct {
	guest        channel.Context
	methods      []string
	allowed      map[string]bool
	stubs        map[string]StubFunc
	serverOrigin *originfilter.ExactOrigin
	opts         ClientOpts
	log          *logrus.Entry

	lock           *sync.Mutex
	partner        channel.Endpoint
	nextId         int64
	pending        *treemap.Map // int64 => *pendingCall
	recentIds      *lru.Cache
	removeListener func()
	readyCh        chan struct{}
	disposed       bool
}

// MakeClient starts listening for the handshake. Calls placed before the handshake
// completes are rejected with ErrNoPartner.
func MakeClient(guest channel.Context, methods []string, serverOrigin string, opts *ClientOpts) (*Client, error) {
	if guest == nil {
		return nil, fmt.Errorf("rpc client needs a guest context")
	}
	origin, err := originfilter.MakeExactOrigin(serverOrigin)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ClientOpts{}
	}
	realOpts := *opts
	if realOpts.RecentIdCacheSize <= 0 {
		realOpts.RecentIdCacheSize = DefaultRecentIdCacheSize
	}
	recentIds, err := lru.New(realOpts.RecentIdCacheSize)
	if err != nil {
		return nil, err
	}
	log := realOpts.Log
	if log == nil {
		log = logutil.ComponentLog("rpcclient")
	}
	c := &Client{
		guest:        guest,
		allowed:      make(map[string]bool),
		stubs:        make(map[string]StubFunc),
		serverOrigin: origin,
		opts:         realOpts,
		log:          log.WithField("server", origin.String()),
		lock:         &sync.Mutex{},
		pending:      treemap.NewWith(utils.Int64Comparator),
		recentIds:    recentIds,
		readyCh:      make(chan struct{}),
	}
	for _, name := range methods {
		if c.allowed[name] {
			continue
		}
		c.allowed[name] = true
		c.methods = append(c.methods, name)
		fn := name
		c.stubs[name] = func(args ...any) *Future {
			return c.CallMethod(fn, args...)
		}
	}
	c.lock.Lock()
	c.removeListener = guest.AddMessageListener(c.handleHandshake)
	c.lock.Unlock()
	return c, nil
}

func (c *Client) Methods() []string {
	return utilfn.CopyStrArr(c.methods)
}

// Stub returns the call function for an allow-listed method.
func (c *Client) Stub(name string) (StubFunc, bool) {
	stub, ok := c.stubs[name]
	return stub, ok
}

func (c *Client) Stubs() map[string]StubFunc {
	rtn := make(map[string]StubFunc, len(c.stubs))
	for name, stub := range c.stubs {
		rtn[name] = stub
	}
	return rtn
}

// Ready is closed once the handshake has completed.
func (c *Client) Ready() <-chan struct{} {
	return c.readyCh
}

func (c *Client) IsReady() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.partner != nil
}

func (c *Client) Partner() channel.Endpoint {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.partner
}

func (c *Client) PendingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending.Size()
}

// PendingIds returns the ids of calls still awaiting a response, in ascending order.
func (c *Client) PendingIds() []int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	keys := c.pending.Keys()
	rtn := make([]int64, 0, len(keys))
	for _, key := range keys {
		rtn = append(rtn, key.(int64))
	}
	return rtn
}

func (c *Client) handleHandshake(ev channel.MessageEvent) {
	if !c.serverOrigin.Matches(ev.Origin) {
		c.log.Warnf("[rpcclient] ignoring handshake from unexpected origin %q", ev.Origin)
		return
	}
	var data string
	if err := json.Unmarshal(ev.Data, &data); err != nil || data != rpctypes.HandshakeMessage {
		c.log.Debugf("[rpcclient] ignoring non-handshake message before init: %s", truncateData(ev.Data))
		return
	}
	if ev.Source == nil {
		c.log.Warnf("[rpcclient] handshake has no source")
		return
	}
	c.lock.Lock()
	if c.disposed || c.partner != nil {
		c.lock.Unlock()
		return
	}
	c.partner = ev.Source
	c.removeListener()
	c.removeListener = c.guest.AddMessageListener(c.handleResponse)
	c.lock.Unlock()
	close(c.readyCh)
	c.log.Debugf("[rpcclient] handshake complete, partner %s", ev.Source.EndpointId())
}

// CallMethod sends a request for fn and returns a future for its result. The future
// resolves with the raw JSON result, or nil when the method returned no value.
func (c *Client) CallMethod(fn string, args ...any) *Future {
	if !c.allowed[fn] {
		return RejectedFuture(fmt.Errorf("%w: %q", ErrMethodNotAllowed, fn))
	}
	if args == nil {
		args = []any{}
	}
	future := MakeFuture()
	c.lock.Lock()
	if c.disposed {
		c.lock.Unlock()
		future.Reject(ErrDisposed)
		return future
	}
	id := c.nextId
	c.nextId++
	pc := &pendingCall{id: id, fn: fn, future: future}
	c.pending.Put(id, pc)
	partner := c.partner
	if partner == nil {
		c.pending.Remove(id)
		c.lock.Unlock()
		future.Reject(fmt.Errorf("%w (calling %q)", ErrNoPartner, fn))
		return future
	}
	if c.opts.CallTimeout > 0 {
		pc.timer = time.AfterFunc(c.opts.CallTimeout, func() { c.expireCall(id) })
	}
	c.lock.Unlock()

	req := rpctypes.RequestMessage{MethodId: id, Fn: fn, Args: args}
	if err := partner.PostMessage(req, c.serverOrigin.String()); err != nil {
		if c.takePending(id) != nil {
			future.Reject(fmt.Errorf("cannot send request %q (id %d): %w", fn, id, err))
		}
	}
	return future
}

// takePending removes and returns the pending call for id, or nil.
func (c *Client) takePending(id int64) *pendingCall {
	c.lock.Lock()
	defer c.lock.Unlock()
	val, found := c.pending.Get(id)
	if !found {
		return nil
	}
	pc := val.(*pendingCall)
	c.pending.Remove(id)
	c.recentIds.Add(id, nil)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

func (c *Client) expireCall(id int64) {
	pc := c.takePending(id)
	if pc == nil {
		return
	}
	c.log.Warnf("[rpcclient] call %q (id %d) timed out after %v", pc.fn, id, c.opts.CallTimeout)
	pc.future.Reject(fmt.Errorf("%w: %q (id %d)", ErrCallTimeout, pc.fn, id))
}

func (c *Client) handleResponse(ev channel.MessageEvent) {
	if !c.serverOrigin.Matches(ev.Origin) {
		c.log.Warnf("[rpcclient] ignoring response from unexpected origin %q", ev.Origin)
		return
	}
	if !channel.SameEndpoint(ev.Source, c.Partner()) {
		c.log.Warnf("[rpcclient] ignoring response from a context other than the partner (origin %q)", ev.Origin)
		return
	}
	var handshake string
	if json.Unmarshal(ev.Data, &handshake) == nil && handshake == rpctypes.HandshakeMessage {
		c.log.Debugf("[rpcclient] ignoring repeated handshake, partner already set")
		return
	}
	var resp rpctypes.IncomingResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil || resp.MethodId == nil {
		c.log.Warnf("[rpcclient] ignoring malformed response: %s", truncateData(ev.Data))
		return
	}
	id := *resp.MethodId
	pc := c.takePending(id)
	if pc == nil {
		c.lock.Lock()
		seen := c.recentIds.Contains(id)
		c.lock.Unlock()
		if seen {
			c.log.Warnf("[rpcclient] ignoring duplicate response for id %d", id)
		} else {
			c.log.Warnf("[rpcclient] ignoring response for unknown id %d", id)
		}
		return
	}
	if resp.Error != "" {
		pc.future.Reject(&RemoteError{Method: pc.fn, MethodId: id, Msg: resp.Error})
		return
	}
	if len(resp.Result) == 0 {
		pc.future.Resolve(nil)
		return
	}
	pc.future.Resolve(resp.Result)
}

// Dispose stops listening and rejects every pending call with ErrDisposed.
func (c *Client) Dispose() {
	c.lock.Lock()
	if c.disposed {
		c.lock.Unlock()
		return
	}
	c.disposed = true
	var calls []*pendingCall
	for _, val := range c.pending.Values() {
		pc := val.(*pendingCall)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		calls = append(calls, pc)
	}
	c.pending.Clear()
	removeListener := c.removeListener
	c.removeListener = nil
	c.lock.Unlock()
	if removeListener != nil {
		removeListener()
	}
	for _, pc := range calls {
		pc.future.Reject(ErrDisposed)
	}
}
