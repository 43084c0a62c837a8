// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memchannel is an in-process implementation of the channel primitive.
// Each Window owns one event-loop goroutine; listeners for a window only ever run
// on that goroutine.
package memchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/outrigdev/framerpc/pkg/channel"
	"github.com/outrigdev/framerpc/pkg/originfilter"
	"github.com/outrigdev/framerpc/pkg/panichandler"
	"github.com/sirupsen/logrus"
)

// OpaqueOrigin is used for windows whose url has no usable origin.
const OpaqueOrigin = "null"

var ErrWindowClosed = errors.New("window is closed")

type listenerEntry[T any] struct {
	fn      T
	removed bool
}

type Window struct {
	id     string
	url    string
	origin string
	log    *logrus.Entry

	lock          *sync.Mutex
	queue         []func()
	wakeCh        chan struct{}
	closed        bool
	doneCh        chan struct{}
	msgListeners  []*listenerEntry[channel.MessageHandler]
	loadListeners map[string][]*listenerEntry[func()]
}

func MakeWindow(url string, log *logrus.Entry) *Window {
	origin, err := originfilter.OriginOf(url)
	if err != nil {
		origin = OpaqueOrigin
	}
	if log == nil {
		log = logrus.WithField("component", "memchannel")
	}
	w := &Window{
		id:            uuid.New().String(),
		url:           url,
		origin:        origin,
		lock:          &sync.Mutex{},
		wakeCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		loadListeners: make(map[string][]*listenerEntry[func()]),
	}
	w.log = log.WithField("window", origin)
	go w.runLoop()
	return w
}

func (w *Window) Id() string {
	return w.id
}

func (w *Window) URL() string {
	return w.url
}

func (w *Window) Origin() string {
	return w.origin
}

func (w *Window) runLoop() {
	defer close(w.doneCh)
	for {
		w.lock.Lock()
		if w.closed {
			w.lock.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.lock.Unlock()
			<-w.wakeCh
			continue
		}
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.lock.Unlock()
		w.runTask(task)
	}
}

func (w *Window) runTask(task func()) {
	defer func() {
		panichandler.PanicHandler("memchannel:task", recover())
	}()
	task()
}

func (w *Window) enqueue(task func()) error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return ErrWindowClosed
	}
	w.queue = append(w.queue, task)
	w.lock.Unlock()
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Post queues task to run on the window's event loop.
func (w *Window) Post(task func()) error {
	return w.enqueue(task)
}

// Close stops the event loop. Queued tasks are discarded.
func (w *Window) Close() {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	w.lock.Unlock()
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Window) Done() <-chan struct{} {
	return w.doneCh
}

// Drain blocks until the window's queue is empty.
func (w *Window) Drain(ctx context.Context) error {
	for {
		markCh := make(chan struct{})
		err := w.enqueue(func() { close(markCh) })
		if err != nil {
			return err
		}
		select {
		case <-markCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.lock.Lock()
		empty := len(w.queue) == 0
		w.lock.Unlock()
		if empty {
			return nil
		}
	}
}

func (w *Window) AddMessageListener(fn channel.MessageHandler) func() {
	entry := &listenerEntry[channel.MessageHandler]{fn: fn}
	w.lock.Lock()
	w.msgListeners = append(w.msgListeners, entry)
	w.lock.Unlock()
	return func() {
		w.lock.Lock()
		defer w.lock.Unlock()
		entry.removed = true
		for idx, e := range w.msgListeners {
			if e == entry {
				w.msgListeners = append(w.msgListeners[:idx:idx], w.msgListeners[idx+1:]...)
				break
			}
		}
	}
}

// Deliver queues ev for dispatch to this window's message listeners.
func (w *Window) Deliver(ev channel.MessageEvent) error {
	return w.enqueue(func() { w.dispatchMessage(ev) })
}

func (w *Window) dispatchMessage(ev channel.MessageEvent) {
	w.lock.Lock()
	listeners := make([]*listenerEntry[channel.MessageHandler], len(w.msgListeners))
	copy(listeners, w.msgListeners)
	w.lock.Unlock()
	for _, entry := range listeners {
		// a listener may remove a later one during this dispatch
		w.lock.Lock()
		removed := entry.removed
		w.lock.Unlock()
		if removed {
			continue
		}
		entry.fn(ev)
	}
}

func (w *Window) addLoadListener(frameId string, fn func()) func() {
	entry := &listenerEntry[func()]{fn: fn}
	w.lock.Lock()
	w.loadListeners[frameId] = append(w.loadListeners[frameId], entry)
	w.lock.Unlock()
	return func() {
		w.lock.Lock()
		defer w.lock.Unlock()
		entry.removed = true
		entries := w.loadListeners[frameId]
		for idx, e := range entries {
			if e == entry {
				w.loadListeners[frameId] = append(entries[:idx:idx], entries[idx+1:]...)
				break
			}
		}
	}
}

func (w *Window) fireLoad(frameId string) error {
	return w.enqueue(func() {
		w.lock.Lock()
		entries := make([]*listenerEntry[func()], len(w.loadListeners[frameId]))
		copy(entries, w.loadListeners[frameId])
		w.lock.Unlock()
		for _, entry := range entries {
			w.lock.Lock()
			removed := entry.removed
			w.lock.Unlock()
			if removed {
				continue
			}
			entry.fn()
		}
	})
}

// HandleTo returns target as seen from w. Messages posted through it arrive at
// target with w's origin, and their Source addresses w.
func (w *Window) HandleTo(target *Window) *Handle {
	return &Handle{from: w, to: target}
}

// Embed makes guest a frame hosted by w. Load events fire on w's loop.
func (w *Window) Embed(guest *Window) *FrameHandle {
	return &FrameHandle{Handle: Handle{from: w, to: guest}}
}

// Handle is a directional reference from one window to another.
type Handle struct {
	from *Window
	to   *Window
}

func (h *Handle) EndpointId() string {
	return h.to.id
}

func (h *Handle) Origin() string {
	return h.to.origin
}

func (h *Handle) PostMessage(data any, targetOrigin string) error {
	barr, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cannot clone message: %w", err)
	}
	if !channel.TargetOriginAllows(targetOrigin, h.to.origin) {
		h.from.log.Debugf("[memchannel] dropping message for %s, target origin %q does not match", h.to.origin, targetOrigin)
		return nil
	}
	return h.to.Deliver(channel.MessageEvent{
		Data:   json.RawMessage(barr),
		Origin: h.from.origin,
		Source: &Handle{from: h.to, to: h.from},
	})
}

type FrameHandle struct {
	Handle
}

func (f *FrameHandle) AddLoadListener(fn func()) func() {
	return f.from.addLoadListener(f.to.id, fn)
}

// Load signals that the guest finished loading.
func (f *FrameHandle) Load() error {
	return f.from.fireLoad(f.to.id)
}

func (f *FrameHandle) Guest() *Window {
	return f.to
}
