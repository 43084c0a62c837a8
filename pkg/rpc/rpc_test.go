// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outrigdev/framerpc/pkg/channel"
	"github.com/outrigdev/framerpc/pkg/channel/memchannel"
	"github.com/outrigdev/framerpc/pkg/rpctypes"
	"github.com/sirupsen/logrus"
)

const (
	testHostURL      = "https://host.example.com/app/"
	testHostOrigin   = "https://host.example.com"
	testGuestURL     = "https://guest.example.com/frame/index.html"
	testGuestFilter  = "https://guest.example.com/"
	testAwaitTimeout = 5 * time.Second
)

type testLink struct {
	host   *memchannel.Window
	guest  *memchannel.Window
	frame  *memchannel.FrameHandle
	server *Server
	client *Client
}

func makeTestLink(t *testing.T, methods []string, sopts *ServerOpts, copts *ClientOpts) *testLink {
	t.Helper()
	host := memchannel.MakeWindow(testHostURL, nil)
	guest := memchannel.MakeWindow(testGuestURL, nil)
	t.Cleanup(host.Close)
	t.Cleanup(guest.Close)
	frame := host.Embed(guest)
	server, err := MakeServer(host, frame, testGuestURL, testGuestFilter, sopts)
	if err != nil {
		t.Fatalf("MakeServer: %v", err)
	}
	client, err := MakeClient(guest, methods, testHostOrigin, copts)
	if err != nil {
		t.Fatalf("MakeClient: %v", err)
	}
	return &testLink{host: host, guest: guest, frame: frame, server: server, client: client}
}

func (l *testLink) handshake(t *testing.T) {
	t.Helper()
	if err := l.frame.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case <-l.client.Ready():
	case <-time.After(testAwaitTimeout):
		t.Fatal("handshake did not complete")
	}
}

// settle drains the given windows until no more work is queued on any of them.
func settle(t *testing.T, windows ...*memchannel.Window) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testAwaitTimeout)
	defer cancel()
	for round := 0; round < 3; round++ {
		for _, w := range windows {
			if err := w.Drain(ctx); err != nil {
				t.Fatalf("drain: %v", err)
			}
		}
	}
}

func await(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testAwaitTimeout)
	defer cancel()
	val, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not settle in time")
	}
	return val, err
}

func decodeResult[T any](t *testing.T, val any) T {
	t.Helper()
	var rtn T
	raw, ok := val.(json.RawMessage)
	if !ok {
		t.Fatalf("Expected json.RawMessage result, got %T", val)
	}
	if err := json.Unmarshal(raw, &rtn); err != nil {
		t.Fatalf("cannot decode result %s: %v", string(raw), err)
	}
	return rtn
}

func addHandler(args []any) any {
	return args[0].(float64) + args[1].(float64)
}

func TestEndToEndAdd(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.handshake(t)

	stub, ok := link.client.Stub("add")
	if !ok {
		t.Fatal("Expected a stub for add")
	}
	val, err := await(t, stub(2, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeResult[float64](t, val); got != 5 {
		t.Errorf("Expected 5, got %v", got)
	}
	if link.client.PendingCount() != 0 {
		t.Errorf("Expected no pending calls, got %d", link.client.PendingCount())
	}
}

func TestEndToEndNoop(t *testing.T) {
	link := makeTestLink(t, []string{"noop"}, nil, nil)
	link.server.RegisterMethod("noop", HandlerFunc(func(args []any) any { return nil }))
	link.handshake(t)

	val, err := await(t, link.client.CallMethod("noop"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != nil {
		t.Errorf("Expected undefined (nil) result, got %#v", val)
	}
}

func TestFalsyResultsAreKept(t *testing.T) {
	link := makeTestLink(t, []string{"zero", "false"}, nil, nil)
	link.server.RegisterMethod("zero", HandlerFunc(func(args []any) any { return 0 }))
	link.server.RegisterMethod("false", HandlerFunc(func(args []any) any { return false }))
	link.handshake(t)

	val, err := await(t, link.client.CallMethod("zero"))
	if err != nil || decodeResult[int](t, val) != 0 {
		t.Errorf("Expected 0, got %v (err %v)", val, err)
	}
	val, err = await(t, link.client.CallMethod("false"))
	if err != nil || decodeResult[bool](t, val) != false {
		t.Errorf("Expected false, got %v (err %v)", val, err)
	}
}

func TestCallBeforeHandshake(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	var invoked atomic.Int32
	link.server.RegisterMethod("add", func(ctx context.Context, args []any) Result {
		invoked.Add(1)
		return Immediate(nil)
	})
	var hostMsgs atomic.Int32
	link.host.AddMessageListener(func(ev channel.MessageEvent) { hostMsgs.Add(1) })

	f := link.client.CallMethod("add", 1, 2)
	if !f.Settled() {
		t.Fatal("Expected call before handshake to reject immediately")
	}
	_, err := await(t, f)
	if !errors.Is(err, ErrNoPartner) {
		t.Errorf("Expected ErrNoPartner, got %v", err)
	}
	settle(t, link.host, link.guest)
	if hostMsgs.Load() != 0 {
		t.Errorf("Expected no message to be sent, host saw %d", hostMsgs.Load())
	}
	if invoked.Load() != 0 {
		t.Error("handler should not have been invoked")
	}
	if link.client.PendingCount() != 0 {
		t.Errorf("Expected rejected call to leave no pending entry, got %d", link.client.PendingCount())
	}
}

// A call to a method the server does not have never settles under the default
// drop policy. This is the expected behavior, not a hang in the test.
func TestUnregisteredMethodNeverSettles(t *testing.T) {
	link := makeTestLink(t, []string{"unregistered"}, nil, nil)
	link.handshake(t)

	f := link.client.CallMethod("unregistered")
	settle(t, link.guest, link.host, link.guest)
	select {
	case <-f.Done():
		t.Fatal("Expected call to an unregistered method to stay pending")
	case <-time.After(50 * time.Millisecond):
	}
	if link.client.PendingCount() != 1 {
		t.Errorf("Expected 1 pending call, got %d", link.client.PendingCount())
	}
	if link.server.RequestsRejected() != 1 {
		t.Errorf("Expected the request to be counted as rejected, got %d", link.server.RequestsRejected())
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	link := makeTestLink(t, []string{"a", "b"}, nil, nil)
	futA := MakeFuture()
	futB := MakeFuture()
	link.server.RegisterMethod("a", func(ctx context.Context, args []any) Result { return Deferred(futA) })
	link.server.RegisterMethod("b", func(ctx context.Context, args []any) Result { return Deferred(futB) })
	link.handshake(t)

	callA := link.client.CallMethod("a")
	callB := link.client.CallMethod("b")
	ids := link.client.PendingIds()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("Expected pending ids [0 1], got %v", ids)
	}

	futB.Resolve("result-b")
	val, err := await(t, callB)
	if err != nil || decodeResult[string](t, val) != "result-b" {
		t.Fatalf("Expected result-b, got %v (err %v)", val, err)
	}
	if callA.Settled() {
		t.Fatal("call a should still be pending")
	}

	futA.Resolve("result-a")
	val, err = await(t, callA)
	if err != nil || decodeResult[string](t, val) != "result-a" {
		t.Errorf("Expected result-a, got %v (err %v)", val, err)
	}
}

func TestIdsStrictlyIncreasing(t *testing.T) {
	// ids are allocated even for calls that are rejected
	link := makeTestLink(t, []string{"x"}, nil, nil)
	link.client.CallMethod("x")
	link.client.CallMethod("x")
	link.handshake(t)
	link.client.CallMethod("x")
	ids := link.client.PendingIds()
	if len(ids) != 1 || ids[0] != 2 {
		t.Errorf("Expected the first sent call to get id 2, got %v", ids)
	}
}

func TestUntrustedOriginNeverDispatched(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	var invoked atomic.Int32
	link.server.RegisterMethod("add", func(ctx context.Context, args []any) Result {
		invoked.Add(1)
		return Immediate(3)
	})
	evil := memchannel.MakeWindow("https://evil.example.com/frame/index.html", nil)
	defer evil.Close()
	var evilMsgs atomic.Int32
	evil.AddMessageListener(func(ev channel.MessageEvent) { evilMsgs.Add(1) })

	req := rpctypes.RequestMessage{MethodId: 0, Fn: "add", Args: []any{1, 2}}
	if err := evil.HandleTo(link.host).PostMessage(req, channel.TargetOriginAny); err != nil {
		t.Fatalf("post: %v", err)
	}
	settle(t, link.host, evil)
	if invoked.Load() != 0 {
		t.Error("handler was invoked for an untrusted origin")
	}
	if evilMsgs.Load() != 0 {
		t.Error("a response was sent to an untrusted origin")
	}
	if link.server.RequestsRejected() != 1 {
		t.Errorf("Expected 1 rejected request, got %d", link.server.RequestsRejected())
	}
}

func TestRegisterTwiceLastWins(t *testing.T) {
	link := makeTestLink(t, []string{"foo"}, nil, nil)
	link.server.RegisterMethod("foo", HandlerFunc(func(args []any) any { return "h1" }))
	link.server.RegisterMethod("foo", HandlerFunc(func(args []any) any { return "h2" }))
	link.handshake(t)

	val, err := await(t, link.client.CallMethod("foo"))
	if err != nil || decodeResult[string](t, val) != "h2" {
		t.Errorf("Expected h2, got %v (err %v)", val, err)
	}
	if names := link.server.MethodNames(); len(names) != 1 {
		t.Errorf("Expected a single registered name, got %v", names)
	}
}

func TestUnknownResponseIdIsNoop(t *testing.T) {
	link := makeTestLink(t, []string{"slow"}, nil, nil)
	slow := MakeFuture()
	link.server.RegisterMethod("slow", func(ctx context.Context, args []any) Result { return Deferred(slow) })
	link.handshake(t)

	call := link.client.CallMethod("slow")
	stray := rpctypes.ResponseMessage{MethodId: 99, Result: "stray"}
	link.host.HandleTo(link.guest).PostMessage(stray, channel.TargetOriginAny)
	settle(t, link.host, link.guest)
	if call.Settled() {
		t.Fatal("stray response settled an unrelated call")
	}
	if link.client.PendingCount() != 1 {
		t.Errorf("Expected pending call to be untouched, got %d", link.client.PendingCount())
	}
	slow.Resolve("done")
	val, err := await(t, call)
	if err != nil || decodeResult[string](t, val) != "done" {
		t.Errorf("Expected done, got %v (err %v)", val, err)
	}
	// a duplicate of an already-resolved response is also ignored
	dup := rpctypes.ResponseMessage{MethodId: 0, Result: "again"}
	link.host.HandleTo(link.guest).PostMessage(dup, channel.TargetOriginAny)
	settle(t, link.host, link.guest)
	if link.client.PendingCount() != 0 {
		t.Errorf("Expected no pending calls, got %d", link.client.PendingCount())
	}
}

func TestSameOriginImpostorIgnored(t *testing.T) {
	link := makeTestLink(t, []string{"slow"}, nil, nil)
	slow := MakeFuture()
	link.server.RegisterMethod("slow", func(ctx context.Context, args []any) Result { return Deferred(slow) })
	link.handshake(t)

	call := link.client.CallMethod("slow")
	impostor := memchannel.MakeWindow("https://host.example.com/other/", nil)
	defer impostor.Close()
	forged := rpctypes.ResponseMessage{MethodId: 0, Result: "forged"}
	impostor.HandleTo(link.guest).PostMessage(forged, channel.TargetOriginAny)
	settle(t, impostor, link.guest)
	if call.Settled() {
		t.Fatal("forged response from a non-partner context was accepted")
	}
	slow.Resolve("real")
	val, err := await(t, call)
	if err != nil || decodeResult[string](t, val) != "real" {
		t.Errorf("Expected real, got %v (err %v)", val, err)
	}
}

func TestHandshakeFromWrongOriginIgnored(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	evil := memchannel.MakeWindow("https://evil.example.com/", nil)
	defer evil.Close()
	evil.HandleTo(link.guest).PostMessage(rpctypes.HandshakeMessage, channel.TargetOriginAny)
	settle(t, evil, link.guest)
	if link.client.IsReady() {
		t.Fatal("client accepted a handshake from an unexpected origin")
	}
	link.handshake(t)
	if link.client.Partner().EndpointId() != link.host.Id() {
		t.Error("partner does not address the host window")
	}
}

func TestNonHandshakeMessageBeforeInit(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	link.host.HandleTo(link.guest).PostMessage(map[string]any{"methodId": 0}, channel.TargetOriginAny)
	settle(t, link.host, link.guest)
	if link.client.IsReady() {
		t.Fatal("client treated a non-handshake message as the handshake")
	}
}

func TestHandshakeResentOnReload(t *testing.T) {
	var logBuf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logBuf)
	logger.SetLevel(logrus.WarnLevel)
	link := makeTestLink(t, []string{"add"}, nil, &ClientOpts{Log: logrus.NewEntry(logger)})
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.handshake(t)
	partner := link.client.Partner()
	link.frame.Load()
	settle(t, link.host, link.guest)
	if link.server.HandshakesSent() != 2 {
		t.Errorf("Expected 2 handshakes, got %d", link.server.HandshakesSent())
	}
	if !channel.SameEndpoint(partner, link.client.Partner()) {
		t.Error("partner changed after a second handshake")
	}
	if logBuf.Len() != 0 {
		t.Errorf("Expected a repeated handshake to log below warn level, got %q", logBuf.String())
	}
	val, err := await(t, link.client.CallMethod("add", 1, 1))
	if err != nil || decodeResult[float64](t, val) != 2 {
		t.Errorf("Expected 2, got %v (err %v)", val, err)
	}
}

func TestServersSharingHostServeOnlyTheirGuest(t *testing.T) {
	host := memchannel.MakeWindow(testHostURL, nil)
	defer host.Close()
	var calls atomic.Int64
	type guestLink struct {
		guest  *memchannel.Window
		frame  *memchannel.FrameHandle
		server *Server
		client *Client
	}
	links := make([]*guestLink, 2)
	for idx := range links {
		guest := memchannel.MakeWindow(testGuestURL, nil)
		defer guest.Close()
		frame := host.Embed(guest)
		server, err := MakeServer(host, frame, testGuestURL, testGuestFilter, nil)
		if err != nil {
			t.Fatalf("MakeServer: %v", err)
		}
		server.RegisterMethod("bump", HandlerFunc(func(args []any) any {
			return calls.Add(1)
		}))
		client, err := MakeClient(guest, []string{"bump"}, testHostOrigin, nil)
		if err != nil {
			t.Fatalf("MakeClient: %v", err)
		}
		links[idx] = &guestLink{guest: guest, frame: frame, server: server, client: client}
		if err := frame.Load(); err != nil {
			t.Fatalf("load: %v", err)
		}
		select {
		case <-client.Ready():
		case <-time.After(testAwaitTimeout):
			t.Fatal("handshake did not complete")
		}
	}

	for idx, link := range links {
		val, err := await(t, link.client.CallMethod("bump"))
		if err != nil {
			t.Fatalf("bump from guest %d: %v", idx, err)
		}
		settle(t, host, links[0].guest, links[1].guest)
		if got := decodeResult[int64](t, val); got != int64(idx+1) {
			t.Errorf("Expected bump %d to return %d, got %d", idx, idx+1, got)
		}
		if calls.Load() != int64(idx+1) {
			t.Errorf("Expected %d handler runs after %d calls, got %d", idx+1, idx+1, calls.Load())
		}
	}
	for idx, link := range links {
		if link.server.RequestsServed() != 1 {
			t.Errorf("Expected server %d to serve 1 request, got %d", idx, link.server.RequestsServed())
		}
		if link.client.PendingCount() != 0 {
			t.Errorf("Expected no pending calls on client %d, got %d", idx, link.client.PendingCount())
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	link.handshake(t)
	_, err := await(t, link.client.CallMethod("delete"))
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Errorf("Expected ErrMethodNotAllowed, got %v", err)
	}
	if _, ok := link.client.Stub("delete"); ok {
		t.Error("Expected no stub for a method outside the allow-list")
	}
}

func TestStubsMatchAllowList(t *testing.T) {
	link := makeTestLink(t, []string{"a", "b", "a"}, nil, nil)
	methods := link.client.Methods()
	if len(methods) != 2 || methods[0] != "a" || methods[1] != "b" {
		t.Errorf("Expected deduplicated allow-list [a b], got %v", methods)
	}
	stubs := link.client.Stubs()
	if len(stubs) != 2 || stubs["a"] == nil || stubs["b"] == nil {
		t.Errorf("Expected stubs for a and b, got %d stubs", len(stubs))
	}
}

func TestReplyErrorPolicies(t *testing.T) {
	sopts := &ServerOpts{UnknownMethodPolicy: PolicyReplyError, HandlerFailurePolicy: PolicyReplyError}
	link := makeTestLink(t, []string{"missing", "reject", "panics", "add"}, sopts, nil)
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.server.RegisterMethod("reject", func(ctx context.Context, args []any) Result {
		return Deferred(RejectedFuture(errors.New("nope")))
	})
	link.server.RegisterMethod("panics", func(ctx context.Context, args []any) Result {
		panic("boom")
	})
	link.handshake(t)

	tests := []struct {
		method  string
		wantMsg string
	}{
		{"missing", `unknown method "missing"`},
		{"reject", "nope"},
		{"panics", "panic in rpcserver:handler: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := await(t, link.client.CallMethod(tt.method))
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("Expected RemoteError, got %v", err)
			}
			if remoteErr.Msg != tt.wantMsg || remoteErr.Method != tt.method {
				t.Errorf("Expected %q from %q, got %q from %q", tt.wantMsg, tt.method, remoteErr.Msg, remoteErr.Method)
			}
		})
	}
	val, err := await(t, link.client.CallMethod("add", 4, 5))
	if err != nil || decodeResult[float64](t, val) != 9 {
		t.Errorf("server should keep serving after failures, got %v (err %v)", val, err)
	}
}

func TestPanicDroppedByDefault(t *testing.T) {
	link := makeTestLink(t, []string{"panics", "add"}, nil, nil)
	link.server.RegisterMethod("panics", func(ctx context.Context, args []any) Result {
		panic(errors.New("boom"))
	})
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.handshake(t)

	f := link.client.CallMethod("panics")
	val, err := await(t, link.client.CallMethod("add", 1, 2))
	if err != nil || decodeResult[float64](t, val) != 3 {
		t.Errorf("Expected 3, got %v (err %v)", val, err)
	}
	if f.Settled() {
		t.Error("Expected a panicking handler to produce no response under the drop policy")
	}
}

func TestCallTimeout(t *testing.T) {
	link := makeTestLink(t, []string{"unregistered"}, nil, &ClientOpts{CallTimeout: 50 * time.Millisecond})
	link.handshake(t)
	_, err := await(t, link.client.CallMethod("unregistered"))
	if !errors.Is(err, ErrCallTimeout) {
		t.Errorf("Expected ErrCallTimeout, got %v", err)
	}
	if link.client.PendingCount() != 0 {
		t.Errorf("Expected timed out call to be removed, got %d pending", link.client.PendingCount())
	}
}

func TestClientDispose(t *testing.T) {
	link := makeTestLink(t, []string{"unregistered"}, nil, nil)
	link.handshake(t)
	f := link.client.CallMethod("unregistered")
	link.client.Dispose()
	if _, err := await(t, f); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed for pending call, got %v", err)
	}
	if _, err := await(t, link.client.CallMethod("unregistered")); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed after dispose, got %v", err)
	}
	link.client.Dispose()
}

func TestServerDispose(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.handshake(t)
	link.server.Dispose()
	f := link.client.CallMethod("add", 1, 2)
	settle(t, link.guest, link.host, link.guest)
	if f.Settled() {
		t.Error("disposed server should not answer")
	}
	if err := link.server.SendHandshake(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed, got %v", err)
	}
}

func TestCallOriginInContext(t *testing.T) {
	link := makeTestLink(t, []string{"whoami"}, nil, nil)
	link.server.RegisterMethod("whoami", func(ctx context.Context, args []any) Result {
		return Immediate(GetCallOriginFromContext(ctx) + " " + GetCallMethodFromContext(ctx))
	})
	link.handshake(t)
	val, err := await(t, link.client.CallMethod("whoami"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeResult[string](t, val); got != "https://guest.example.com whoami" {
		t.Errorf("unexpected call info %q", got)
	}
}

func TestConcurrentCallers(t *testing.T) {
	link := makeTestLink(t, []string{"add"}, nil, nil)
	link.server.RegisterMethod("add", HandlerFunc(addHandler))
	link.handshake(t)

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), testAwaitTimeout)
			defer cancel()
			val, err := link.client.CallMethod("add", n, n).Await(ctx)
			if err != nil {
				errCh <- err
				return
			}
			var sum int
			if err := json.Unmarshal(val.(json.RawMessage), &sum); err != nil || sum != 2*n {
				errCh <- errors.New("wrong sum")
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("call failed: %v", err)
	}
}

func TestMakeServerErrors(t *testing.T) {
	host := memchannel.MakeWindow(testHostURL, nil)
	guest := memchannel.MakeWindow(testGuestURL, nil)
	defer host.Close()
	defer guest.Close()
	frame := host.Embed(guest)
	if _, err := MakeServer(host, frame, "not a url", testGuestFilter, nil); err == nil {
		t.Error("Expected error for invalid guest url")
	}
	if _, err := MakeServer(host, frame, testGuestURL, "::bad", nil); err == nil {
		t.Error("Expected error for invalid origin filter")
	}
	if _, err := MakeClient(guest, nil, "nope", nil); err == nil {
		t.Error("Expected error for invalid server origin")
	}
}
