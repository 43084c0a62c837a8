// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outrigdev/framerpc/pkg/channel/memchannel"
	"github.com/outrigdev/framerpc/pkg/channel/wschannel"
	"github.com/outrigdev/framerpc/pkg/config"
	"github.com/outrigdev/framerpc/pkg/logutil"
	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/outrigdev/framerpc/pkg/rpcclient"
)

const handshakeTimeout = 10 * time.Second

// parseCallArgs reads each argument as JSON, falling back to a plain string.
func parseCallArgs(rawArgs []string) []any {
	args := make([]any, 0, len(rawArgs))
	for _, raw := range rawArgs {
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			args = append(args, raw)
			continue
		}
		args = append(args, val)
	}
	return args
}

func callAllowList(cfg *config.Config, method string) []string {
	methods := cfg.Guest.Methods
	if len(methods) == 0 {
		methods = rpcclient.CommandNames
	}
	return append(append([]string{}, methods...), method)
}

func formatResult(val any) (string, error) {
	if val == nil {
		return "undefined", nil
	}
	raw, ok := val.(json.RawMessage)
	if !ok {
		return "", fmt.Errorf("unexpected result type %T", val)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw), nil
	}
	return buf.String(), nil
}

func runCall(cfg *config.Config, method string, rawArgs []string) error {
	guest := memchannel.MakeWindow(cfg.Guest.URL, logutil.ComponentLog("memchannel"))
	defer guest.Close()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer dialCancel()
	peer, err := wschannel.Dial(dialCtx, cfg.Guest.ServerURL, guest, &wschannel.PeerOpts{Log: logutil.ComponentLog("wschannel")})
	if err != nil {
		return err
	}
	defer peer.Close()

	clientOpts := cfg.ClientOpts()
	clientOpts.Log = logutil.ComponentLog("rpcclient")
	client, err := rpc.MakeClient(guest, callAllowList(cfg, method), peer.Origin(), clientOpts)
	if err != nil {
		return err
	}
	defer client.Dispose()
	peer.Start()

	select {
	case <-client.Ready():
	case <-peer.Done():
		return fmt.Errorf("host closed the connection before the handshake")
	case <-dialCtx.Done():
		return fmt.Errorf("no handshake from %s after %v", peer.Origin(), handshakeTimeout)
	}

	val, err := client.CallMethod(method, parseCallArgs(rawArgs)...).Await(context.Background())
	if err != nil {
		return err
	}
	out, err := formatResult(val)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
