// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outrigdev/framerpc/pkg/channel/memchannel"
	"github.com/outrigdev/framerpc/pkg/channel/wschannel"
	"github.com/outrigdev/framerpc/pkg/config"
	"github.com/outrigdev/framerpc/pkg/hostlock"
	"github.com/outrigdev/framerpc/pkg/hostmethods"
	"github.com/outrigdev/framerpc/pkg/logutil"
	"github.com/outrigdev/framerpc/pkg/panichandler"
	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/outrigdev/framerpc/pkg/web"
)

const shutdownTimeout = 5 * time.Second

func makeAcceptFn(cfg *config.Config, host *memchannel.Window) web.AcceptFn {
	log := logutil.ComponentLog("host")
	return func(peer *wschannel.Peer) error {
		guestURL := peer.URL()
		if guestURL == "" {
			guestURL = peer.Origin()
		}
		opts := cfg.ServerOpts()
		opts.Log = logutil.ComponentLog("rpcserver").WithField("peer", peer.EndpointId())
		server, err := rpc.MakeServer(host, peer, guestURL, cfg.Host.OriginFilter, opts)
		if err != nil {
			return err
		}
		if _, err := hostmethods.Register(server, log); err != nil {
			server.Dispose()
			return err
		}
		go func() {
			defer func() {
				panichandler.PanicHandler("host:peerdone", recover())
			}()
			<-peer.Done()
			server.Dispose()
			log.Debugf("[host] server for %s disposed (served:%d rejected:%d)", peer.Origin(), server.RequestsServed(), server.RequestsRejected())
		}()
		return nil
	}
}

func runHost(cfg *config.Config) error {
	log := logutil.ComponentLog("host")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lock, err := hostlock.AcquireHostLock(cfg.Host.LockFile)
	if err != nil {
		return fmt.Errorf("error acquiring host lock %s: %w", cfg.Host.LockFile, err)
	}
	defer lock.Close()

	host := memchannel.MakeWindow(cfg.Host.URL, logutil.ComponentLog("memchannel"))
	defer host.Close()
	webServer := web.MakeWebServer(host, makeAcceptFn(cfg, host), &web.WebServerOpts{
		Dev: cfg.Dev,
		Log: logutil.ComponentLog("web"),
	})
	listener, err := web.MakeTCPListener("framerpc", cfg.Host.Listen, log)
	if err != nil {
		return err
	}

	serveErrCh := make(chan error, 1)
	go func() {
		defer func() {
			panichandler.PanicHandler("host:serve", recover())
		}()
		serveErrCh <- webServer.Serve(listener)
	}()
	log.Infof("[host] origin:%s accepting guests matching %s", host.Origin(), cfg.Host.OriginFilter)

	select {
	case err := <-serveErrCh:
		return err
	case <-ctx.Done():
	}
	log.Infof("[host] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return webServer.Shutdown(shutdownCtx)
}
