// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Daemon longened hosts the thread and synchronization core. It owns the
// dispatcher goroutine, pumps the engine clock, and serves the monitor
// endpoint; request transports are registered by the personality modules
// built on top of it.
package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"time"

	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"

	"github.com/steelcowboy/longene/monitor"
	"github.com/steelcowboy/longene/server"
)

var (
	cmdRoot = &cmdline.Command{
		Runner: cmdline.RunnerFunc(runServer),
		Name:   "longened",
		Short:  "Runs the thread and synchronization core",
		Long: `
Runs the thread and synchronization core: the arbiter that tracks client
threads, owns the wait-object graph and mediates suspension, wake-up and
APC delivery on their behalf.
`,
	}

	monitorAddrFlag string
	debugLevelFlag  int
	tickFlag        time.Duration
	inflightDupFlag bool
)

func init() {
	cmdRoot.Flags.StringVar(&monitorAddrFlag, "monitor-addr", "localhost:8300", "Address for the diagnostics endpoint, empty to disable.")
	cmdRoot.Flags.IntVar(&debugLevelFlag, "debug-level", 0, "Initial protocol trace verbosity.")
	cmdRoot.Flags.DurationVar(&tickFlag, "tick", 10*time.Millisecond, "Dispatcher clock granularity.")
	cmdRoot.Flags.BoolVar(&inflightDupFlag, "inflight-dup", false, "Synthesize missing in-flight fds by duplicating the client fd (shared fd-table hosts only).")
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(cmdRoot)
}

func runServer(env *cmdline.Env, args []string) error {
	opts := []server.Option{
		server.WithHooks(server.DefaultHooks()),
		server.WithDebugLevel(debugLevelFlag),
	}
	if inflightDupFlag {
		opts = append(opts, server.WithInflightDup())
	}
	engine := server.NewEngine(opts...)
	vlog.Infof("longened starting, boot id %s", engine.BootID())

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	// The dispatcher goroutine owns the engine. Other goroutines submit
	// closures and wait for them to run.
	dispatch := make(chan func(*server.Engine))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(tickFlag)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				engine.Tick(now.UnixNano())
			case fn := <-dispatch:
				fn(engine)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if monitorAddrFlag != "" {
		ln, err := net.Listen("tcp", monitorAddrFlag)
		if err != nil {
			return err
		}
		source := func() []server.ThreadDiag {
			out := make(chan []server.ThreadDiag, 1)
			dispatch <- func(e *server.Engine) { out <- e.Diagnostics() }
			return <-out
		}
		mux := http.NewServeMux()
		mux.Handle("/", monitor.New(source, time.Second).Handler())
		mux.HandleFunc("/debug/requests", trace.Traces)
		srv := &http.Server{Handler: mux}
		g.Go(func() error { return srv.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		vlog.Infof("monitor listening on %s", ln.Addr())
	}

	err := g.Wait()
	if err == context.Canceled || err == http.ErrServerClosed {
		err = nil
	}
	vlog.Infof("longened exiting: %v", err)
	return err
}
