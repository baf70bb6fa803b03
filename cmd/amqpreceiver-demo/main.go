// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command amqpreceiver-demo wires the link core to a simulated reactor
// and drives it end to end: open the link, poll for messages, and
// shut down cleanly on signal. It stands in for the real AMQP engine
// (out of scope for this module, spec.md's explicit Non-goals) the way
// cmd/broker/main.go stands up real transports around the core broker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxlink/amqpreceiver/config"
	"github.com/fluxlink/amqpreceiver/link"
	"github.com/fluxlink/amqpreceiver/link/linktest"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	batchSize := flag.Int("batch", 10, "Max messages requested per Receive call")
	simulateMessages := flag.Int("simulate", 25, "Number of synthetic messages the fake reactor delivers")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting amqpreceiver demo",
		"host", cfg.Link.Host,
		"entity_path", cfg.Link.EntityPath,
		"prefetch", cfg.Link.Prefetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	retryPolicy := cfg.RetryPolicy()
	reactor := linktest.NewFakeReactor(cfg.Link.LinkName, cfg.Link.Host, cfg.Link.OperationTimeout,
		retryPolicy, &linktest.FakeCBSChannel{}, linktest.NewFakeTokenProvider("demo-token"))

	provider := &linktest.FakeSettingsProvider{}
	receiverCfg := cfg.ReceiverConfig(provider)
	receiverCfg.Logger = logger
	receiverCfg.OnOpenRetry = func(r *link.Receiver) {
		slog.Warn("link open failed, retrying", "state", r.State().String())
	}

	openCtx, openCancel := context.WithTimeout(ctx, cfg.Link.OpenTimeout)
	defer openCancel()

	createDone := make(chan struct{})
	var receiver *link.Receiver
	var createErr error
	go func() {
		receiver, createErr = link.Create(openCtx, receiverCfg, reactor)
		close(createDone)
	}()

	// The fake reactor never attaches on its own; simulate the peer
	// acking the attach as soon as the link endpoint exists, and then
	// feed it a burst of synthetic deliveries.
	go func() {
		for i := 0; i < 200 && reactor.LastLink() == nil; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		if l := reactor.LastLink(); l != nil {
			l.SimulateAttachAck()
			for i := 0; i < *simulateMessages; i++ {
				l.SimulateDeliver(&link.Message{
					EnqueuedSequence: uint64(i),
					Body:             []byte("synthetic message"),
				})
			}
		}
	}()

	<-createDone
	if createErr != nil {
		slog.Error("failed to open receiver link", "error", createErr)
		os.Exit(1)
	}
	slog.Info("receiver link open", "state", receiver.State().String())

	received := 0
	for received < *simulateMessages {
		batch, err := receiver.Receive(ctx, *batchSize)
		if err != nil {
			slog.Error("receive failed", "error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		received += len(batch)
		if len(batch) > 0 {
			slog.Info("received batch", "count", len(batch), "total", received)
		}
	}

	go func() {
		if l := reactor.LastLink(); l != nil {
			for i := 0; i < 200 && l.LocalState() != link.EndpointClosed; i++ {
				time.Sleep(5 * time.Millisecond)
			}
			l.SimulateClose(nil)
		}
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Link.CloseTimeout)
	defer closeCancel()
	if err := receiver.Close(closeCtx); err != nil {
		slog.Error("error closing receiver", "error", err)
		os.Exit(1)
	}
	slog.Info("amqpreceiver demo stopped", "messages_received", received)
}
