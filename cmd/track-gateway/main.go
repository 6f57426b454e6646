// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command track-gateway is the edge process deployed next to one
// transponder decoder: it dials the decoder's TCP stream, decodes and
// forwards envelopes to timingd's ingest boundary over HTTP, and spools
// to local disk while the upstream is unreachable.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"

	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/gateway"
	"github.com/bmxtiming/timingcore/internal/scheduler"
	"github.com/bmxtiming/timingcore/internal/spool"
	"github.com/bmxtiming/timingcore/pkg/log"
)

func main() {
	var configFile string
	var decoderAddr string
	var trackID string
	var clientID string
	var ingestURL string
	var bearerToken string
	var spoolDir string
	var spoolMaxRecords int
	var archiveBucket string
	var logLevel string
	var gopsAgent bool

	flag.StringVar(&configFile, "config", "", "optional path to a JSON configuration file (shares timingd's format)")
	flag.StringVar(&decoderAddr, "decoder-addr", "", "host:port of the transponder decoder's TCP stream")
	flag.StringVar(&trackID, "track-id", "", "track id this gateway serves")
	flag.StringVar(&clientID, "client-id", "", "unique id for this gateway instance, used in envelope provenance")
	flag.StringVar(&ingestURL, "ingest-url", "", "base URL of timingd's ingest boundary, e.g. https://timing.example.org")
	flag.StringVar(&bearerToken, "token", "", "bearer token authorized for track-id, overrides TIMINGCORE_GATEWAY_TOKEN")
	flag.StringVar(&spoolDir, "spool-dir", "", "overflow spool directory, overrides config.spool_dir")
	flag.IntVar(&spoolMaxRecords, "spool-max-records", 0, "overflow spool capacity, overrides config.spool_max_records")
	flag.StringVar(&archiveBucket, "s3-archive-bucket", "", "optional S3 bucket for evicted spool segments, overrides config.s3_archival_bucket")
	flag.StringVar(&logLevel, "loglevel", "", "override the configured log level")
	flag.BoolVar(&gopsAgent, "gops", false, "start a github.com/google/gops agent for runtime introspection")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("track-gateway: .env load failed: %v", err)
	}

	if err := config.Init(configFile); err != nil {
		log.Fatalf("track-gateway: config init failed: %v", err)
	}
	if logLevel != "" {
		config.Keys.LogLevel = logLevel
	}
	log.SetLogLevel(config.Keys.LogLevel)

	if spoolDir == "" {
		spoolDir = config.Keys.SpoolDir
	}
	if spoolMaxRecords == 0 {
		spoolMaxRecords = config.Keys.SpoolMaxRecords
	}
	if archiveBucket == "" {
		archiveBucket = config.Keys.S3ArchivalBucket
	}
	if bearerToken == "" {
		bearerToken = os.Getenv("TIMINGCORE_GATEWAY_TOKEN")
	}
	if decoderAddr == "" || trackID == "" || clientID == "" || ingestURL == "" {
		log.Fatal("track-gateway: -decoder-addr, -track-id, -client-id and -ingest-url are all required")
	}

	if gopsAgent {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warnf("track-gateway: gops agent failed to start: %v", err)
		}
	}

	var archiver spool.Archiver
	if archiveBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a, err := spool.NewS3Archiver(ctx, archiveBucket)
		cancel()
		if err != nil {
			log.Warnf("track-gateway: s3 archiver init failed, evicted records will be dropped: %v", err)
		} else {
			archiver = a
		}
	}

	sp, err := spool.Open(spoolDir, trackID, spoolMaxRecords, archiver)
	if err != nil {
		log.Fatalf("track-gateway: spool open failed: %v", err)
	}
	defer sp.Close()

	publisher := gateway.NewHTTPPublisher(ingestURL, bearerToken)
	gw := gateway.NewGateway(decoderAddr, trackID, clientID, publisher, sp)

	if err := scheduler.Start(0); err != nil {
		log.Fatalf("track-gateway: scheduler failed to start: %v", err)
	}
	defer scheduler.Shutdown()

	if err := scheduler.RegisterSpoolDrain(30*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Drain(ctx); err != nil {
			log.Debugf("track-gateway: spool drain: %v", err)
		}
	}); err != nil {
		log.Warnf("track-gateway: failed to register spool drain job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("track-gateway: shutting down")
	cancel()
}
