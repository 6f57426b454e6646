// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command timingd is the central timing-core server: it terminates
// POST /api/ingest/batch, runs the per-track processing actors, keeps the
// sqlite projection up to date, and serves the control API and the live
// websocket fanout, all on one gorilla/mux router.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/bmxtiming/timingcore/internal/api"
	"github.com/bmxtiming/timingcore/internal/authtoken"
	"github.com/bmxtiming/timingcore/internal/broker"
	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/fanout"
	"github.com/bmxtiming/timingcore/internal/ingest"
	"github.com/bmxtiming/timingcore/internal/metrics"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/processor"
	"github.com/bmxtiming/timingcore/internal/projection"
	"github.com/bmxtiming/timingcore/internal/scheduler"
	"github.com/bmxtiming/timingcore/pkg/log"
)

func main() {
	var configFile string
	var logLevel string
	var gopsAgent bool
	flag.StringVar(&configFile, "config", "./config.json", "path to timingd's JSON configuration file")
	flag.StringVar(&logLevel, "loglevel", "", "override the configured log level")
	flag.BoolVar(&gopsAgent, "gops", false, "start a github.com/google/gops agent for runtime introspection")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("timingd: .env load failed: %v", err)
	}

	if err := config.Init(configFile); err != nil {
		log.Fatalf("timingd: config init failed: %v", err)
	}
	if logLevel != "" {
		config.Keys.LogLevel = logLevel
	}
	log.SetLogLevel(config.Keys.LogLevel)

	if gopsAgent {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warnf("timingd: gops agent failed to start: %v", err)
		}
	}

	client, err := broker.Connect(config.Keys.NatsURL)
	if err != nil {
		log.Fatalf("timingd: nats connect failed: %v", err)
	}
	defer client.Close()

	if _, err := projection.Connect(config.Keys.SqliteDSN); err != nil {
		log.Fatalf("timingd: projection db connect failed: %v", err)
	}

	issuer, err := authtoken.NewIssuer(config.Keys.JWTSigningKey)
	if err != nil {
		log.Fatalf("timingd: authtoken issuer init failed: %v", err)
	}

	pool := processor.NewPool(&processor.BrokerSink{Client: client}, projection.GetMotoRepository(), projection.GetAuditRepository(), 0)
	if _, err := client.QueueSubscribe("timing.ingest.raw.v1.*", "processor", func(subject string, data []byte) error {
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("timingd: malformed raw envelope on %s: %v", subject, err)
			return nil
		}
		return pool.HandleRaw(context.Background(), env)
	}); err != nil {
		log.Fatalf("timingd: processor subscription failed: %v", err)
	}

	projector := projection.NewProjector()
	if err := projection.Run(client, projector); err != nil {
		log.Fatalf("timingd: projection subscriber failed to start: %v", err)
	}

	if err := scheduler.Start(0); err != nil {
		log.Fatalf("timingd: scheduler failed to start: %v", err)
	}
	defer scheduler.Shutdown()
	if err := scheduler.RegisterDedupeCompaction(0); err != nil {
		log.Warnf("timingd: failed to register dedupe compaction job: %v", err)
	}

	ingestHandler := ingest.NewHandler(&ingest.BrokerPublisher{Client: client}, issuer)
	controlHandler := &api.Handler{Controller: pool, Audit: projection.GetAuditRepository(), Authorizer: issuer}
	fanoutServer := fanout.NewServer(client, pool)

	router := mux.NewRouter()
	router.HandleFunc("/api/ingest/batch", ingestHandler.ServeBatch).Methods(http.MethodPost)
	router.HandleFunc("/api/ingest/contract", ingestHandler.ServeContract).Methods(http.MethodGet)
	controlHandler.MountRoutes(router)
	router.HandleFunc("/ws/v1/live", fanoutServer.ServeLive)
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         config.Keys.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the websocket handler owns its own connection lifetime
	}

	go func() {
		log.Infof("timingd: listening on %s", config.Keys.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("timingd: http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("timingd: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("timingd: http server shutdown: %v", err)
	}
}
