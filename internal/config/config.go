// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the timing core's process configuration, following
// cc-backend's internal/config convention: a package-level Keys struct with
// defaults, loaded from a JSON file with unknown fields rejected outright.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/pkg/log"
)

// TrackConfig is the static per-track configuration the race engine and
// gateway read: loop wiring and the gate-beacon transponder id.
type TrackConfig struct {
	ID                    string       `json:"id"`
	GateBeaconTransponder uint32       `json:"gate_beacon_transponder"`
	Loops                 []LoopConfig `json:"loops"`
}

// LoopConfig is one physical timing loop entry in a track's configuration.
type LoopConfig struct {
	ID            string `json:"id"`
	DecoderID     string `json:"decoder_id"`
	PositionIndex int    `json:"position_index"`
	Role          string `json:"role"`
}

// ProgramConfig is the full set of process keys for timingd and
// track-gateway. Secrets are never written here directly: any field tagged
// `env:"VARNAME"` is read from the named environment variable at Init time
// whenever that variable is set and non-empty, taking precedence over the
// JSON file's value, the same indirection
// cc-backend used for credentials that should not land in a config file on
// disk.
type ProgramConfig struct {
	Addr             string        `json:"addr"`
	NatsURL          string        `json:"nats_url" env:"TIMINGCORE_NATS_URL"`
	SqliteDSN        string        `json:"sqlite_dsn"`
	JWTSigningKey    string        `json:"-" env:"TIMINGCORE_JWT_SIGNING_KEY"`
	ContractVersions []string      `json:"contract_versions"`
	SpoolDir         string        `json:"spool_dir"`
	SpoolMaxRecords  int           `json:"spool_max_records"`
	HeartbeatSeconds int           `json:"heartbeat_seconds"`
	IngestRateLimit  float64       `json:"ingest_rate_limit_per_sec"`
	IngestRateBurst  int           `json:"ingest_rate_burst"`
	LogLevel         string        `json:"log_level"`
	Tracks           []TrackConfig `json:"tracks"`
	S3ArchivalBucket string        `json:"s3_archival_bucket,omitempty"`
}

// Keys holds the process-wide configuration, populated by Init. Defaults
// here match what a local single-track development deployment needs.
var Keys = ProgramConfig{
	Addr:             ":8080",
	NatsURL:          "nats://127.0.0.1:4222",
	SqliteDSN:        "./var/timingcore.db",
	ContractVersions: []string{"v1"},
	SpoolDir:         "./var/spool",
	SpoolMaxRecords:  100_000,
	HeartbeatSeconds: 15,
	IngestRateLimit:  200,
	IngestRateBurst:  400,
	LogLevel:         "info",
}

// Init reads flagConfigFile (if it exists) into Keys, rejecting unknown
// fields, then applies any `env:` indirections, same loading convention as
// cc-backend's internal/config.Init.
func Init(flagConfigFile string) error {
	if flagConfigFile != "" {
		raw, err := os.ReadFile(flagConfigFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&Keys); err != nil {
				return err
			}
		}
	}

	applyEnvOverrides(&Keys)

	if len(Keys.Tracks) == 0 {
		log.Warn("config: no tracks configured; ingest/race endpoints will reject everything")
	}
	return nil
}

func applyEnvOverrides(k *ProgramConfig) {
	if v, ok := os.LookupEnv("TIMINGCORE_NATS_URL"); ok && v != "" {
		k.NatsURL = v
	}
	if v, ok := os.LookupEnv("TIMINGCORE_JWT_SIGNING_KEY"); ok && v != "" {
		k.JWTSigningKey = v
	}
}

// TrackByID finds a configured track by id.
func TrackByID(id string) (TrackConfig, bool) {
	for _, t := range Keys.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return TrackConfig{}, false
}

// ToModel converts a configured track into the race engine's domain type.
func (t TrackConfig) ToModel() model.Track {
	loops := make([]model.TimingLoop, 0, len(t.Loops))
	for _, l := range t.Loops {
		loops = append(loops, model.TimingLoop{
			ID:            l.ID,
			DecoderID:     l.DecoderID,
			PositionIndex: l.PositionIndex,
			Role:          model.LoopRole(l.Role),
		})
	}
	return model.Track{
		ID:                    t.ID,
		GateBeaconTransponder: t.GateBeaconTransponder,
		Loops:                 loops,
	}
}
