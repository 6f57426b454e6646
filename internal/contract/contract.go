// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package contract validates the ingest boundary's batch envelope contract
// against an embedded JSON Schema, per §4.3/§6. It follows cc-backend's
// pkg/schema convention: an embed.FS of schema files, a custom jsonschema
// loader scheme, and compile-once-at-init.
package contract

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadEmbedded(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedfs"] = loadEmbedded
}

// SupportedVersions is the set of contract versions this deployment
// accepts, surfaced at GET /api/ingest/contract (the added interface from
// SPEC_FULL.md).
var SupportedVersions = []string{"v1"}

var (
	compileOnce sync.Once
	v1Schema    *jsonschema.Schema
	compileErr  error
)

func schemaForVersion(version string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		v1Schema, compileErr = jsonschema.Compile("embedfs://schemas/envelope-batch.v1.schema.json")
	})
	if compileErr != nil {
		return nil, fmt.Errorf("contract: compile schema: %w", compileErr)
	}
	switch version {
	case "v1":
		return v1Schema, nil
	default:
		return nil, fmt.Errorf("contract: unsupported contract_version %q", version)
	}
}

// ValidateBatch checks raw against the schema for its declared
// contract_version, returning a typed error the ingest handler maps to the
// per-item "bad_contract" rejection.
func ValidateBatch(contractVersion string, raw []byte) error {
	schema, err := schemaForVersion(contractVersion)
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("contract: malformed json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("contract: schema violation: %w", err)
	}
	return nil
}

// IsSupported reports whether version is one this deployment accepts.
func IsSupported(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}
