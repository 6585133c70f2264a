// Copyright 2021 The zombiezen Go Snowflake Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of the snowflaked daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"zombiezen.com/go/snowflake"
	"zombiezen.com/go/snowflake/idserver"
)

// Config is the daemon configuration loaded from a TOML file.
type Config struct {
	// ProducerID is the generator's producer ID.
	// Every daemon sharing an epoch must use a distinct one.
	ProducerID uint16 `toml:"producer_id"`
	// Epoch is the instant timestamps are measured from.
	// The zero value means the Unix epoch.
	Epoch time.Time `toml:"epoch"`
	// Listen is the TCP address the server listens on.
	Listen string `toml:"listen"`
	// Tokens is the set of bearer tokens accepted by the server.
	// If empty, any client is accepted.
	Tokens   []string `toml:"tokens"`
	MaxBatch int      `toml:"max_batch"`
}

// Default returns built-in defaults.
func Default() *Config {
	return &Config{
		Listen:   "localhost:8080",
		MaxBatch: idserver.DefaultMaxBatch,
	}
}

// ReadFile reads the TOML configuration at path
// on top of the defaults and validates it.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("read config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	ProducerIDEnv = "SNOWFLAKE_PRODUCER_ID"
	ListenEnv     = "SNOWFLAKE_LISTEN"
	TokensEnv     = "SNOWFLAKE_TOKENS"
)

// ApplyEnv overlays SNOWFLAKE_* environment variables onto cfg.
// lookup is usually os.LookupEnv.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(ProducerIDEnv); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", ProducerIDEnv, err)
		}
		cfg.ProducerID = uint16(n)
	}
	if v, ok := lookup(ListenEnv); ok && v != "" {
		cfg.Listen = v
	}
	if v, ok := lookup(TokensEnv); ok {
		cfg.Tokens = nil
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				cfg.Tokens = append(cfg.Tokens, tok)
			}
		}
	}
	return nil
}

// Validate reports whether the configuration can be used to start a server.
func (cfg *Config) Validate() error {
	if cfg.ProducerID > snowflake.MaxProducer {
		return fmt.Errorf("producer_id %d out of range [0, %d]: %w", cfg.ProducerID, snowflake.MaxProducer, snowflake.ErrInvalidConfig)
	}
	if cfg.Listen == "" {
		return errors.New("listen address is empty")
	}
	if cfg.MaxBatch < 0 {
		return fmt.Errorf("max_batch %d is negative", cfg.MaxBatch)
	}
	if !cfg.Epoch.IsZero() && cfg.Epoch.After(time.Now()) {
		return fmt.Errorf("epoch %v is in the future: %w", cfg.Epoch, snowflake.ErrInvalidConfig)
	}
	for i, tok := range cfg.Tokens {
		if strings.TrimSpace(tok) == "" {
			return fmt.Errorf("tokens[%d] is empty", i)
		}
	}
	return nil
}

// GeneratorOptions returns the options for the daemon's generator.
func (cfg *Config) GeneratorOptions() *snowflake.GeneratorOptions {
	return &snowflake.GeneratorOptions{Epoch: cfg.Epoch}
}

// ServerOptions returns the options for the daemon's server.
func (cfg *Config) ServerOptions() *idserver.ServerOptions {
	return &idserver.ServerOptions{
		Tokens:   cfg.Tokens,
		MaxBatch: cfg.MaxBatch,
	}
}
