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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/snowflake"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snowflaked.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	if cfg.ProducerID != 0 {
		t.Errorf("ProducerID = %d; want 0", cfg.ProducerID)
	}
	if !cfg.GeneratorOptions().Epoch.IsZero() {
		t.Errorf("GeneratorOptions().Epoch = %v; want zero", cfg.GeneratorOptions().Epoch)
	}
}

func TestReadFile(t *testing.T) {
	path := writeConfig(t, `
producer_id = 42
epoch = 2021-01-01T00:00:00Z
listen = ":9090"
tokens = ["xyzzy", "plugh"]
max_batch = 100
`)
	cfg, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProducerID != 42 {
		t.Errorf("ProducerID = %d; want 42", cfg.ProducerID)
	}
	if want := time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC); !cfg.Epoch.Equal(want) {
		t.Errorf("Epoch = %v; want %v", cfg.Epoch, want)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q; want %q", cfg.Listen, ":9090")
	}
	if len(cfg.Tokens) != 2 || cfg.Tokens[0] != "xyzzy" || cfg.Tokens[1] != "plugh" {
		t.Errorf("Tokens = %q; want [xyzzy plugh]", cfg.Tokens)
	}
	opts := cfg.ServerOptions()
	if opts.MaxBatch != 100 {
		t.Errorf("ServerOptions().MaxBatch = %d; want 100", opts.MaxBatch)
	}
}

func TestReadFileKeepsDefaults(t *testing.T) {
	cfg, err := ReadFile(writeConfig(t, "producer_id = 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.Listen != want.Listen {
		t.Errorf("Listen = %q; want %q", cfg.Listen, want.Listen)
	}
	if cfg.MaxBatch != want.MaxBatch {
		t.Errorf("MaxBatch = %d; want %d", cfg.MaxBatch, want.MaxBatch)
	}
}

func TestReadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{name: "ProducerOutOfRange", content: "producer_id = 1024\n", invalid: true},
		{name: "FutureEpoch", content: "epoch = 2999-01-01T00:00:00Z\n", invalid: true},
		{name: "UnknownKey", content: "worker_id = 1\n"},
		{name: "Syntax", content: "producer_id = \n"},
		{name: "NegativeBatch", content: "max_batch = -1\n"},
		{name: "EmptyToken", content: "tokens = [\"\"]\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ReadFile(writeConfig(t, test.content))
			if err == nil {
				t.Fatal("ReadFile did not return an error")
			}
			if got := errors.Is(err, snowflake.ErrInvalidConfig); got != test.invalid {
				t.Errorf("errors.Is(%v, ErrInvalidConfig) = %t; want %t", err, got, test.invalid)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		ProducerIDEnv: "7",
		ListenEnv:     "0.0.0.0:80",
		TokensEnv:     " xyzzy, ,plugh ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.ProducerID != 7 {
		t.Errorf("ProducerID = %d; want 7", cfg.ProducerID)
	}
	if cfg.Listen != "0.0.0.0:80" {
		t.Errorf("Listen = %q; want %q", cfg.Listen, "0.0.0.0:80")
	}
	if len(cfg.Tokens) != 2 || cfg.Tokens[0] != "xyzzy" || cfg.Tokens[1] != "plugh" {
		t.Errorf("Tokens = %q; want [xyzzy plugh]", cfg.Tokens)
	}

	env[ProducerIDEnv] = "seven"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Errorf("ApplyEnv with %s=%q did not return an error", ProducerIDEnv, env[ProducerIDEnv])
	}
}
