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

// snowflaked serves and inspects Snowflake IDs.
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/snowflake"
	"zombiezen.com/go/snowflake/idclient"
	"zombiezen.com/go/snowflake/idserver"
	"zombiezen.com/go/snowflake/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "snowflaked",
		Short:         "Snowflake ID server",
		Long:          "snowflaked hands out unique, time-ordered 64-bit IDs over HTTP and websockets.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(
		newServeCommand(),
		newMintCommand(),
		newDecodeCommand(),
		newFetchCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ID server",
		Args:  cobra.NoArgs,
	}
	configPath := cmd.Flags().String("config", "", "path to TOML configuration file")
	producer := cmd.Flags().Uint16("producer", 0, "producer ID in [0, 1023] (overrides config)")
	listen := cmd.Flags().String("listen", "", "address to listen on (overrides config)")
	accessLog := cmd.Flags().Bool("access-log", false, "write an access log to stderr")
	debug := cmd.Flags().Bool("debug", false, "show debug logs")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Default()
		if *configPath != "" {
			var err error
			cfg, err = config.ReadFile(*configPath)
			if err != nil {
				return err
			}
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return err
		}
		if cmd.Flags().Changed("producer") {
			cfg.ProducerID = *producer
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = *listen
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		minLevel := log.Info
		if *debug {
			minLevel = log.Debug
		}
		return serve(ctx, cfg, *accessLog, stderrLogger{minLevel: minLevel})
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, accessLog bool, logger log.Logger) error {
	gen, err := snowflake.NewGenerator(cfg.ProducerID, cfg.GeneratorOptions())
	if err != nil {
		return err
	}
	srv := idserver.NewServer(gen, cfg.ServerOptions())
	srv.SetLogger(logger)
	var handler http.Handler = srv
	if accessLog {
		handler = handlers.CombinedLoggingHandler(os.Stderr, handler)
	}
	handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handler)

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	hsrv := &http.Server{
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	log.Logf(ctx, logger, log.Info, "Serving producer %d (epoch %v) on %v", gen.Producer(), gen.Epoch().UTC(), l.Addr())

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := hsrv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		log.Logf(ctx, logger, log.Info, "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hsrv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

func newMintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print IDs from a local generator",
		Args:  cobra.NoArgs,
	}
	producer := cmd.Flags().Uint16("producer", 0, "producer ID in [0, 1023]")
	count := cmd.Flags().Int("count", 1, "number of IDs to print")
	epoch := cmd.Flags().String("epoch", "", "epoch as an RFC 3339 timestamp (default Unix epoch)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts := new(snowflake.GeneratorOptions)
		var err error
		opts.Epoch, err = parseEpoch(*epoch)
		if err != nil {
			return err
		}
		gen, err := snowflake.NewGenerator(*producer, opts)
		if err != nil {
			return err
		}
		for i := 0; i < *count; i++ {
			id, err := gen.NextID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}
	return cmd
}

func newDecodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode ID [...]",
		Short: "Print the fields of IDs",
		Args:  cobra.MinimumNArgs(1),
	}
	epoch := cmd.Flags().String("epoch", "", "epoch as an RFC 3339 timestamp (default Unix epoch)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		e, err := parseEpoch(*epoch)
		if err != nil {
			return err
		}
		if e.IsZero() {
			e = time.Unix(0, 0)
		}
		out := cmd.OutOrStdout()
		for _, arg := range args {
			id, err := snowflake.ParseID(arg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%v\ttimestamp=%d\tproducer=%d\tsequence=%d\ttime=%s\n",
				id, id.Timestamp(), id.Producer(), id.Sequence(),
				id.Time(e).UTC().Format(time.RFC3339Nano))
		}
		return nil
	}
	return cmd
}

func newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch IDs from a running server",
		Args:  cobra.NoArgs,
	}
	rawURL := cmd.Flags().String("url", "http://localhost:8080/api/v1", "server API URL")
	token := cmd.Flags().String("token", os.Getenv("SNOWFLAKE_TOKEN"), "bearer token")
	count := cmd.Flags().Int("count", 1, "number of IDs to fetch")
	useStream := cmd.Flags().Bool("stream", false, "fetch over a websocket stream")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		baseURL, err := url.Parse(*rawURL)
		if err != nil {
			return err
		}
		var auth idclient.AuthHeader
		if *token != "" {
			auth = idclient.BearerAuthorization(*token)
		}
		client := idclient.NewClient(auth, &idclient.ClientOptions{
			BaseURL:   baseURL,
			UserAgent: "snowflaked",
		})
		var ids []snowflake.ID
		if *useStream {
			stream, err := client.OpenStream(ctx)
			if err != nil {
				return err
			}
			defer stream.Close()
			ids, err = stream.Next(ctx, *count)
			if err != nil {
				return err
			}
		} else {
			ids, err = client.NextIDs(ctx, *count)
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}
	return cmd
}

func parseEpoch(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch: %w", err)
	}
	return t, nil
}

// stderrLogger writes log entries through the standard library logger.
type stderrLogger struct {
	minLevel log.Level
}

func (l stderrLogger) LogEnabled(entry log.Entry) bool {
	return entry.Level >= l.minLevel
}

func (l stderrLogger) Log(ctx context.Context, entry log.Entry) {
	if !l.LogEnabled(entry) {
		return
	}
	stdlog.Printf("%v: %s", entry.Level, entry.Msg)
}
