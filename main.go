package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/newgrp/pushrelay/push"
	"github.com/newgrp/pushrelay/server"
)

const (
	// Configuration keys. Each can also be given as the upper-cased environment variable, e.g.
	// SERVER_ADDRESS.
	keyServerAddress  = "server_address"
	keyServerCert     = "server_cert"
	keyServerKey      = "server_key"
	keyNTSServers     = "nts_servers"
	keyLogFile        = "log_file"
	keyOutboxCapacity = "outbox_capacity"
	keyDedupWindow    = "dedup_window"

	// Size in megabytes at which the log file is rotated.
	logFileMaxSizeMB = 100
	// Rotated log files kept around.
	logFileMaxBackups = 5

	// How long in-flight requests get to finish on shutdown.
	shutdownTimeout = 10 * time.Second
)

// Infers HTTP server configuration.
//
// Returns (server address, TLS enabled, cert file, key file). Cert file and key
// file are non-empty if and only if TLS is enabled.
//
// Server address is inferred as follows:
//
//   - if the configuration provides a custom address, use that
//   - if TLS is enabled, use ":443"
//   - otherwise, use ":80"
//
// TLS is inferred as enabled if and only if both the server cert and server key
// are configured.
func getServerConfig(v *viper.Viper) (string, bool, string, string) {
	addr := ":80"
	customAddr := v.GetString(keyServerAddress) != ""
	if customAddr {
		addr = v.GetString(keyServerAddress)
	}

	certFile := v.GetString(keyServerCert)
	keyFile := v.GetString(keyServerKey)
	if certFile == "" || keyFile == "" {
		return addr, false, "", ""
	}

	if !customAddr {
		addr = ":443"
	}
	return addr, true, certFile, keyFile
}

// Splits a comma-separated server list, dropping empty entries.
func splitServers(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Sends log output to a rotating file, in addition to stderr, if one is configured.
func setupLogging(v *viper.Viper) io.Closer {
	path := v.GetString(keyLogFile)
	if path == "" {
		return io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	log.Printf("Logging to %s", path)
	return file
}

// Serves until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, httpServer *http.Server, tls bool, certFile, keyFile string) error {
	errs := make(chan error, 1)
	go func() {
		if tls {
			log.Printf("Running HTTPS server at %s", httpServer.Addr)
			errs <- httpServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Printf("Running HTTP server at %s", httpServer.Addr)
			errs <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Printf("Shutting down: %v", context.Cause(ctx))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func run(ctx context.Context, v *viper.Viper) error {
	defer setupLogging(v).Close()

	opts := server.Options{
		NTSServers:     splitServers(v.GetString(keyNTSServers)),
		OutboxCapacity: v.GetInt(keyOutboxCapacity),
		DedupWindow:    v.GetInt(keyDedupWindow),
	}

	s, err := server.NewServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Println("Server dependencies initialized")

	mux := http.NewServeMux()
	s.RegisterHandlers(mux)

	addr, tls, certFile, keyFile := getServerConfig(v)
	return serve(ctx, &http.Server{Addr: addr, Handler: mux}, tls, certFile, keyFile)
}

// Configuration read from the environment, before flags are bound.
func newConfig() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(newConfig())
}

// Builds the root command with its flags bound to keys in v.
func newRootCommandWith(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushrelay",
		Short: "Relays push notifications to a polling web view",
		Long: `pushrelay accepts push notification deliveries and token updates over HTTP and
queues them, once each, for a web view to poll.

Every flag can also be set through the matching environment variable, e.g.
--nts-servers through NTS_SERVERS.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "address to listen on (default \":80\", or \":443\" with TLS)")
	flags.String("cert", "", "TLS certificate file")
	flags.String("key", "", "TLS key file")
	flags.String("nts-servers", "", "comma-separated NTS servers; the system clock is used if empty")
	flags.String("log-file", "", "also write logs to this file, rotated by size")
	flags.Int("outbox-capacity", push.DefaultOutboxCapacity, "messages held for the web view before the oldest is dropped")
	flags.Int("dedup-window", push.DefaultDedupWindow, "recent deliveries remembered for duplicate suppression")

	for key, flag := range map[string]string{
		keyServerAddress:  "addr",
		keyServerCert:     "cert",
		keyServerKey:      "key",
		keyNTSServers:     "nts-servers",
		keyLogFile:        "log-file",
		keyOutboxCapacity: "outbox-capacity",
		keyDedupWindow:    "dedup-window",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
