// Command feathermail is the FeatherMail SMTP server binary: it loads the
// boot-time server config and hot-reloadable pipeline config, wires the
// default adapter registry, and serves SMTP sessions until told to stop.
//
// Usage:
//
//	feathermail start    run in the foreground
//	feathermail daemon   fork into the background, write a pidfile
//	feathermail stop     signal a running daemon to shut down
//
// Provisioning the bcrypt keystore consumed by encrypted_provisioned_password
// is a separate, out-of-scope tool; feathermail only reads the JSON format
// documented on internal/stages.KeystoreEntry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/config"
	"github.com/feathermail/feathermail/internal/listener"
	"github.com/feathermail/feathermail/internal/pipeline"
	"github.com/feathermail/feathermail/internal/ttlstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(context.Background())
	case "daemon":
		err = runDaemon()
	case "stop":
		err = runStop()
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "feathermail:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: feathermail {start|daemon|stop}")
}

// runStart loads configuration, builds the adapter registry and TLS
// provider, binds the listener, and serves until SIGINT/SIGTERM.
func runStart(ctx context.Context) error {
	logger := logrus.New()
	entry := logrus.NewEntry(logger)

	ttl, err := ttlstore.New(60 * time.Second)
	if err != nil {
		return fmt.Errorf("ttl store: %w", err)
	}
	defer ttl.Close()

	fmLogger := feathermail.NewLogrusLogger(logger)
	registry := pipeline.NewDefaultRegistry(pipeline.Dependencies{TTLStore: ttl, Logger: fmLogger})

	loader, err := config.Load(config.ConfigDir(), entry, registry.Validate)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()
	loader.Watch(5*time.Second, registry.Validate)

	server := loader.Server()
	tlsProvider, tlsPolicy, err := listener.BuildTLSProvider(server)
	if err != nil {
		return fmt.Errorf("tls provider: %w", err)
	}

	srv, err := listener.Listen(server.ListenAddress, &listener.Server{
		Loader:      loader,
		Registry:    registry,
		TLSProvider: tlsProvider,
		TLSPolicy:   tlsPolicy,
		Limits:      feathermail.DefaultSessionLimits(),
		Extensions:  feathermail.DefaultExtensions(),
		Logger:      fmLogger,
	})
	if err != nil {
		return err
	}

	entry.WithField("addr", srv.Addr().String()).Info("feathermail listening")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutdown requested")
		cancel()
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(runCtx) }()

	select {
	case <-runCtx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}
