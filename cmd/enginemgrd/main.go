package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openpectus/enginemgr/internal/config"
	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/daemon"
	"github.com/openpectus/enginemgr/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "enginemgrd",
		Short:         "Open Pectus engine manager daemon - supervises engine processes and serves the HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	instance := config.InstanceName()

	if err := setupLogging(instance); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if running, pid := daemon.IsRunning(instance); running {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	paths, err := config.EnsureInstanceDirs(instance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	ctx := context.Background()

	store, err := configstore.Open(ctx, configstore.Options{
		DBPath:       paths.ConfigDB,
		InstanceName: instance,
	})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}

	d, err := daemon.New(ctx, daemon.Options{Store: store})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		d.Shutdown()
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(instance string) error {
	paths, err := config.EnsureInstanceDirs(instance)
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   paths.DaemonLog,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}

	multi := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Engine Manager Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", paths.DaemonLog)
	return nil
}
