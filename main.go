package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"node-rotator/internal/cmd"
	"node-rotator/internal/logger"
	"node-rotator/internal/rotation"
)

// Build information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	// Create context that listens for interrupt signals from the OS
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.NewRootCmd(cmd.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
	})

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		mainLogger := logger.NewDefault("main")

		var perr *rotation.PhaseError
		if errors.As(err, &perr) {
			mainLogger.Error("Rotation aborted",
				"role", perr.Role,
				"phase", string(perr.Phase),
				"marker", perr.Marker,
				"error", perr.Err)
			if perr.Resumable() {
				mainLogger.Error("Continue with: node-rotator --role " + perr.Role + " --resume " + perr.Marker)
			}
		} else {
			mainLogger.Error("node-rotator failed", "error", err)
		}
		stop()
		os.Exit(1)
	}
}
