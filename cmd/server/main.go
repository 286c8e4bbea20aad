// Command server starts the annotation server: REST API, task queue and
// orchestrator in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/app"
	"github.com/activetigger/activetigger/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	rootPassword := cfg.RootPassword
	if rootPassword == "" {
		rootPassword, err = promptRootPassword()
		if err != nil {
			logger.Error("root password prompt failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := a.Orch.UsersSv.EnsureRoot(ctx, rootPassword); err != nil {
		logger.Error("root account bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

// promptRootPassword asks twice on the terminal. Only reached on first
// boot without ROOT_PASSWORD set; once the root account exists the value
// is ignored.
func promptRootPassword() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("ROOT_PASSWORD is not set and stdin is not a terminal")
	}
	fmt.Print("Root password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm root password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	pw := strings.TrimSpace(string(first))
	if pw == "" {
		return "", fmt.Errorf("empty password")
	}
	return pw, nil
}
