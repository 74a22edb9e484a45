package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/driveq/driveq/internal/config"
	"github.com/driveq/driveq/internal/engine"
	"github.com/driveq/driveq/internal/flagx"
	"github.com/driveq/driveq/internal/logging"
)

func main() {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	initSignalHandler(cancel)

	cfg := config.LoadConfig()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if cfg.E2EEPassphrase == "" && e2eePromptRequested() {
		passphrase, err := promptPassphrase()
		if err != nil {
			log.Fatalf("reading passphrase: %v", err)
		}
		cfg.E2EEPassphrase = passphrase
	}

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := e.Run(ctx); err != nil {
		logger.Error(ctx, "engine stopped", "error", err)
	}

	closeCtx := context.Background()
	if err := e.Close(closeCtx); err != nil {
		logger.Error(closeCtx, "shutdown incomplete", "error", err)
	}
}

func initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func e2eePromptRequested() bool {
	args := flagx.FilterArgs(os.Args[1:], []string{"-e2ee"})

	fs := flag.NewFlagSet("e2ee", flag.ContinueOnError)
	prompt := fs.Bool("e2ee", false, "prompt for the encryption passphrase on startup")
	if err := fs.Parse(args); err != nil {
		return false
	}
	return *prompt
}

func promptPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal, set the passphrase in the config file")
	}
	fmt.Println("-Enter encryption passphrase")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(b)), nil
}
