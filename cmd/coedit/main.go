// Package main is the entry point for the coedit collaboration daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/coedit/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	application, err := app.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags() app.Options {
	var opts app.Options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", defaultConfigPath(), "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", defaultConfigPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.Listen, "listen", "", "Address to share on (host mode)")
	flag.StringVar(&opts.Listen, "l", "", "Address to share on (shorthand)")
	flag.StringVar(&opts.JoinURL, "join", "", "Websocket URL of a host to join (guest mode)")
	flag.StringVar(&opts.JoinURL, "j", "", "Websocket URL of a host to join (shorthand)")
	flag.StringVar(&opts.ProjectID, "project", "", "Project id to join (guest mode)")
	flag.StringVar(&opts.Name, "name", "", "Display name shown to collaborators")
	flag.StringVar(&opts.Name, "n", "", "Display name shown to collaborators (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Coedit - collaborative editing daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: coedit [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  coedit main.go lib.go                   Share two files\n")
		fmt.Fprintf(os.Stderr, "  coedit -l 0.0.0.0:43117 main.go         Share on all interfaces\n")
		fmt.Fprintf(os.Stderr, "  coedit -j ws://10.0.0.5:43117 -project <id>\n")
		fmt.Fprintf(os.Stderr, "                                          Join a shared project\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("Coedit %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.JoinURL != "" && opts.ProjectID == "" {
		fmt.Fprintf(os.Stderr, "Error: -join requires -project\n")
		os.Exit(1)
	}

	// Remaining arguments are files to share
	opts.Files = flag.Args()

	if opts.JoinURL != "" && len(opts.Files) > 0 {
		fmt.Fprintf(os.Stderr, "Error: guests receive buffers from the host; file arguments only apply when sharing\n")
		os.Exit(1)
	}

	return opts
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coedit.yaml"
	}
	return home + "/.config/coedit/config.yaml"
}
