// Package cmd contains the quellen command line entry points.
//
// Following the pattern used by kubectl, hugo and other standard Go CLI
// tools, all application logic lives here and main.go stays a minimal
// entry point.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/quellen-ai/quellen/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.0.1"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point. It routes to a subcommand; running
// with no arguments starts the HTTP server.
func Execute() error {
	// version and help work even when config or environment is invalid
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "migrate":
			initLogging()
			return runMigrate()
		case "reindex":
			initLogging()
			if err := checkRequiredEnv(); err != nil {
				return err
			}
			return runReindex()
		case "serve":
			// fall through to the default below
		default:
			printHelp()
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}

	initLogging()
	if err := checkRequiredEnv(); err != nil {
		return err
	}
	return runServe()
}

// initLogging installs the default structured logger. DEBUG in the
// environment lowers the level to debug.
func initLogging() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))
}

// checkRequiredEnv verifies the environment variables the model provider
// needs. Returns a user-friendly error with setup instructions.
func checkRequiredEnv() error {
	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Quellen requires a Gemini API key to function.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "To set your API key:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Get your API key at: https://ai.google.dev/")

		return fmt.Errorf("GEMINI_API_KEY not set")
	}
	return nil
}

func printVersionInfo() {
	fmt.Printf("Quellen v%s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("Quellen - streaming answer engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  quellen                 Start the HTTP API server (default)")
	fmt.Println("  quellen serve [addr]    Start the HTTP API server on addr")
	fmt.Println("  quellen migrate         Apply pending database migrations")
	fmt.Println("  quellen reindex         Rebuild the thread embedding index")
	fmt.Println("  quellen version         Show version information")
	fmt.Println("  quellen help            Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY          Required: Gemini API key")
	fmt.Println("  DEBUG                   Optional: enable debug logging")
	fmt.Println("  QUELLEN_RATE_BURST      Optional: per-IP rate limit burst")
	fmt.Println()
	fmt.Println("Configuration is read from ~/.quellen/config.yaml and QUELLEN_*")
	fmt.Println("environment variables.")
}
