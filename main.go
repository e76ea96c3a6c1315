// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/alania-chat/alania/internal/app"
	"github.com/alania-chat/alania/internal/config"
	"github.com/alania-chat/alania/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "", "Path to alania.json (default: <dir>/alania.json)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Alania v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	if lvl := os.Getenv("ALANIA_LOG_LEVEL"); lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			log.Fatalf("Invalid log level %q: %v", lvl, err)
		}
	} else {
		_ = logging.SetLogLevel("*", "info")
	}

	args := flag.Args()
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	runClient(dir)
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "alania.json")
	if *cfgFlag != "" {
		cfgPath = util.ResolvePath(absDir, *cfgFlag)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Fatalf("Wrote default config to %s; fill in the identity section and re-run", cfgPath)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	client := app.New(cfg, app.Options{CfgPath: cfgPath})
	if err := client.Run(ctx); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Alania - peer to peer messaging and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  alania [directory]         Run the client from the given directory")
	fmt.Println()
	fmt.Println("The directory must contain an alania.json configuration file.")
	fmt.Println("A default file is written on first run; fill in the identity")
	fmt.Println("section before starting again.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h               Show this help message")
	fmt.Println("  -version         Show version information")
	fmt.Println("  -config <path>   Explicit config file location")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ALANIA_LOG_LEVEL   Log level (debug, info, warn, error)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run from the current directory")
	fmt.Println("  alania")
	fmt.Println()
	fmt.Println("  # Run with a dedicated profile directory")
	fmt.Println("  alania ./profiles/work")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Alania Client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:  %s\n", cfgPath)
	fmt.Printf("Identity:     %s\n", cfg.Identity.Email)
	fmt.Printf("Relay:        %s\n", cfg.Relay.URL)
	if len(cfg.Chat.Contacts) > 0 {
		fmt.Printf("Contacts:     %d\n", len(cfg.Chat.Contacts))
	}
	if cfg.Media.DisableVideo {
		fmt.Println("Video:        disabled")
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
