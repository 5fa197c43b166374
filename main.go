package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/app"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("webchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: webchat peer <peer-directory>")
			os.Exit(1)
		}
		runCommand(args[1], false)

	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: webchat serve <peer-directory>")
			os.Exit(1)
		}
		runCommand(args[1], true)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runCommand(dirArg string, serveOnly bool) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "webchat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	if serveOnly {
		// Force server mode regardless of what the config file says.
		cfg.Signal.Host = true
	}

	printBanner(absDir, cfgPath, cfg, serveOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir:   absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
		ServeOnly: serveOnly,
	}); err != nil {
		fatalf("Run failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("webchat - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  webchat peer <directory>    Run a calling peer")
	fmt.Println("  webchat serve <directory>   Run the signal server only")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        The directory holds webchat.json and local data")
	fmt.Println()
	fmt.Println("  serve <directory>")
	fmt.Println("        Run only the rendezvous signal server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  webchat serve ./server")
	fmt.Println("  webchat peer ./peers/alice")
}

func printBanner(peerDir, cfgPath string, cfg config.Config, serveOnly bool) {
	fmt.Println("webchat")
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if !serveOnly {
		fmt.Printf("Identity:       %s (%s)\n", cfg.Identity.DisplayName, cfg.Identity.UserID)
		fmt.Printf("Signal Server:  %s\n", cfg.Signal.URL)
	}
	if cfg.Signal.Host {
		fmt.Printf("Hosting signal server on %s:%d\n", cfg.Signal.Bind, cfg.Signal.Port)
	}
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println()
}
