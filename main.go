// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/sirupsen/logrus"
)

const configFile = "peercall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "peer":
		run(args[1], "peer", app.RunPeer)

	case "relay":
		run(args[1], "relay", app.RunServer)

	case "token":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: peercall token <directory> <participant>")
			os.Exit(1)
		}
		_, cfgPath, cfg := loadDir(args[1])
		tok, err := app.IssueToken(cfg, args[2])
		if err != nil {
			logrus.Fatalf("Failed to issue token (%s): %v", cfgPath, err)
		}
		fmt.Println(tok)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and loads (or creates) its config file.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		logrus.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		logrus.Fatalf("Cannot create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if created {
		logrus.Infof("Wrote default config to %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func run(dirArg, name string, fn func(context.Context, app.Options) error) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		logrus.Fatalf("%s failed: %v", name, err)
	}
}

func showUsage() {
	fmt.Println("peercall - two-party WebRTC calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peercall peer <directory>                 Run a calling peer with its control API")
	fmt.Println("  peercall relay <directory>                Run the relay server")
	fmt.Println("  peercall token <directory> <participant>  Print a relay token for participant")
	fmt.Println()
	fmt.Printf("Each directory holds a %s; a default one is written when missing.\n", configFile)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  peercall relay ./relay")
	fmt.Println("  peercall token ./relay alice")
	fmt.Println("  PEERCALL_NAME=alice PEERCALL_RELAY_TOKEN=... peercall peer ./alice")
	fmt.Println()
	if env := config.EnvUsage(); env != "" {
		fmt.Println(env)
	}
}
