// Copyright 2025-2026 Aiku AI

// Command bridgekit-echo runs the bridge framework with the in-memory
// loopback connector. It is both the reference wiring for connector
// authors and a self-contained way to exercise a deployment end to end:
// every message sent to a linked room is answered by the echo user.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/bridgekit/pkg/bridge"
	"github.com/aiku/bridgekit/pkg/loopback"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

var (
	configPath            = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	registrationPath      = flag.MakeFull("r", "registration", "Where to save the generated registration. Defaults to the path in the config.", "").String()
	generateRegistration  = flag.MakeFull("g", "generate-registration", "Generate the appservice registration and quit.", "false").Bool()
	generateExampleConfig = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and quit.", "false").Bool()
	printVersion          = flag.MakeFull("v", "version", "Print the version and quit.", "false").Bool()
	wantHelp, _           = flag.MakeHelpFlag()
)

func buildVersion() string {
	if Tag == "v"+version {
		return fmt.Sprintf("%s (%s)", version, BuildTime)
	}
	commit := Commit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return fmt.Sprintf("%s+dev.%s", version, commit)
}

func main() {
	flag.SetHelpTitles(
		"bridgekit-echo - An appservice bridge to an in-memory echo service.",
		"bridgekit-echo [-h] [-c <path>] [-r <path>] [-g] [-e] [-v]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}
	if *printVersion {
		fmt.Println("bridgekit-echo", buildVersion())
		return
	}

	connector := loopback.New()
	if *generateExampleConfig {
		writeExampleConfig(connector)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *generateRegistration {
		writeRegistration(cfg)
		return
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid logging config:", err)
		os.Exit(2)
	}
	exzerolog.SetupDefaults(log)

	br, err := bridge.New(cfg, *log, connector)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err = br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

// writeExampleConfig splices the connector's example section into the
// framework example and writes the result to the config path.
func writeExampleConfig(connector *loopback.Connector) {
	if _, err := os.Stat(*configPath); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, refusing to overwrite\n", *configPath)
		os.Exit(1)
	}
	networkExample, _, _ := connector.GetConfig()
	full := strings.Replace(
		bridge.ExampleConfig,
		"network: {}",
		"network:\n"+indent(networkExample, 4),
		1,
	)
	if err := os.WriteFile(*configPath, []byte(full), 0o600); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
		os.Exit(1)
	}
	fmt.Println("Example config written to", *configPath)
	fmt.Println("Edit it, then generate the registration with -g.")
}

// writeRegistration generates fresh appservice credentials. The output
// file contains both tokens and must be installed on the homeserver.
func writeRegistration(cfg *bridge.Config) {
	path := *registrationPath
	if path == "" {
		path = cfg.AppService.Registration
	}
	reg := bridge.GenerateRegistration(cfg)
	if err := reg.Save(path); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to save registration:", err)
		os.Exit(1)
	}
	fmt.Println("Registration written to", path)
	fmt.Println("Install it on the homeserver, then start the bridge without -g.")
}

func indent(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n") + "\n"
}
