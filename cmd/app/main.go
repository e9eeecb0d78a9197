package main

import (
	"flag"
	"fmt"
	"os"

	"PulseScout/internal/di"
	"PulseScout/pkg/config"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pulsescout", flag.ContinueOnError)
	configPath := fs.String("config", envOr("PULSE_CONFIG", "config/config.yaml"), "config file path; a missing file means defaults")
	check := fs.Bool("check", false, "validate configuration and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("pulsescout", version)
		return 0
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsescout: config: %v\n", err)
		return 1
	}
	if *check {
		fmt.Printf("config ok: port=%d kafka=%t redis=%t generator=%t secret=%t\n",
			cfg.Server.Port, cfg.KafkaEnabled(), cfg.Redis.Enabled, cfg.GeneratorEnabled(), cfg.Pulse.Secret != "")
		return 0
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsescout: init: %v\n", err)
		return 1
	}
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulsescout: %v\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
