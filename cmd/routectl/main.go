// routectl validates router configurations and dry-runs routing decisions
// without starting the service.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/af-corp/prism-router/internal/config"
	"github.com/af-corp/prism-router/internal/routing"
)

func main() {
	configPath := flag.String("config", "configs/router.yaml", "path to the router configuration file")
	initConfig := flag.Bool("init", false, "write a default configuration if none exists")
	validate := flag.Bool("validate", false, "validate the configuration and exit")
	prompt := flag.String("prompt", "", "simulate a route for this prompt")
	lang := flag.String("lang", "", "file language for the simulated context")
	filePath := flag.String("file", "", "file path for the simulated context")
	mode := flag.String("mode", "", "mode for the simulated context")
	privacy := flag.Bool("privacy-strict", false, "simulate with privacy-strict set")
	topN := flag.Int("top", 3, "number of alternative candidates to show")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *initConfig {
		written, err := config.WriteDefault(*configPath)
		if err != nil {
			logger.Error("failed to write default configuration", "error", err)
			os.Exit(1)
		}
		if written {
			fmt.Printf("wrote default configuration to %s\n", *configPath)
		} else {
			fmt.Printf("configuration already exists at %s\n", *configPath)
		}
		if !*validate && *prompt == "" {
			return
		}
	}

	cache := config.NewCache()
	cfg, err := cache.Load(*configPath)
	if err != nil {
		if verrs, ok := err.(config.ValidationErrors); ok {
			fmt.Fprintf(os.Stderr, "configuration invalid (%d errors):\n", len(verrs))
			for _, e := range verrs {
				fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
			}
		} else {
			fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
		}
		os.Exit(1)
	}

	if *validate {
		fmt.Printf("%s is valid (active profile %q, %d profiles)\n", *configPath, cfg.ActiveProfile, len(cfg.Profiles))
	}

	if *prompt == "" {
		return
	}

	rctx := &routing.Context{
		Prompt:        *prompt,
		Lang:          *lang,
		FilePath:      *filePath,
		Mode:          *mode,
		PrivacyStrict: *privacy,
	}
	sim, err := routing.New(cfg.Active(), nil).Simulate(rctx, *topN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(sim)
}
