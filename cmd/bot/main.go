package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"xivtimers/internal/app"
)

const configEnv = "XIVTIMERS_CONFIG"

// defaultConfigPath resolves the config-path default: the XIVTIMERS_CONFIG
// environment variable when set (possibly supplied via .env), otherwise the
// conventional file next to the binary. The -config flag overrides both.
func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return "./config.yaml"
}

func main() {
	// Optional .env for local development; absence is not an error. Loaded
	// before flag registration so it can feed the config-path default.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
