package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"coreproxy/internal/coresim"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coresim",
	Short: "A simulated Core backend for exercising the proxy",
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the provisioning handshake against the proxy",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, ca := mustSetup()
		if err := coresim.Provision(cfg, ca); err != nil {
			log.Fatalf("Provisioning failed: %v", err)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the proxy and answer relayed requests",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, ca := mustSetup()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			log.Println("Shutting down...")
			cancel()
		}()

		core := coresim.NewCore(cfg, ca)
		if err := core.RunWithReconnect(ctx, nil); err != nil && ctx.Err() == nil {
			log.Fatalf("Core simulator stopped: %v", err)
		}
	},
}

func mustSetup() (*coresim.Config, *coresim.CA) {
	cfg, err := coresim.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	ca, err := coresim.LoadOrCreateCA(cfg.DataDir)
	if err != nil {
		log.Fatalf("Error loading CA: %v", err)
	}
	return cfg, ca
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
