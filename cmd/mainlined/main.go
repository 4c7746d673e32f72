// Command mainlined is the Mainline push server daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mainline/api"
	"mainline/config"
	"mainline/hook"
	"mainline/repo"
)

func main() {
	root := &cobra.Command{
		Use:           "mainlined",
		Short:         "Mainline push server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), createRepoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		listen     string
		dataDir    string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default :7460)")
	cmd.Flags().StringVar(&dataDir, "data", "", "data directory (default ./data)")
	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML config file")
	return cmd
}

func serve(cfg *config.Config) error {
	log.Printf("mainlined starting...")
	log.Printf("  listen:       %s", cfg.Listen)
	log.Printf("  data:         %s", cfg.DataDir)
	log.Printf("  max_open:     %d", cfg.MaxOpenRepos)
	log.Printf("  idle_ttl:     %s", cfg.IdleTTL)
	log.Printf("  max_bundle:   %d MB", cfg.MaxBundleSize/(1024*1024))
	log.Printf("  markers:      %v", cfg.Markers)
	log.Printf("  version:      %s", cfg.Version)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	registry := repo.NewRegistry(repo.RegistryConfig{
		DataDir: cfg.DataDir,
		MaxOpen: cfg.MaxOpenRepos,
		IdleTTL: cfg.IdleTTL,
	})
	defer registry.Close()

	hooks := hook.NewRegistry()
	if len(cfg.ProtectedPaths) > 0 {
		sub, err := hook.ProtectedPaths(cfg.ProtectedPaths)
		if err != nil {
			return fmt.Errorf("configuring protected paths: %w", err)
		}
		hooks.Register(sub)
		log.Printf("  protected:    %v", cfg.ProtectedPaths)
	}

	mux := api.NewRouter(registry, cfg, hooks)
	handler := api.WithDefaults(mux)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		close(done)
	}()

	log.Printf("mainlined listening on %s", cfg.Listen)
	log.Printf("push endpoint: POST /{tenant}/{repo}/v1/push")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Println("mainlined stopped")
	return nil
}

func createRepoCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "create-repo <tenant> <repo>",
		Short: "Create a repository on disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			registry := repo.NewRegistry(repo.RegistryConfig{DataDir: cfg.DataDir})
			defer registry.Close()

			if _, err := registry.Create(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("created %s/%s under %s\n", args[0], args[1], cfg.DataDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", "", "data directory (default ./data)")
	return cmd
}
