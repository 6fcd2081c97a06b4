package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/darasa-ai/darasa/internal/engine"
	"github.com/darasa-ai/darasa/internal/modelconfig"
	"github.com/darasa-ai/darasa/pkg/config"
)

const version = "1.0.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "darasa",
		Short:   "Darasa adaptive tutoring engine",
		Long:    "darasa runs the adaptive tutoring engine: LLM-backed tutoring turns, per-student skill tracking, content recommendation, A/B experiments, and continuous fine-tuning.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the YAML configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTrainCommand())
	rootCmd.AddCommand(newModelsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("DARASA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Printf("config file %s not found, using defaults", configPath)
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tutoring engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			if err := eng.Start(); err != nil {
				return err
			}
			log.Println("darasa engine started")

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsSrv = &http.Server{
					Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
					Handler: mux,
				}
				go func() {
					log.Printf("metrics listening on %s", metricsSrv.Addr)
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("metrics server error: %v", err)
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Printf("received %s, shutting down", sig)

			if metricsSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(ctx)
				cancel()
			}
			return eng.Close()
		},
	}
}

func newTrainCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Trigger a training run outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()
			jobID, err := eng.TriggerTraining(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("training job %s started\n", jobID)

			if !wait {
				return nil
			}
			for {
				time.Sleep(2 * time.Second)
				status, err := eng.TrainingStatus(ctx)
				if err != nil {
					return err
				}
				if status.ActiveJobID == "" {
					out, _ := json.MarshalIndent(status.LastJob, "", "  ")
					fmt.Println(string(out))
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Wait for the job to reach a terminal state")
	return cmd
}

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and what providers serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			mcfg := eng.Models().Current()
			out := struct {
				Configured map[string]modelconfig.ModelEntry `json:"configured"`
				Default    string                            `json:"default,omitempty"`
				Providers  map[string][]string               `json:"providers"`
			}{
				Configured: mcfg.Models,
				Providers:  map[string][]string{},
			}
			if sel, ok := eng.Models().SelectDefault(); ok {
				out.Default = sel.ModelID
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			for _, p := range eng.Providers().List() {
				discovered, err := eng.Providers().GetModels(ctx, p.Config.ID)
				if err != nil {
					out.Providers[p.Config.ID] = []string{fmt.Sprintf("unreachable: %v", err)}
					continue
				}
				ids := make([]string, 0, len(discovered))
				for _, m := range discovered {
					ids = append(ids, m.ID)
				}
				out.Providers[p.Config.ID] = ids
			}

			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
