package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cycle-ng/internal/config"
	"cycle-ng/internal/web"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "cycle-ng",
		Short: "Bike computer: BLE cycling sensors, GPS and ride metrics",
		Long: `cycle-ng collects speed, cadence, power and heart rate from Bluetooth LE
sensors plus position from a serial NMEA receiver, and publishes live ride
metrics to a display and a small HTTP API.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logs := web.NewLogBuffer(cfg.Log.Buffer)
			log := newLogger(os.Stderr, logs, cfg.Log)
			log.Info("cycle-ng starting", "config", configPath, "sim", cfg.Sim.Enable, "sensors", len(cfg.Sensors))
			defer log.Info("cycle-ng stopped")

			return run(ctx, cfg, log, logs)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./cycle.yaml", "Path to YAML config")
	root.AddCommand(nmeaCmd())
	return root
}

func nmeaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nmea <capture>",
		Short: "Summarise a captured NMEA log (sentence counts, fixes, track length)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printNMEASummary(cmd.OutOrStdout(), args[0])
		},
	}
}
