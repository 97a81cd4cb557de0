// agriAssist field controller
// Main entry point for the field coordinator service
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/config"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/engine"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/soilwater"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

const version = "0.3.0"

var (
	configFile string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "agriassist-controller",
		Short: "agriAssist field controller",
		Long:  "Field controller for agriAssist. Admits field devices, polls sensors, runs irrigation and tracks soil water.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agriAssist field controller v%s\n", version)
		},
	}

	calibrateCmd = &cobra.Command{
		Use:   "calibrate [set-id]",
		Short: "Fit a captured calibration set and store it on its device",
		Args:  cobra.ExactArgs(1),
		RunE:  runCalibrate,
	}

	dryRun bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agriassist/controller.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	calibrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the fit without storing it")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(calibrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agriAssist field controller", "controller", cfg.Controller.ID, "version", version)
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := eng.Stop(); err != nil {
		logger.Error("error during shutdown", logfields.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	samples, err := db.GetCalibrationSet(ctx, args[0])
	if err != nil {
		return err
	}
	fit, err := soilwater.FitSamples(samples)
	if err != nil {
		return err
	}

	deviceID, kind := samples[0].DeviceID, samples[0].Kind
	fmt.Printf("device %d, %s, %d samples\n", deviceID, kind, len(samples))
	fmt.Printf("degree %d  R²=%.4f  AIC=%.2f  BIC=%.2f\n", fit.Degree, fit.RSquared, fit.AIC, fit.BIC)
	fmt.Printf("coefficients %v\n", fit.Coefficients)
	if dryRun {
		return nil
	}

	switch kind {
	case storage.SampleSoilMoisture:
		if err := db.UpdateSoilPolynomial(ctx, deviceID, fit.Coefficients); err != nil {
			return fmt.Errorf("failed to store soil polynomial: %w", err)
		}
	case storage.SampleFlowRate:
		// Valve lookups are exact, so the map keeps the measured points.
		cal := make(storage.ValveCalibration, len(samples))
		for _, s := range samples {
			cal[s.Physical] = int(math.Round(s.Raw))
		}
		if err := db.UpdateValveCalibration(ctx, deviceID, cal); err != nil {
			return fmt.Errorf("failed to store valve calibration: %w", err)
		}
	default:
		return fmt.Errorf("unknown calibration kind %q", kind)
	}
	fmt.Println("calibration stored")
	return nil
}
