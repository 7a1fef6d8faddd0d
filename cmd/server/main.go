// Package main provides the gridded dataset viewer API server.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go.ngs.io/gridview-api/internal/adapter/cache"
	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/adapter/store/nativecdf"
	"go.ngs.io/gridview-api/internal/adapter/store/netcdf"
	"go.ngs.io/gridview-api/internal/config"
	"go.ngs.io/gridview-api/internal/logging"
	"go.ngs.io/gridview-api/internal/usecase"
)

const version = "0.1.0"

var (
	configFile string
	envFile    string
	flagCfg    = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "gridview-api",
	Short: "Gridded NetCDF/Zarr viewer API",
	Long: "gridview-api loads gridded NetCDF and Zarr datasets, finds their " +
		"latitude/longitude axes and serves down-sampled point clouds with summary statistics.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gridview-api version %s\n", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a TOML config file")
	pf.StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	pf.StringVar(&flagCfg.NetCDFBackend, "netcdf-backend", flagCfg.NetCDFBackend, "NetCDF reader: libnetcdf or native")
	pf.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "Log level")
	pf.StringVar(&flagCfg.LogFormat, "log-format", flagCfg.LogFormat, "Log format: text or json")

	rootCmd.AddCommand(serveCmd, inspectCmd, sampleCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults, the config file, .env, the environment and
// any flags set on cmd, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Sources{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagCfg.Port
	}
	if flags.Changed("upload-dir") {
		cfg.UploadDir = flagCfg.UploadDir
	}
	if flags.Changed("public-dir") {
		cfg.PublicDir = flagCfg.PublicDir
	}
	if flags.Changed("netcdf-backend") {
		cfg.NetCDFBackend = flagCfg.NetCDFBackend
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// netCDFOpener returns the opener for the configured backend.
func netCDFOpener(backend string) store.Opener {
	if backend == config.BackendNative {
		return nativecdf.Opener()
	}
	return netcdf.Opener()
}

// newDatasetUseCase wires the store and use case from cfg.
func newDatasetUseCase(cfg *config.Config, logger logrus.FieldLogger) (*usecase.DatasetUseCase, *cache.Store) {
	st := cache.New(cfg.CacheMaxEntries, logger)
	uc := usecase.NewDatasetUseCase(st, usecase.Options{
		NetCDF:           netCDFOpener(cfg.NetCDFBackend),
		MaxExtractBytes:  4 * cfg.MaxUploadBytes,
		DefaultMaxPoints: cfg.DefaultMaxPoints,
		MaxPointsLimit:   cfg.MaxPointsLimit,
		RemoteTimeout:    cfg.RemoteTimeout,
		RemoteMaxRetries: cfg.RemoteMaxRetries,
		Logger:           logger,
	})
	return uc, st
}

func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
