package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	httpHandler "go.ngs.io/gridview-api/internal/http"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		logger.Info("Starting gridview API server...")
		logger.Infof("Port: %s", cfg.Port)
		logger.Infof("Upload directory: %s", cfg.UploadDir)
		logger.Infof("NetCDF backend: %s", cfg.NetCDFBackend)
		logger.Infof("Max upload size: %d bytes", cfg.MaxUploadBytes)

		//nolint:gosec // G301: Upload directory is owned by the server.
		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			return fmt.Errorf("failed to create upload directory: %w", err)
		}

		uc, st := newDatasetUseCase(cfg, logger)
		defer st.Close()

		if logger.IsLevelEnabled(logrus.DebugLevel) {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httpHandler.SetupRouter(uc, httpHandler.RouterConfig{
			UploadDir:      cfg.UploadDir,
			PublicDir:      cfg.PublicDir,
			MaxUploadBytes: cfg.MaxUploadBytes,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		})

		addr := fmt.Sprintf(":%s", cfg.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Infof("Server listening on %s", addr)
		logger.Infof("Health check: http://localhost:%s/health", cfg.Port)
		logger.Info("API endpoints:")
		logger.Info("  - POST   /api/upload")
		logger.Info("  - POST   /api/load-url")
		logger.Info("  - GET    /api/data/:fileId/:variableName")
		logger.Info("  - GET    /api/data/:fileId/:variableName/arrow")
		logger.Info("  - GET    /api/variable/:fileId/:variableName/info")
		logger.Info("  - DELETE /api/file/:fileId")
		if cfg.PublicDir != "" {
			logger.Infof("Serving front-end from %s", cfg.PublicDir)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("failed to start server: %w", err)
		case <-ctx.Done():
		}

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		logger.Info("Server stopped")
		return nil
	},
}

func init() {
	// The root command runs serve, so it takes the same flags.
	for _, f := range []*pflag.FlagSet{serveCmd.Flags(), rootCmd.Flags()} {
		f.StringVar(&flagCfg.Port, "port", flagCfg.Port, "Server port")
		f.StringVar(&flagCfg.UploadDir, "upload-dir", flagCfg.UploadDir, "Directory for uploaded files")
		f.StringVar(&flagCfg.PublicDir, "public-dir", flagCfg.PublicDir, "Directory of static front-end files")
	}
}
