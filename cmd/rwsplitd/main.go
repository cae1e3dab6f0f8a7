package main

import (
	"fmt"
	"os"

	"github.com/rwsplit/rwsplit/internal/cmdutil"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/logger"
	"github.com/rwsplit/rwsplit/internal/server"
	"github.com/spf13/cobra"
)

// version is set by a -ldflags build override; left as a placeholder when
// building without one.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "rwsplitd: a MySQL/MariaDB read/write split router",
		Version: version,
	}
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)

	var configFile, listenAddr string
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen-addr", "", "override the configured client listen address")

	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg := config.NewConfig()
		if configFile != "" {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return errors.Wrapf(err, "read config file %s", configFile)
			}
			loaded, err := config.Load(data)
			if err != nil {
				return errors.Wrapf(err, "parse config file %s", configFile)
			}
			cfg = loaded
		}
		if listenAddr != "" {
			cfg.Listen.Addr = listenAddr
		}

		lg, err := logger.Build(cfg.Log)
		if err != nil {
			return errors.Wrapf(err, "build logger")
		}
		defer lg.Sync()

		srv, err := server.NewServer(cfg, lg)
		if err != nil {
			return errors.Wrapf(err, "start server")
		}

		cmd.Println(fmt.Sprintf("rwsplitd %s listening on %s", version, cfg.Listen.Addr))
		serveErr := srv.Serve(cmd.Context())
		if closeErr := srv.Close(); closeErr != nil && serveErr == nil {
			serveErr = closeErr
		}
		return serveErr
	}

	cmdutil.RunRootCommand(rootCmd)
}
