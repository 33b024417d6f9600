// Package commands implements the geds command line tool. Every command
// starts a client, runs one operation and stops the client again.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/objectfs/geds/internal/config"
	"github.com/objectfs/geds/pkg/geds"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

var (
	cfgFile         string
	metadataAddress string
	metadataBackend string
	logLevel        string
	forceRelocation bool

	// client is started before every command runs
	client *geds.Client
)

var rootCmd = &cobra.Command{
	Use:           "geds",
	Short:         "GEDS: a caching client for S3-compatible object stores",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		switch cmd.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd:
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Name() == "watch" {
			cfg.PubSubEnabled = true
		}
		out := cmd.OutOrStdout()
		c, err := geds.New(cfg, geds.WithEventHandler(func(ev types.Event) {
			fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", ev.Kind, utils.Identifier(ev.Bucket, ev.Key), ev.Size, ev.Node)
		}))
		if err != nil {
			return err
		}
		if err := c.Start(cmd.Context()); err != nil {
			return fmt.Errorf("start client: %w", err)
		}
		client = c
		return nil
	},
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if client != nil {
		// failed and interrupted commands still flush and clean up
		err = errors.Join(err, client.Stop(context.WithoutCancel(ctx)))
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML configuration file (GEDS_* variables override it)")
	flags.StringVar(&metadataAddress, "metadata", "", "metadata service address, host:port")
	flags.StringVar(&metadataBackend, "backend", "", "metadata backend: redis or memory")
	flags.StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.BoolVar(&forceRelocation, "relocate-on-exit", true, "flush cached objects to their object store before exiting")
}

// loadConfig reads the configuration file and the environment, then applies
// the command line flags.
func loadConfig() (*config.Configuration, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if metadataAddress != "" {
		cfg.MetadataServiceAddress = metadataAddress
	}
	if metadataBackend != "" {
		cfg.MetadataBackend = metadataBackend
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.ForceRelocationWhenStopping = forceRelocation
	// one-shot commands never serve metrics
	cfg.PortHTTPServer = 0
	return cfg, cfg.Validate()
}
