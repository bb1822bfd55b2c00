// Package cli holds the netblock command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/kochman/netblock"
	"github.com/kochman/netblock/backends"
	"github.com/kochman/netblock/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ctxKey string

const settingsKey ctxKey = "settings"

func NewRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "netblock",
		Short: "netblock talks to block devices, local or remote",
		Long: `netblock reads and writes sectors on local disks and images, disk images in
Google Cloud Storage, and disks exposed by a remote agent over its TCP/UDP
protocol. Any of them can be exported to the kernel over NBD.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := internal.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				v.Set(internal.KeyLogLevel, logLevel)
			}
			if err := internal.ConfigureLogger(v.GetString(internal.KeyLogLevel)); err != nil {
				internal.Warn("invalid log level in config, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cmd.SetContext(context.WithValue(cmd.Context(), settingsKey, v))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(StatCommand())
	rootCmd.AddCommand(ReadCommand())
	rootCmd.AddCommand(WriteCommand())
	rootCmd.AddCommand(FlushCommand())
	rootCmd.AddCommand(PoweroffCommand())
	rootCmd.AddCommand(CreateCommand())
	rootCmd.AddCommand(ServeCommand())

	return rootCmd
}

func getSettings(cmd *cobra.Command) *viper.Viper {
	if v := cmd.Context().Value(settingsKey); v != nil {
		if s, ok := v.(*viper.Viper); ok {
			return s
		}
	}
	return viper.New()
}

func openDevice(cmd *cobra.Command, path string) (netblock.Device, error) {
	dev, err := backends.Open(getSettings(cmd), path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	return dev, nil
}
