package cmd

import (
	"github.com/spf13/cobra"
)

// configPath is shared by all subcommands via the persistent flag.
var configPath string

func Root() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "preroll-recorder",
		Short: "continuous pre-roll recorder for RTSP cameras",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.env", "path to the flat key/value config file")
	rootCmd.AddCommand(run())
	rootCmd.AddCommand(check())
	return rootCmd
}
