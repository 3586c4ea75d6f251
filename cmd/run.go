package cmd

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/server"
)

func run() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start capturing and serving clip triggers",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("configuration rejected")
				os.Exit(constant.ExitConfigInvalid)
			}
			os.Exit(server.Run(cfg))
		},
	}
}
