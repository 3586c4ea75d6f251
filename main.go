package main

import (
	"github.com/rs/zerolog/log"

	"preroll-recorder/cmd"
)

func main() {
	if err := cmd.Root().Execute(); err != nil {
		log.Fatal().Err(err).Send()
	}
}
