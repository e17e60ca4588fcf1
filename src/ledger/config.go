package ledger

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// SimStartingBalance seeds every SIM scope's ledger projection.
	SimStartingBalance float64 `envconfig:"SIM_STARTING_BALANCE" default:"10000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
