package controller

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// CommissionPerContract is charged per contract on closure and folded
	// into the trade's realized P&L.
	CommissionPerContract float64 `envconfig:"COMMISSION_PER_CONTRACT" default:"0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
