package executors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// StateDir holds the atomic per-scope state blobs and the last-known
	// scope used for the provisional boot.
	StateDir string `envconfig:"STATE_DIR" default:"./state"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
