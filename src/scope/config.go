package scope

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// LiveAccount is the single account identifier that resolves to LIVE.
	// Nothing else ever does.
	LiveAccount string `envconfig:"LIVE_ACCOUNT"`

	// DebounceCount consecutive agreeing signals inside DebounceWindow are
	// required before a mode switch commits.
	DebounceCount  int           `envconfig:"SCOPE_DEBOUNCE_COUNT" default:"2"`
	DebounceWindow time.Duration `envconfig:"SCOPE_DEBOUNCE_WINDOW" default:"750ms"`

	// ProvisionalTTL bounds how old a persisted last-known scope may be and
	// still seed the boot scope.
	ProvisionalTTL time.Duration `envconfig:"SCOPE_PROVISIONAL_TTL" default:"24h"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
