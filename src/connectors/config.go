package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// BrokerURL accepts tcp://host:port for the raw feed or ws(s)://... for
	// gateways fronting it with a websocket bridge.
	BrokerURL    string `envconfig:"BROKER_URL" default:"tcp://127.0.0.1:11099"`
	Username     string `envconfig:"BROKER_USERNAME" default:""`
	Password     string `envconfig:"BROKER_PASSWORD" default:""`
	TradeAccount string `envconfig:"BROKER_TRADE_ACCOUNT" default:""`
	ClientName   string `envconfig:"BROKER_CLIENT_NAME" default:"tradelink"`

	// TokenURL, when set, is hit over HTTPS before logon to exchange the
	// credentials for a short-lived session token.
	TokenURL string `envconfig:"BROKER_TOKEN_URL" default:""`

	HeartbeatSeconds int           `envconfig:"BROKER_HEARTBEAT_SECONDS" default:"10"`
	HandshakeTimeout time.Duration `envconfig:"BROKER_HANDSHAKE_TIMEOUT" default:"10s"`
	RequestTimeout   time.Duration `envconfig:"BROKER_REQUEST_TIMEOUT" default:"15s"`

	ReconnectBaseDelay time.Duration `envconfig:"BROKER_RECONNECT_BASE_DELAY" default:"500ms"`
	ReconnectMaxDelay  time.Duration `envconfig:"BROKER_RECONNECT_MAX_DELAY" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
