package protocol

// LogonRequest opens a session. TradeUpdates must be set for peers that do
// not stream order fills unless explicitly asked to.
type LogonRequest struct {
	Type              int    `json:"Type"`
	ProtocolVersion   int    `json:"ProtocolVersion"`
	HeartbeatInterval int    `json:"HeartbeatIntervalInSeconds"`
	Username          string `json:"Username,omitempty"`
	Password          string `json:"Password,omitempty"`
	SessionToken      string `json:"SessionToken,omitempty"`
	ClientName        string `json:"ClientName,omitempty"`
	TradeAccount      string `json:"TradeAccount,omitempty"`
	TradeUpdates      int    `json:"TradeMode,omitempty"`
}

type LogonResponse struct {
	Type            int    `json:"Type"`
	ProtocolVersion int    `json:"ProtocolVersion"`
	Result          int    `json:"Result"`
	ResultText      string `json:"ResultText,omitempty"`
	ServerName      string `json:"ServerName,omitempty"`
	TradeAccount    string `json:"TradeAccount,omitempty"`
}

type Heartbeat struct {
	Type            int   `json:"Type"`
	CurrentDateTime int64 `json:"CurrentDateTime,omitempty"`
}

type Logoff struct {
	Type   int    `json:"Type"`
	Reason string `json:"Reason,omitempty"`
}

// PositionsRequest asks the peer for all currently open positions.
type PositionsRequest struct {
	Type         int    `json:"Type"`
	RequestID    int    `json:"RequestID"`
	TradeAccount string `json:"TradeAccount,omitempty"`
}

// OpenOrdersRequest asks the peer for all working orders.
type OpenOrdersRequest struct {
	Type         int    `json:"Type"`
	RequestID    int    `json:"RequestID"`
	TradeAccount string `json:"TradeAccount,omitempty"`
}

// HistoricalFillsRequest asks for fills at or after StartDateTime (UTC epoch
// seconds). Used by the recovery sequence to replay missed closures.
type HistoricalFillsRequest struct {
	Type          int    `json:"Type"`
	RequestID     int    `json:"RequestID"`
	TradeAccount  string `json:"TradeAccount,omitempty"`
	StartDateTime int64  `json:"StartDateTime,omitempty"`
}

type BalanceRequest struct {
	Type         int    `json:"Type"`
	RequestID    int    `json:"RequestID"`
	TradeAccount string `json:"TradeAccount,omitempty"`
}
