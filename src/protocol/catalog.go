package protocol

// Wire type codes. The catalog is fixed; codes outside it are not fatal and
// normalize to an Unknown event.
const (
	TypeLogonRequest  = 1
	TypeLogonResponse = 2
	TypeHeartbeat     = 3
	TypeLogoff        = 5

	TypeOpenOrdersRequest      = 300
	TypeOrderUpdate            = 301
	TypeHistoricalFillsRequest = 303
	TypeHistoricalFillResponse = 304
	TypePositionsRequest       = 305
	TypePositionUpdate         = 306

	TypeAccountsRequest  = 400
	TypeAccountResponse  = 401
	TypeBalanceRequest   = 601
	TypeBalanceUpdate    = 600
	TypeBalanceReject    = 602
	TypeGeneralLogOnWire = 701
)

// LogonResult values carried in a LogonResponse.
const (
	LogonSuccess = 1
	LogonError   = 2
)

// CurrentProtocolVersion is the version this client negotiates during logon.
// A peer answering with a different major version fails the handshake.
const CurrentProtocolVersion = 8
