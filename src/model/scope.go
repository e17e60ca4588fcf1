package model

import "fmt"

// Mode identifies which kind of account a scope is backed by.
type Mode string

const (
	ModeLive  Mode = "LIVE"
	ModeSim   Mode = "SIM"
	ModeDebug Mode = "DEBUG"
)

// Scope is the (mode, account) partition key for all mutable trading state.
// There is no scope-less global position or balance.
type Scope struct {
	Mode    Mode   `json:"mode"`
	Account string `json:"account"`
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Mode, s.Account)
}

// IsZero reports whether the scope has not been resolved yet.
func (s Scope) IsZero() bool {
	return s.Mode == "" && s.Account == ""
}
