package mapper

import (
	"encoding/json"
	"strconv"
	"strings"
)

// The wire protocol has years of inconsistent field naming behind it; the
// same logical value can arrive under several names depending on peer
// version. Each table lists the accepted aliases in priority order: the
// first non-null field wins. Resolution happens here, once, so everything
// downstream sees fully-typed canonical events.
var (
	accountAliases  = []string{"TradeAccount", "Account", "AccountID"}
	symbolAliases   = []string{"Symbol", "Instrument", "Sym"}
	quantityAliases = []string{"Quantity", "Qty", "OrderQuantity"}
	priceAliases    = []string{"AveragePrice", "Price", "EntryPrice"}
	balanceAliases  = []string{"CashBalance", "AccountBalance", "Balance"}
	equityAliases   = []string{"BalanceAvailableForNewPositions", "Equity"}
	fillIDAliases   = []string{"UniqueFillID", "FillExecutionID", "ExecutionID"}
	orderIDAliases  = []string{"ServerOrderID", "OrderID", "ClientOrderID"}
	sideAliases     = []string{"BuySell", "Side", "OrderSide"}
	statusAliases   = []string{"OrderStatus", "Status"}
	fillQtyAliases  = []string{"LastFillQuantity", "FilledQuantity", "Quantity"}
	fillPxAliases   = []string{"LastFillPrice", "FillPrice", "Price"}
	stopAliases     = []string{"StopPrice", "Price2"}
	targetAliases   = []string{"TargetPrice", "Price1"}
	parentIDAliases = []string{"ParentServerOrderID", "ParentOrderID"}
	fillTimeAliases = []string{"LastFillDateTime", "FillDateTime", "TransactionDateTime", "DateTime"}
	upnlAliases     = []string{"OpenProfitLoss", "UnrealizedProfitLoss"}
)

// firstString resolves a string field through its alias chain. A value of
// the wrong type nulls the field rather than failing the message.
func firstString(fields map[string]json.RawMessage, aliases []string) (string, bool) {
	for _, name := range aliases {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
		// Some peers send numeric identifiers where strings are expected.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

// firstFloat resolves a numeric field, accepting the string-wrapped numbers
// older peers emit.
func firstFloat(fields map[string]json.RawMessage, aliases []string) (float64, bool) {
	for _, name := range aliases {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstInt64(fields map[string]json.RawMessage, aliases []string) (int64, bool) {
	f, ok := firstFloat(fields, aliases)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func floatPtr(fields map[string]json.RawMessage, aliases []string) *float64 {
	f, ok := firstFloat(fields, aliases)
	if !ok {
		return nil
	}
	return &f
}
