package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelink/src/connectors"
	"tradelink/src/ledger"
	"tradelink/src/model"
)

type fakeConnector struct{ state connectors.State }

func (f fakeConnector) State() connectors.State { return f.state }

type fakeScopes struct {
	current     model.Scope
	provisional bool
}

func (f fakeScopes) Current() (model.Scope, bool) { return f.current, f.provisional }

type fakeRecovery struct{ recovered bool }

func (f fakeRecovery) Recovered(model.Scope) bool { return f.recovered }

type fakePositions struct{ position *model.OpenPosition }

func (f fakePositions) GetOpenPosition(context.Context, model.Scope) (*model.OpenPosition, error) {
	return f.position, nil
}

type stubLedger struct{ trades []model.Trade }

func (s stubLedger) GetTradesSince(context.Context, model.Scope, time.Time) ([]model.Trade, error) {
	return s.trades, nil
}

func newTestServer(deps Deps) *Server {
	return New(&Config{Port: "0"}, deps)
}

func get(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthcheck(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestConnectionStatus(t *testing.T) {
	s := newTestServer(Deps{
		Connector: fakeConnector{state: connectors.StateActive},
		Scopes:    fakeScopes{current: model.Scope{Mode: model.ModeSim, Account: "Sim1"}},
		Recovery:  fakeRecovery{recovered: true},
	})

	code, body := get(t, s, "/status/connection")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACTIVE", body["state"])
	assert.Equal(t, "SIM:Sim1", body["scope"])
	assert.Equal(t, true, body["authoritative"])
	assert.Equal(t, false, body["provisional"])
}

func TestConnectionStatusNotAuthoritativeBeforeRecovery(t *testing.T) {
	s := newTestServer(Deps{
		Connector: fakeConnector{state: connectors.StateHandshaking},
		Scopes:    fakeScopes{current: model.Scope{Mode: model.ModeSim, Account: "Sim1"}, provisional: true},
		Recovery:  fakeRecovery{recovered: false},
	})

	code, body := get(t, s, "/status/connection")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["authoritative"])
	assert.Equal(t, true, body["provisional"])
}

func TestBalanceEndpoint(t *testing.T) {
	calc := ledger.NewCalculator(stubLedger{trades: []model.Trade{
		{Mode: model.ModeSim, Account: "Sim1", RealizedPnl: 50},
	}}, ledger.Config{SimStartingBalance: 10000})

	s := newTestServer(Deps{Balances: calc})

	code, body := get(t, s, "/status/balance?mode=SIM&account=Sim1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 10050.0, body["balance"])
}

func TestBalanceEndpointLiveBeforePush(t *testing.T) {
	calc := ledger.NewCalculator(stubLedger{}, ledger.Config{SimStartingBalance: 10000})
	s := newTestServer(Deps{Balances: calc})

	code, _ := get(t, s, "/status/balance?mode=LIVE&account=LIVE-1")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestBalanceEndpointRequiresFullScope(t *testing.T) {
	s := newTestServer(Deps{Scopes: fakeScopes{}})

	code, _ := get(t, s, "/status/balance?mode=SIM")
	assert.Equal(t, http.StatusBadRequest, code)

	// With neither parameter and no resolved scope, there is nothing to show.
	code, _ = get(t, s, "/status/balance")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPositionEndpoint(t *testing.T) {
	s := newTestServer(Deps{Positions: fakePositions{position: &model.OpenPosition{
		Mode: model.ModeSim, Account: "Sim1", Symbol: "ESU6", Quantity: 2, EntryPrice: 100,
	}}})

	code, body := get(t, s, "/status/position?mode=SIM&account=Sim1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["open"])

	position, ok := body["position"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ESU6", position["symbol"])
}

func TestPositionEndpointFlat(t *testing.T) {
	s := newTestServer(Deps{Positions: fakePositions{}})

	code, body := get(t, s, "/status/position?mode=SIM&account=Sim1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["open"])
}
