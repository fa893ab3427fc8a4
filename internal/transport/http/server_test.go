package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"condor/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func testDeps() (Deps, *struct {
	stops   int
	reloads int
	cancels []string
}) {
	calls := &struct {
		stops   int
		reloads int
		cancels []string
	}{}
	deps := Deps{
		SessionState: func() types.SessionState { return types.SessionConnected },
		Portfolio: func() types.PortfolioSnapshot {
			return types.PortfolioSnapshot{
				Positions: []types.Position{{
					Instrument: types.Option("SPX", "20260918", 6350, types.RightPut),
					Quantity:   -2,
					AvgCost:    decimal.NewFromFloat(1.80),
				}},
				Account: types.AccountSummary{
					RealizedPnL:   decimal.NewFromInt(150),
					UnrealizedPnL: decimal.NewFromInt(-50),
				},
				TakenAt: time.Now(),
			}
		},
		Orders: func() []types.StrategyOrder {
			return []types.StrategyOrder{{ID: "o1", State: types.StateSubmitted}}
		},
		Quotes:        func() []types.Quote { return nil },
		EmergencyStop: func(context.Context) { calls.stops++ },
		ReloadConfig:  func() error { calls.reloads++; return nil },
		CancelOrder: func(id string) (types.OrderState, error) {
			calls.cancels = append(calls.cancels, id)
			return types.StateSubmitted, nil
		},
	}
	return deps, calls
}

func doRequest(deps Deps, method, path string) *httptest.ResponseRecorder {
	s := NewServer(":0", deps)
	router := s.router()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	deps, _ := testDeps()
	w := doRequest(deps, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, string(types.SessionConnected), gjson.Get(body, "session").String())
	assert.Equal(t, int64(2), gjson.Get(body, "open_contracts").Int())
	assert.Equal(t, "100", gjson.Get(body, "daily_pnl").String())
}

func TestOrdersEndpoint(t *testing.T) {
	deps, _ := testDeps()
	w := doRequest(deps, http.MethodGet, "/api/orders")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "o1", gjson.Get(w.Body.String(), "orders.0.ID").String())
}

func TestCancelEndpoint(t *testing.T) {
	deps, calls := testDeps()
	w := doRequest(deps, http.MethodPost, "/api/orders/o1/cancel")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"o1"}, calls.cancels)
}

func TestEmergencyStopEndpoint(t *testing.T) {
	deps, calls := testDeps()
	w := doRequest(deps, http.MethodPost, "/api/emergency-stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls.stops)
}

func TestReloadEndpoint(t *testing.T) {
	deps, calls := testDeps()
	w := doRequest(deps, http.MethodPost, "/api/config/reload")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls.reloads)
}
