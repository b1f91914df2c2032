package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/":                       "/",
		"/health":                 "/health",
		"/raffle":                 "/raffle",
		"/raffle/players/3":       "/raffle/players/:index",
		"/raffle/payout/retry":    "/raffle/payout/retry",
		"/oracle/requests/0xabcd": "/oracle/requests/:id",
		"/a/b/c/d/e":              "/a/b/c",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func TestRecordOperation(t *testing.T) {
	RecordOperation("enter", "")
	RecordOperation("enter", "insufficient_fee")

	body := scrape(t)
	assert.Contains(t, body, `raffle_lottery_operations_total{operation="enter",result="ok"}`)
	assert.Contains(t, body, `raffle_lottery_operations_total{operation="enter",result="insufficient_fee"}`)
}

func TestObservePool(t *testing.T) {
	ObservePool(1, 4, 3, 300)

	body := scrape(t)
	assert.Contains(t, body, "raffle_lottery_state 1")
	assert.Contains(t, body, "raffle_lottery_round 4")
	assert.Contains(t, body, "raffle_lottery_players 3")
	assert.Contains(t, body, "raffle_lottery_pool_balance 300")
}

func TestInstrumentHandler(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raffle/players/9", nil))

	assert.Contains(t, scrape(t), `raffle_http_requests_total{method="GET",path="/raffle/players/:index",status="418"}`)
}

func TestRecordKeeperTick(t *testing.T) {
	RecordKeeperTick("skipped", time.Millisecond)
	assert.Contains(t, scrape(t), `raffle_keeper_ticks_total{result="skipped"}`)
}
