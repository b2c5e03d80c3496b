package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkout "github.com/chipcasher/checkout"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewCheckoutMetrics("test")

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("/ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("unmatched", "404")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(w.Body.String(), "checkout_test_http_requests_total"))
}

func TestObserveOutcome(t *testing.T) {
	m := NewCheckoutMetrics("test")

	m.ObserveOutcome(checkout.OutcomeContext{Outcome: checkout.Outcome{Kind: checkout.OutcomeValid}, Duration: time.Second})
	m.ObserveOutcome(checkout.OutcomeContext{Outcome: checkout.Outcome{Kind: checkout.OutcomeInvalid, Reason: checkout.ReasonWrongAmount}})
	m.ObserveOutcome(checkout.OutcomeContext{Outcome: checkout.Outcome{Kind: checkout.OutcomeError, Err: checkout.ErrWatchTimedOut}})
	m.ObserveOutcome(checkout.OutcomeContext{Outcome: checkout.Outcome{Kind: checkout.OutcomePending}, Err: checkout.ErrZeroAmount})
	m.ObserveOutcome(checkout.OutcomeContext{Outcome: checkout.Outcome{Kind: checkout.OutcomePending}, Err: errors.New("rpc down")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("valid", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("invalid", "wrong_amount")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("timed_out", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("rejected", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("aborted", "")))
}
