package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	purchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_purchases_total",
			Help: "Completed token purchases by payment method.",
		},
		[]string{"method"},
	)

	tokensSoldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sale_tokens_sold_total",
		Help: "Cumulative tokens sold in base units (approximate above 2^53).",
	})

	claimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesting_claims_total",
		Help: "Completed vesting claims.",
	})

	distributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_distributions_total",
			Help: "Completed pool distributions by pool.",
		},
		[]string{"pool"},
	)

	salePaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sale_paused",
		Help: "1 when the general pause switch is on.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		purchasesTotal, tokensSoldTotal, claimsTotal, distributionsTotal,
		salePaused, ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountPurchase increments the purchase counter for a payment method.
func CountPurchase(method string) { purchasesTotal.WithLabelValues(method).Inc() }

// AddTokensSold adds to the cumulative sold counter.
func AddTokensSold(v float64) {
	if v > 0 {
		tokensSoldTotal.Add(v)
	}
}

// CountClaim increments the claim counter.
func CountClaim() { claimsTotal.Inc() }

// CountDistribution increments the distribution counter for a pool.
func CountDistribution(pool string) { distributionsTotal.WithLabelValues(pool).Inc() }

// SetGeneralPaused reflects the general pause switch in the gauge.
func SetGeneralPaused(paused bool) {
	if paused {
		salePaused.Set(1)
		return
	}
	salePaused.Set(0)
}

// SetReady reflects readiness in the gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Parameterized route prefixes and the placeholder each identifier collapses
// to. Keeps metric label cardinality bounded.
var canonicalRoutes = []struct {
	prefix string
	param  string
}{
	{"/v1/roles/", ":name"},
	{"/v1/sale/config/", ":field"},
	{"/v1/sale/purchasers/", ":identity"},
	{"/v1/vesting/plans/", ":id"},
	{"/v1/vesting/holders/", ":identity"},
	{"/v1/pools/", ":name"},
}

// CanonicalPath collapses path parameters so every request to a route shares
// one metric series.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, route := range canonicalRoutes {
		rest, ok := strings.CutPrefix(path, route.prefix)
		if !ok || rest == "" {
			continue
		}
		id, suffix, _ := strings.Cut(rest, "/")
		if id == "" {
			continue
		}
		out := route.prefix + route.param
		if suffix != "" {
			out += "/" + suffix
		}
		return out
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
