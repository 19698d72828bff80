package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feeledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Options configures the HTTP surface.
type Options struct {
	// AdminToken is the bearer token for /api/v1/admin. Empty disables those routes.
	AdminToken string
	// PaymentsToken is the bearer token the payment integration uses to add
	// funds. The admin token also works there; with neither set the route is
	// disabled.
	PaymentsToken string
	// RateLimitRPS and RateLimitBurst bound each client. Zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *zap.Logger
}

type Handler struct {
	ledger   *service.Ledger
	recovery *service.Recovery
	revenue  *service.Revenue

	adminToken    string
	paymentsToken string
	limiter       *clientLimiter
	log           *zap.Logger
}

func NewHandler(l *service.Ledger, rec *service.Recovery, rev *service.Revenue, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ledger:     l,
		recovery:   rec,
		revenue:    rev,
		adminToken:    opts.AdminToken,
		paymentsToken: opts.PaymentsToken,
		limiter:       newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		log:           log,
	}
}

// Router wires every route. /health and /metrics sit outside rate limiting.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.rateLimit)
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.Handle("/accounts/{id}/funds", requireToken(h.paymentsToken, h.adminToken)(http.HandlerFunc(h.AddFundsHandler))).
		Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/recoverable", h.ListRecoverableHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/recovery", h.RecoverTransfersHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(requireToken(h.adminToken))
	admin.HandleFunc("/accounts/{id}/tier", h.SetTierHandler).Methods(http.MethodPut)
	admin.HandleFunc("/recovery/resolve", h.ResolveRecoveryHandler).Methods(http.MethodPost)
	admin.HandleFunc("/grants", h.GrantHandler).Methods(http.MethodPost)
	admin.HandleFunc("/revenue", h.RevenueHandler).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// requireToken admits requests carrying one of tokens as a bearer token.
// Empty tokens are ignored; with none configured the routes are disabled.
func requireToken(tokens ...string) mux.MiddlewareFunc {
	var accepted [][]byte
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(accepted) == 0 {
				respondWithError(w, http.StatusForbidden, "Route is disabled")
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if ok {
				for _, want := range accepted {
					if subtle.ConstantTimeCompare([]byte(token), want) == 1 {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		})
	}
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address. Buckets idle for
// longer than idleAfter are dropped on the next lookup.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	swept   time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleAfter = 10 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{limit: rate.Limit(rps), burst: burst, clients: make(map[string]*clientBucket)}
}

func (c *clientLimiter) allow(key string) bool {
	if c == nil {
		return true
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.swept) > idleAfter {
		for k, b := range c.clients {
			if now.Sub(b.lastSeen) > idleAfter {
				delete(c.clients, k)
			}
		}
		c.swept = now
	}

	b, ok := c.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps a service error to a status and a message that is safe to
// show the caller.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, domain.ErrEntryNotFound):
		respondWithError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
	case errors.Is(err, domain.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, "Insufficient funds")
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrUnsupportedCurrencyPair):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNothingToRecover):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAccountExists):
		respondWithError(w, http.StatusConflict, "Account already exists")
	case errors.Is(err, domain.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, "Transaction already settled")
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
