package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tradechain/internal/certificate"
	"tradechain/internal/config"
	"tradechain/internal/contracts"
	"tradechain/internal/escrow"
	"tradechain/internal/hmacauth"
	"tradechain/internal/idempotency"
	"tradechain/internal/marketplace"
	"tradechain/internal/metrics"
	"tradechain/internal/reputation"
	"tradechain/internal/wallet"
)

// Session is the part of wallet.Session the gateway drives.
type Session interface {
	Connect(ctx context.Context) (wallet.State, error)
	Disconnect()
	SwitchNetwork(ctx context.Context, chainID uint64) error
	AddNetwork(ctx context.Context, chainID uint64) error
	RefreshBalance(ctx context.Context) (wallet.State, error)
	State() wallet.State
	NetworkName() string
	Bindings() (*contracts.Bindings, error)
}

// Marketplace is the slice of the REST backend the gateway exposes.
type Marketplace interface {
	Shops(ctx context.Context) ([]marketplace.Shop, error)

	Notifications(ctx context.Context) ([]marketplace.Notification, error)
	Summary(ctx context.Context, limit int) (marketplace.NotificationSummary, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error

	Conversations(ctx context.Context) ([]marketplace.Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]marketplace.Message, error)
	SendMessage(ctx context.Context, conversationID int64, content string) (marketplace.Message, error)
	OpenRoom(ctx context.Context, shopID int64) (marketplace.Room, error)

	CheckStatus(ctx context.Context, email string) (marketplace.AccountStatus, error)
	VerifyEmail(ctx context.Context, token string) (marketplace.VerifyResult, error)
	ResendVerification(ctx context.Context, email string) error
}

// Deps are the collaborators built by the composition root.
type Deps struct {
	Session      Session
	Escrow       escrow.Client
	Certificates certificate.Client
	Reputation   reputation.Client
	Marketplace  Marketplace
	Store        idempotency.Store
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	// RPCHealth, when set, is called by the health endpoint.
	RPCHealth func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	session     Session
	escrow      escrow.Client
	certs       certificate.Client
	reputation  reputation.Client
	market      Marketplace
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	metrics     *metrics.Registry
	log         *slog.Logger
	writes      singleflight.Group
	httpServer  *http.Server
	router      chi.Router
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:        cfg,
		session:    deps.Session,
		escrow:     deps.Escrow,
		certs:      deps.Certificates,
		reputation: deps.Reputation,
		market:     deps.Marketplace,
		store:      deps.Store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics:     m,
		log:         logger,
		rpcHealthFn: deps.RPCHealth,
	}
	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.Handler())
		r.Get("/networks", s.handleNetworks)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSessionState)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/network", s.handleSwitchNetwork)
			r.Post("/balance", s.handleRefreshBalance)
		})

		r.Get("/dashboard", s.handleDashboard)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleUserOrders)
			r.Get("/count", s.handleOrderCounter)
			r.Get("/{orderID}", s.handleGetOrder)
			r.Get("/{orderID}/milestones/{index}", s.handleGetMilestone)

			r.Group(func(r chi.Router) {
				r.Use(s.hmac.Middleware)
				r.Post("/", s.handleCreateOrder)
				r.Post("/{orderID}/accept", s.handleAcceptOrder)
				r.Post("/{orderID}/milestones/{index}/submit", s.handleSubmitMilestone)
				r.Post("/{orderID}/milestones/{index}/approve", s.handleApproveMilestone)
				r.Post("/{orderID}/milestones/{index}/reject", s.handleRejectMilestone)
				r.Post("/{orderID}/dispute", s.handleRaiseDispute)
				r.Post("/{orderID}/cancel", s.handleCancelOrder)
			})
		})

		r.Route("/certificates", func(r chi.Router) {
			r.Get("/total", s.handleTotalCertificates)
			r.Get("/{tokenID}", s.handleGetCertificate)
			r.Get("/{tokenID}/history", s.handleHistory)
			r.Get("/by-product/{productID}", s.handleCertificateByProduct)

			r.Group(func(r chi.Router) {
				r.Use(s.hmac.Middleware)
				r.Post("/", s.handleMintCertificate)
				r.Post("/{tokenID}/events", s.handleAddEvent)
			})
		})
		r.Get("/products/{productID}/certified", s.handleProductCertified)
		r.Get("/suppliers/{address}/verified", s.handleSupplierVerified)

		r.Get("/reputation/{address}", s.handleReputation)
		r.Get("/reputation/{address}/escrow", s.handleEscrowReputation)
		r.Get("/reputation/tiers/{tier}", s.handleTierName)

		r.Get("/shops", s.handleShops)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleNotifications)
			r.Get("/summary", s.handleNotificationSummary)
			r.Group(func(r chi.Router) {
				r.Use(s.hmac.Middleware)
				r.Post("/read-all", s.handleMarkAllRead)
				r.Post("/{notificationID}/read", s.handleMarkRead)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Get("/conversations", s.handleConversations)
			r.Get("/conversations/{conversationID}/messages", s.handleMessages)
			r.Group(func(r chi.Router) {
				r.Use(s.hmac.Middleware)
				r.Post("/conversations/{conversationID}/messages", s.handleSendMessage)
				r.Post("/rooms", s.handleOpenRoom)
			})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Get("/check-status", s.handleCheckStatus)
			r.Get("/verify-email", s.handleVerifyEmail)
			r.With(s.hmac.Middleware).Post("/resend-verification", s.handleResendVerification)
		})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	state := s.session.State()
	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string       `json:"status"`
		RPC      any          `json:"rpc"`
		Database any          `json:"database"`
		Wallet   wallet.State `json:"wallet"`
		Network  string       `json:"network,omitempty"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Wallet:   state,
	}
	if state.Connected {
		resp.Network = s.session.NetworkName()
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	type network struct {
		ChainID    uint64 `json:"chainId"`
		Name       string `json:"name"`
		Configured bool   `json:"configured"`
		Addable    bool   `json:"addable"`
	}
	table := s.cfg.Deployments
	out := make([]network, 0, len(table.ChainIDs()))
	for _, id := range table.ChainIDs() {
		d, _ := table.Deployment(id)
		_, err := table.Resolve(id)
		out = append(out, network{
			ChainID:    id,
			Name:       table.NetworkName(id),
			Configured: err == nil,
			Addable:    d.Params != nil,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.IncRequest(route, status)
		s.log.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get("X-Request-Id"),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
