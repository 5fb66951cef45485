package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/gateway"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/notify"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/ratelimit"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/retry"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/server/middleware"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage/sqlite"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/config"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state/statemanager"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/transport"
)

// App wires the realtime process: the SQLite store, the connection registry,
// the rate limiter, the gateway, and the notification service behind one
// HTTP server.
type App struct {
	logger   *slog.Logger
	config   *config.Config
	store    *sqlite.Store
	limiter  *ratelimit.Limiter
	gateway  *gateway.Gateway
	notifier *notify.Service
	registry *statemanager.InMemoryManager

	wg        sync.WaitGroup
	http      *http.Server
	sweepStop chan struct{}

	ctx context.Context
}

type Option func(*options)

type options struct {
	notifyOpts []notify.Option
}

// WithEmailSender injects the out-of-band email provider.
func WithEmailSender(sender notify.EmailSender) Option {
	return func(o *options) { o.notifyOpts = append(o.notifyOpts, notify.WithEmailSender(sender)) }
}

// WithSMSSender injects the out-of-band SMS provider.
func WithSMSSender(sender notify.SMSSender) Option {
	return func(o *options) { o.notifyOpts = append(o.notifyOpts, notify.WithSMSSender(sender)) }
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var appOpts options
	for _, opt := range opts {
		opt(&appOpts)
	}

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := statemanager.NewInMemoryManager(logger)
	limiter := ratelimit.New(logger, limiterOptions(cfg)...)
	verifier := gateway.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	gw := gateway.New(logger, registry, limiter, verifier, userDirectory{store}, store)

	engine := retry.NewEngine(logger, store, retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	})
	notifier := notify.New(logger, store, gw, engine, appOpts.notifyOpts...)

	app := &App{
		logger:    logger,
		config:    cfg,
		store:     store,
		limiter:   limiter,
		gateway:   gw,
		notifier:  notifier,
		registry:  registry,
		sweepStop: make(chan struct{}),
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
		),
	)
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Notifier exposes the notification service to embedding code (the main
// backend calls Create through it).
func (a *App) Notifier() *notify.Service {
	return a.notifier
}

// Gateway exposes the fan-out surface for dashboard and project emitters.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

func limiterOptions(cfg *config.Config) []ratelimit.Option {
	var opts []ratelimit.Option
	if cfg.RateLimit.Window > 0 && cfg.RateLimit.MaxRequests > 0 {
		opts = append(opts, ratelimit.WithDefaults(ratelimit.ActionConfig{
			Window:        cfg.RateLimit.Window,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			BlockDuration: cfg.RateLimit.BlockDuration,
		}))
	}
	for action, limit := range cfg.Actions {
		opts = append(opts, ratelimit.WithActionConfig(action, ratelimit.ActionConfig{
			Window:        limit.Window,
			MaxRequests:   limit.MaxRequests,
			BlockDuration: limit.BlockDuration,
		}))
	}
	return opts
}

// userDirectory adapts the store's user rows to the gateway's directory
// contract.
type userDirectory struct {
	users storage.UserStore
}

func (d userDirectory) FindUser(ctx context.Context, userID string) (gateway.UserRecord, error) {
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return gateway.UserRecord{}, err
	}
	return gateway.UserRecord{ID: user.ID, Role: user.Role, Active: user.Active}, nil
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	a.limiter.StartCleanup(a.config.RateLimit.CleanupInterval, a.sweepStop)
	go a.sweepLoop()

	<-a.ctx.Done()
	return a.Shutdown()
}

// extractToken pulls the bearer token from the handshake request. Browser
// WebSocket clients cannot set headers, so the query parameter is checked
// first.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	token := extractToken(r)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)

	handshake := gateway.Handshake{Token: token}
	if reqMeta != nil {
		handshake.RemoteAddr = reqMeta.IP
		handshake.UserAgent = reqMeta.UserAgent
	}
	stateConn, err := a.gateway.Connect(r.Context(), conn, handshake)
	if err != nil {
		// Rejected handshakes close without a wire event; a bad token looks
		// the same as a network drop from the client side.
		a.logger.Warn("Rejected connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.gateway.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.gateway.Disconnect(id)
	})

	a.logger.Info("Connection fully established", slog.String("connID", stateConn.ID.String()))
	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"connectedUsers": a.gateway.ConnectedUserCount(),
	})
}

// sweepLoop runs the periodic maintenance pass: expired notifications and
// aged audit events.
func (a *App) sweepLoop() {
	if a.config.Sweep.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.config.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if purged, err := a.notifier.DeleteExpired(ctx); err != nil {
				a.logger.Error("Notification sweep failed", slog.Any("error", err))
			} else if purged > 0 {
				a.logger.Info("Purged expired notifications", slog.Int("count", purged))
			}
			cutoff := time.Now().Add(-a.config.Sweep.EventRetention)
			if purged, err := a.store.DeleteEventsBefore(ctx, cutoff); err != nil {
				a.logger.Error("Event sweep failed", slog.Any("error", err))
			} else if purged > 0 {
				a.logger.Info("Purged aged audit events", slog.Int("count", purged))
			}
			cancel()
		}
	}
}

// Shutdown is the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	close(a.sweepStop)

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, sender := range a.registry.AllSenders() {
		sender.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines and in-flight deliveries to finish.
	a.wg.Wait()
	a.notifier.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
