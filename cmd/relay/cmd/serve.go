package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/config"
	"github.com/relaymsg/relay/pkg/relay/o11y"
	"github.com/relaymsg/relay/pkg/relay/o11y/otel"
	"github.com/relaymsg/relay/pkg/relay/router"
	"github.com/relaymsg/relay/pkg/relay/transport/httppoll"
	"github.com/relaymsg/relay/pkg/relay/transport/wsduplex"
)

var (
	logLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve <config-file>",
	Short: "Start the relay server",
	Long: `Start the relay server using the given HCL configuration file.

The server accepts WebSocket duplex connections and HTTP long-poll
sessions side by side, routing both through the same Router.

Example:
  relay serve relay.hcl`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	connCfg, err := cfg.Server.ConnConfig()
	if err != nil {
		return err
	}

	obsProvider := otel.NewProvider("relay", "dev")
	obs := &o11y.ObservabilityConfig{
		MetricsProvider: obsProvider,
		TracingProvider: obsProvider,
		ServiceName:     "relay",
		ServiceVersion:  "dev",
	}

	r := router.New(logger, connCfg, obs)
	registerExampleRoutes(r)

	wsPath := cfg.Server.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	pollPath := cfg.Server.HTTPPollPath
	if pollPath == "" {
		pollPath = "/poll"
	}

	pollSessions := newPollSessionRegistry(r, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, req *http.Request) {
		serveWebSocket(req.Context(), r, logger, w, req)
	})
	mux.HandleFunc(pollPath, func(w http.ResponseWriter, req *http.Request) {
		pollSessions.serveHTTP(req.Context(), w, req)
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay server listening",
			zap.String("addr", cfg.Server.Listen),
			zap.String("websocket_path", wsPath),
			zap.String("http_poll_path", pollPath),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("relay server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), connCfg.GraceClose)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	return nil
}

func serveWebSocket(ctx context.Context, r *router.Router, logger *zap.Logger, w http.ResponseWriter, req *http.Request) {
	wsConn, err := websocket.Accept(w, req, nil)
	if err != nil {
		logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	reconnectSecret := req.URL.Query().Get("connsecret")

	t := wsduplex.Accepted(wsConn, logger, wsduplex.DefaultConfig())
	if _, err := r.AddSocket(ctx, t, reconnectSecret); err != nil {
		logger.Warn("failed to register connection", zap.Error(err))
	}
}

// pollSessionRegistry keeps the httppoll.Server for each long-poll session
// alive across requests, keyed by a local poll id handed back on the
// session's first GET/POST. This id only tells the registry which in-memory
// httppoll.Server to hand a request to; it is unrelated to the connsecret
// query parameter below, which is the cross-restart identity the Router
// uses to resume a session's protocol state.
type pollSessionRegistry struct {
	router *router.Router
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*httppoll.Server
}

func newPollSessionRegistry(r *router.Router, logger *zap.Logger) *pollSessionRegistry {
	return &pollSessionRegistry{router: r, logger: logger, sessions: make(map[string]*httppoll.Server)}
}

func (p *pollSessionRegistry) serveHTTP(ctx context.Context, w http.ResponseWriter, req *http.Request) {
	pollID := req.URL.Query().Get("poll")

	p.mu.Lock()
	srv, ok := p.sessions[pollID]
	p.mu.Unlock()

	if ok {
		srv.ServeHTTP(w, req)
		return
	}

	reconnectSecret := req.URL.Query().Get("connsecret")

	srv = httppoll.NewServer(p.logger)
	c, err := p.router.AddSocket(ctx, srv, reconnectSecret)
	if err != nil {
		p.logger.Warn("failed to register poll session", zap.Error(err))
		http.Error(w, "failed to register session", http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	p.sessions[c.ID()] = srv
	p.mu.Unlock()

	w.Header().Set("X-Relay-Poll-Id", c.ID())
	srv.ServeHTTP(w, req)
}

// registerExampleRoutes wires a minimal ping handler so a freshly started
// server answers something even before application-specific routes are
// registered.
func registerExampleRoutes(r *router.Router) {
	_ = r.OnGet("/ping", func(req *router.Request) (int, any) {
		return 200, "pong"
	})
}
