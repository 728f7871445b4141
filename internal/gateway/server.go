package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/audit"
	"github.com/nao1215/apigw/internal/cache"
	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/registry"
	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/envelope"
	"github.com/nao1215/apigw/pkg/middleware"
)

// Deps はServerの依存。Config、Registry、DBは必須。
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	DB       *sql.DB
	Logger   *zap.Logger
	// Cache はサービス状態のキャッシュ。nilならキャッシュしない。
	Cache cache.Cache
	// Metrics はnilなら新しく作る。
	Metrics *Metrics
	// Transport はバックエンド呼び出しに使う。nilならhttp.DefaultTransport。
	Transport http.RoundTripper
}

// Server はAPI Gatewayのサーバー。
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	logger     *zap.Logger
	engine     *gin.Engine
	proxy      *chi.Mux
	forwarder  *Forwarder
	limiter    *middleware.RateLimiter
	metrics    *Metrics
	cache      cache.Cache
	audit      *audit.Store
	users      *UserStore
	transport  http.RoundTripper
	routeCount int
}

// NewServer は依存からServerを構築し、すべてのルートを登録する。
func NewServer(d Deps) (*Server, error) {
	if d.Config == nil || d.Registry == nil || d.DB == nil {
		return nil, errors.New("Config、Registry、DBは必須です")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	if d.Transport == nil {
		d.Transport = http.DefaultTransport
	}
	transport := otelhttp.NewTransport(d.Transport)

	s := &Server{
		cfg:       d.Config,
		registry:  d.Registry,
		logger:    d.Logger,
		metrics:   d.Metrics,
		cache:     d.Cache,
		audit:     audit.NewStore(d.DB, d.Logger),
		users:     NewUserStore(d.DB),
		transport: transport,
		forwarder: NewForwarder(transport, d.Config.Auth.ServiceToken, d.Logger, d.Metrics),
	}
	if rl := d.Config.RateLimit; rl.Enabled {
		s.limiter = middleware.NewRateLimiter(map[string]middleware.Limit{
			middleware.PolicyAnonymous:     {RPS: rl.Anonymous.RPS, Burst: rl.Anonymous.Burst},
			middleware.PolicyAuthenticated: {RPS: rl.Authenticated.RPS, Burst: rl.Authenticated.Burst},
			middleware.PolicyAdmin:         {RPS: rl.Admin.RPS, Burst: rl.Admin.Burst},
		})
	}

	if err := s.setupProxy(); err != nil {
		return nil, err
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// setupRoutes はGinのエンジンにミドルウェアとGateway自身のエンドポイントを登録する。
// どのルートにも一致しないリクエストはプロキシルートに渡す。
func (s *Server) setupRoutes() error {
	engine := gin.New()
	if err := engine.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}

	engine.Use(
		middleware.NewRequestContext(),
		middleware.AccessLog(s.logger),
		middleware.Recovery(s.logger),
		middleware.CORS(s.cfg.Server.CORSOrigins),
		middleware.ErrorHandler(s.logger),
		middleware.Authenticate(s.cfg.Auth.JWTSecret),
	)

	engine.GET("/health", envelope.Disable(), s.handleHealth())
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	gw := engine.Group("/gateway")
	{
		gw.GET("/services", s.handleListServices())
		gw.GET("/services/:name/status", middleware.RateLimit(s.limiter, middleware.PolicyAnonymous), s.handleServiceStatus())
		gw.GET("/me", middleware.RequireIdentity(), s.handleMe())
		gw.GET("/audit", s.requireRoute(adminOnly), s.handleListAudit())
		if s.cfg.Auth.DevTokens {
			gw.POST("/auth/dev-token", middleware.RateLimit(s.limiter, middleware.PolicyAnonymous), s.handleDevToken())
		}
	}

	engine.NoRoute(gin.WrapF(s.dispatch))
	s.engine = engine
	return nil
}

// setupProxy はサービス定義からプロキシルートを生成する。
func (s *Server) setupProxy() error {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, s.logger, apperr.NotFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, s.logger, apperr.New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path)))
	})

	if err := RegisterRoutes(mux, s.registry.Proxied(), s.cfg.Upstream, s.proxyHandler); err != nil {
		return err
	}
	n, err := CountRoutes(mux)
	if err != nil {
		return fmt.Errorf("ルートの集計に失敗: %w", err)
	}

	s.proxy = mux
	s.routeCount = n
	s.metrics.setRoutes(n)
	s.logger.Info("プロキシルートを登録しました",
		zap.Int("services", len(s.registry.Proxied())),
		zap.Int("routes", n),
	)
	return nil
}

// dispatch はGatewayのエンドポイントに一致しなかったリクエストをプロキシルートに渡す。
// ルーティングはエスケープされたままのパスで行うため、ワイルドカードの残りはデコードされずに転送先へ渡る。
// "."や".."のセグメントを含むパスはルーティングせずに400で拒否する。
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if hasDotSegment(r.URL.Path) {
		middleware.WriteError(w, r, s.logger,
			apperr.New(http.StatusBadRequest, apperr.CodeInvalidPath, "path must not contain dot segments"))
		return
	}

	rctx := chi.NewRouteContext()
	rctx.Routes = s.proxy
	rctx.RoutePath = r.URL.EscapedPath()
	s.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx)))
}

// hasDotSegment はデコード済みのパスに"."または".."のセグメントがあるかを返す。
func hasDotSegment(path string) bool {
	for seg := range strings.SplitSeq(path, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// proxyHandler はルート1本分のハンドラーを返す。
// アクセス制御、レート制限、転送の順に処理し、途中で拒否した場合はバックエンドを呼ばない。
func (s *Server) proxyHandler(cfg RouteConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Authorize(cfg, middleware.IdentityFromContext(r.Context())); err != nil {
			s.recordDenial(r, cfg, err)
			middleware.WriteError(w, r, s.logger, err)
			return
		}

		if s.limiter != nil && !s.limiter.Allow(cfg.RateLimitPolicy, middleware.ClientKey(r)) {
			s.metrics.observeRateLimited(cfg.RateLimitPolicy)
			w.Header().Set("Retry-After", "1")
			middleware.WriteError(w, r, s.logger, middleware.ErrRateLimited())
			return
		}

		s.forwarder.Forward(w, r, cfg, chi.URLParam(r, "*"))
	})
}

// Handler はトレース計装を施したHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.engine, s.cfg.Tracing.ServiceName)
}

// RouteCount は登録したプロキシルートの数を返す。
func (s *Server) RouteCount() int {
	return s.routeCount
}

// Run はHTTPサーバーを起動する。ctxが終了すると新規の受け付けを止め、
// 処理中のリクエストをserver.shutdown_timeoutまで待ってから戻る。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API Gatewayを起動します", zap.Int("port", s.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("API Gatewayを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}
