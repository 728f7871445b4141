package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/httpclient"
	"github.com/nao1215/apigw/pkg/middleware"
)

// statusClientClosed はバックエンドの応答前にクライアントが切断したことを表すメトリクス上のステータス。
const statusClientClosed = 499

// Forwarder はリクエストをバックエンドへ転送し、レスポンスをそのままストリームで返す。
// 再試行はしない。
type Forwarder struct {
	transport    http.RoundTripper
	serviceToken string
	logger       *zap.Logger
	errorLog     *log.Logger
	metrics      *Metrics
}

// NewForwarder はForwarderを生成する。transportがnilならhttp.DefaultTransportを使う。
func NewForwarder(transport http.RoundTripper, serviceToken string, logger *zap.Logger, metrics *Metrics) *Forwarder {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Forwarder{
		transport:    transport,
		serviceToken: serviceToken,
		logger:       logger,
		errorLog:     zap.NewStdLog(logger.Named("reverseproxy")),
		metrics:      metrics,
	}
}

// Forward はcfgのバックエンドへrを転送する。tailはワイルドカードに一致した残りのパス。
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, cfg RouteConfig, tail string) {
	start := time.Now()
	status := 0
	defer func() {
		f.metrics.observeProxy(cfg, status, time.Since(start))
	}()

	in := HeaderInput{ServiceToken: f.serviceToken}
	if rc := middleware.FromContext(r.Context()); rc != nil {
		in.ClientIP = rc.ClientIP
		in.CorrelationID = rc.CorrelationID
		in.Identity = rc.Identity
	}

	target, err := url.Parse(BuildTargetURL(cfg.BackendURL, cfg.InternalBasePath, cfg.ForwardPrefix, tail, r.URL.RequestURI()))
	if err != nil {
		status = http.StatusBadGateway
		middleware.WriteError(w, r, f.logger, apperr.Wrap(status, apperr.CodeUpstream, "invalid upstream url", err))
		return
	}

	ctx, timer := httpclient.NewPhaseTimer(r.Context(), cfg.HeaderTimeout)
	defer timer.Stop()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = ""
			in.Inbound = pr.Out.Header
			pr.Out.Header = RewriteHeaders(in)
		},
		Transport:     f.transport,
		FlushInterval: -1,
		ErrorLog:      f.errorLog,
		ModifyResponse: func(res *http.Response) error {
			timer.Next(cfg.BodyTimeout)
			status = res.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status = f.writeUpstreamError(w, r, cfg, err, timer.Expired())
		},
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// writeUpstreamError はヘッダー受信前の転送失敗をエラーエンベロープにして書き込み、ステータスを返す。
func (f *Forwarder) writeUpstreamError(w http.ResponseWriter, r *http.Request, cfg RouteConfig, err error, expired bool) int {
	switch {
	case expired:
		middleware.WriteError(w, r, f.logger,
			apperr.Wrap(http.StatusGatewayTimeout, apperr.CodeUpstreamTimeout, "upstream "+cfg.Service+" timed out", err))
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		f.logger.Debug("バックエンドの応答前にクライアントが切断しました",
			zap.String("correlation_id", middleware.CorrelationID(r.Context())),
			zap.String("service", cfg.Service),
		)
		return statusClientClosed
	default:
		middleware.WriteError(w, r, f.logger,
			apperr.Wrap(http.StatusBadGateway, apperr.CodeUpstreamUnavailable, "upstream "+cfg.Service+" unavailable", err))
		return http.StatusBadGateway
	}
}
