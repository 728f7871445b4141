package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// ShutdownFunc はトレーサープロバイダを停止する関数。
type ShutdownFunc func(context.Context) error

// Init はトレーサープロバイダを初期化してグローバルに登録する。
// enabledがfalseの場合は何もせず、何もしない停止関数を返す。
func Init(serviceName string, enabled bool, logger *zap.Logger) (ShutdownFunc, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("トレースエクスポーターの生成に失敗: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("トレースリソースの生成に失敗: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetryを初期化しました", zap.String("service", serviceName))
	return tp.Shutdown, nil
}
