// Package telemetry はOpenTelemetryのトレーサープロバイダを初期化する。
package telemetry
