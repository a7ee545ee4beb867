// Package observe 提供 OpenTelemetry 指标。
//
// 指标通过 OTel Metrics API 记录，[InitProvider] 挂接 Prometheus 导出器以便 /metrics 抓取。
// 测试应使用 [NewMetrics] 配合独立的 MeterProvider，避免测试之间互相污染。
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lisuiheng/audiobridge"

// Metrics 持有全部指标工具，字段可并发使用
type Metrics struct {
	// SessionsStarted 按 module 统计开始的会话
	SessionsStarted metric.Int64Counter

	// SessionsFinished 按 module、status 统计终止事件
	SessionsFinished metric.Int64Counter

	// ActiveSessions 当前活跃会话数，按 module 区分
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration 会话从开始到终止的时长
	SessionDuration metric.Float64Histogram

	// OperationErrors 按 module、code 统计失败的操作
	OperationErrors metric.Int64Counter

	// BridgeCalls 按 module、method、status 统计桥调用
	BridgeCalls metric.Int64Counter

	// BridgeEvents 按 module、name 统计发往宿主的事件
	BridgeEvents metric.Int64Counter
}

// 会话时长分桶（秒）
var durationBuckets = []float64{
	0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics 用给定的 MeterProvider 创建全部指标
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsStarted, err = m.Int64Counter("audiobridge.sessions.started",
		metric.WithDescription("Total playback and recording sessions started."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinished, err = m.Int64Counter("audiobridge.sessions.finished",
		metric.WithDescription("Total terminal events by module and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("audiobridge.active_sessions",
		metric.WithDescription("Number of sessions currently holding a native audio object."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("audiobridge.session.duration",
		metric.WithDescription("Wall-clock length of finished sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OperationErrors, err = m.Int64Counter("audiobridge.operation.errors",
		metric.WithDescription("Total failed manager operations by module and reason code."),
	); err != nil {
		return nil, err
	}
	if met.BridgeCalls, err = m.Int64Counter("audiobridge.bridge.calls",
		metric.WithDescription("Total bridge calls by module, method and status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeEvents, err = m.Int64Counter("audiobridge.bridge.events",
		metric.WithDescription("Total events sent to the host by module and name."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics 返回基于全局 MeterProvider 的包级实例
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionStart 记录会话开始
func (m *Metrics) RecordSessionStart(ctx context.Context, module string) {
	attrs := metric.WithAttributes(attribute.String("module", module))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordSessionFinish 记录终止事件与会话时长
func (m *Metrics) RecordSessionFinish(ctx context.Context, module, status string, elapsed time.Duration) {
	m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("status", status),
	))
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("module", module)))
	m.SessionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("module", module)))
}

func (m *Metrics) RecordOperationError(ctx context.Context, module, code string) {
	m.OperationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("code", code),
	))
}

func (m *Metrics) RecordBridgeCall(ctx context.Context, module, method, status string) {
	m.BridgeCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("method", method),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordBridgeEvent(ctx context.Context, module, name string) {
	m.BridgeEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("name", name),
	))
}
