package monitor

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// 数据包处理结果
const (
	OutcomeOK         = "ok"
	OutcomeUnknownID  = "unknown_id"
	OutcomeMalformed  = "malformed"
	OutcomeUnexpected = "unexpected"
)

// PerformanceMonitor 运行指标，注册在私有 registry 上
type PerformanceMonitor struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter

	packets       *prometheus.CounterVec // by outcome
	kicks         *prometheus.CounterVec // by reason
	bans          *prometheus.CounterVec // by reason
	rejects       *prometheus.CounterVec // by reason
	roomsAssigned prometheus.Counter
	catalogRooms  prometheus.Gauge

	startTime time.Time
}

// NewPerformanceMonitor 创建性能监控器
func NewPerformanceMonitor() *PerformanceMonitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PerformanceMonitor{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labour_active_sessions",
			Help: "Current number of labour sessions",
		}),
		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "labour_sessions_opened_total",
			Help: "Total number of sessions accepted",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "labour_sessions_closed_total",
			Help: "Total number of sessions terminated",
		}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labour_packets_total",
			Help: "Inbound packets by handling outcome",
		}, []string{"outcome"}),
		kicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labour_kicks_total",
			Help: "Kicks by reason",
		}, []string{"reason"}),
		bans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labour_bans_total",
			Help: "Bans by reason",
		}, []string{"reason"}),
		rejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labour_rejects_total",
			Help: "Connections refused at accept time by reason",
		}, []string{"reason"}),
		roomsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "labour_rooms_assigned_total",
			Help: "Total number of rooms handed out in TaskChange",
		}),
		catalogRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labour_catalog_rooms",
			Help: "Rooms currently in the pool",
		}),
		startTime: time.Now(),
	}
}

// Registry 指标所在的 registry
func (pm *PerformanceMonitor) Registry() *prometheus.Registry {
	return pm.registry
}

// RecordConnection 记录会话建立
func (pm *PerformanceMonitor) RecordConnection() {
	pm.sessionsOpened.Inc()
	pm.activeSessions.Inc()
}

// RecordConnectionClose 记录会话结束
func (pm *PerformanceMonitor) RecordConnectionClose() {
	pm.sessionsClosed.Inc()
	pm.activeSessions.Dec()
}

// RecordPacket 记录一个入站数据包的处理结果
func (pm *PerformanceMonitor) RecordPacket(outcome string) {
	pm.packets.WithLabelValues(outcome).Inc()
}

func (pm *PerformanceMonitor) RecordKick(reason string) {
	pm.kicks.WithLabelValues(reason).Inc()
}

func (pm *PerformanceMonitor) RecordBan(reason string) {
	pm.bans.WithLabelValues(reason).Inc()
}

func (pm *PerformanceMonitor) RecordReject(reason string) {
	pm.rejects.WithLabelValues(reason).Inc()
}

// RecordAssignment 记录一次任务分配下发的房间数
func (pm *PerformanceMonitor) RecordAssignment(rooms int) {
	pm.roomsAssigned.Add(float64(rooms))
}

// SetCatalogSize 记录房间池大小
func (pm *PerformanceMonitor) SetCatalogSize(rooms int) {
	pm.catalogRooms.Set(float64(rooms))
}

// GetStats 获取性能统计
func (pm *PerformanceMonitor) GetStats() map[string]any {
	uptime := time.Since(pm.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := map[string]any{
		"uptime_seconds":  uptime.Seconds(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_alloc_mb": float64(m.Alloc) / 1024 / 1024,
		"memory_sys_mb":   float64(m.Sys) / 1024 / 1024,
		"gc_count":        m.NumGC,
	}

	families, err := pm.registry.Gather()
	if err != nil {
		return stats
	}
	for _, mf := range families {
		stats[mf.GetName()] = sumFamily(mf)
	}
	return stats
}

// sumFamily 汇总一个指标族所有标签下的值
func sumFamily(mf *dto.MetricFamily) float64 {
	var total float64
	for _, metric := range mf.GetMetric() {
		switch {
		case metric.GetCounter() != nil:
			total += metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			total += metric.GetGauge().GetValue()
		}
	}
	return total
}
