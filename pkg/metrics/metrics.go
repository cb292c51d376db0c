// Package metrics собирает Prometheus метрики софтфона: вызовы, переходы
// автомата, статусы, пересоздания media host и срабатывания watchdog.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config конфигурация метрик
type Config struct {
	// Enabled включает сбор метрик
	Enabled bool `json:"enabled"`
	// Namespace префикс метрик
	Namespace string `json:"namespace"`
	// ListenAddr адрес HTTP сервера /metrics, пустой отключает сервер
	ListenAddr string `json:"listen_addr"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "webphone",
	}
}

// Collector набор метрик. Нулевой или выключенный Collector безопасен:
// все методы становятся no-op, поэтому компоненты могут вызывать их без проверок.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	callsTotal       *prometheus.CounterVec
	callsFinished    *prometheus.CounterVec
	callsActive      prometheus.Gauge
	transitions      *prometheus.CounterVec
	statusMessages   prometheus.Counter
	busDropped       *prometheus.CounterVec
	hostEnsures      *prometheus.CounterVec
	watchdogExpiries prometheus.Counter
	heartbeatAge     prometheus.Histogram
}

// New создает Collector на собственном реестре
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "webphone"
	}

	reg := prometheus.NewRegistry()
	c := &Collector{enabled: true, registry: reg}

	c.callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "calls_total",
		Help:      "Total number of call sessions created",
	}, []string{"direction"})

	c.callsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "calls_finished_total",
		Help:      "Total number of call sessions finished by outcome",
	}, []string{"outcome"})

	c.callsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "calls_active",
		Help:      "Whether the call slot is occupied",
	})

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "call_state_transitions_total",
		Help:      "Total number of call state transitions",
	}, []string{"from_state", "to_state"})

	c.statusMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "status_messages_total",
		Help:      "Total number of status messages emitted by the media host",
	})

	c.busDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "bus_publish_failures_total",
		Help:      "Total number of bus messages that could not be delivered",
	}, []string{"topic"})

	c.hostEnsures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "media_host_ensure_total",
		Help:      "Media host ensure attempts by result",
	}, []string{"result"})

	c.watchdogExpiries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "watchdog_expiries_total",
		Help:      "Total number of missed liveness deadlines",
	})

	c.heartbeatAge = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "liveness_interval_seconds",
		Help:      "Interval between consecutive liveness signals",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
	})

	reg.MustRegister(
		c.callsTotal, c.callsFinished, c.callsActive, c.transitions,
		c.statusMessages, c.busDropped, c.hostEnsures, c.watchdogExpiries, c.heartbeatAge,
	)

	return c
}

// Registry реестр для экспорта; nil если метрики выключены
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) on() bool {
	return c != nil && c.enabled
}

// CallStarted новая сессия заняла слот
func (c *Collector) CallStarted(direction string) {
	if !c.on() {
		return
	}
	c.callsTotal.WithLabelValues(direction).Inc()
	c.callsActive.Set(1)
}

// CallFinished слот освобожден; outcome ended или failed
func (c *Collector) CallFinished(outcome string) {
	if !c.on() {
		return
	}
	c.callsFinished.WithLabelValues(outcome).Inc()
	c.callsActive.Set(0)
}

// Transition переход автомата вызова
func (c *Collector) Transition(from, to string) {
	if !c.on() {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// StatusEmitted отправлено статусное сообщение
func (c *Collector) StatusEmitted() {
	if !c.on() {
		return
	}
	c.statusMessages.Inc()
}

// PublishFailed сообщение не доставлено на топик
func (c *Collector) PublishFailed(topic string) {
	if !c.on() {
		return
	}
	c.busDropped.WithLabelValues(topic).Inc()
}

// HostEnsured результат EnsureMediaHost: exists, created, failed
func (c *Collector) HostEnsured(result string) {
	if !c.on() {
		return
	}
	c.hostEnsures.WithLabelValues(result).Inc()
}

// WatchdogExpired пропущен дедлайн живости
func (c *Collector) WatchdogExpired() {
	if !c.on() {
		return
	}
	c.watchdogExpiries.Inc()
}

// LivenessObserved интервал с предыдущего сигнала живости
func (c *Collector) LivenessObserved(since time.Duration) {
	if !c.on() || since <= 0 {
		return
	}
	c.heartbeatAge.Observe(since.Seconds())
}

// Serve поднимает HTTP сервер /metrics до отмены ctx
func (c *Collector) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	if !c.on() || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("метрики доступны на /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
