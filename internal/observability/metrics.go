package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	SchedulerClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_scheduler_claims_total", Help: "Job claim outcomes per tick"},
		[]string{"result"},
	)
	PoolRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_pool_rejects_total", Help: "Jobs deferred because the dispatch queue was full"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wadispatch_gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	QuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_quota_denied_total", Help: "Sends denied by the quota enforcer"},
		[]string{"tenant"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_breaker_transitions_total", Help: "Circuit breaker state changes"},
		[]string{"session", "to"},
	)
	JobsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_jobs_finalized_total", Help: "Jobs reaching a terminal status"},
		[]string{"status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_gateway_webhook_events_total", Help: "Gateway ack webhook events"},
		[]string{"ack"},
	)
	LiveDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_live_dropped_total", Help: "Live updates dropped"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, SchedulerClaims, PoolRejects, GatewaySend, GatewayLatency,
		QuotaDenied, BreakerTransitions, JobsFinalized, WebhookEvents, LiveDropped)
}
