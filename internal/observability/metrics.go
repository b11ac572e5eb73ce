package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging core.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls completed by the client.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_events_published_total",
			Help: "Domain events published on the in-process bus.",
		},
		[]string{"kind"},
	)
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_appended_total",
			Help: "Messages appended, by thread domain and content type.",
		},
		[]string{"domain", "content_type"},
	)
	callsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_calls_ended_total",
			Help: "Call sessions that reached ended, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_notifications_total",
			Help: "Notification records by kind and outcome (sent, deduped, failed).",
		},
		[]string{"kind", "outcome"},
	)
	presenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_presence_tracked_users",
			Help: "Users with a live presence record.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		eventsPublishedTotal,
		messagesAppendedTotal,
		callsEndedTotal,
		notificationsTotal,
		presenceOnline,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncEventPublished(kind string) {
	eventsPublishedTotal.WithLabelValues(kind).Inc()
}

func IncMessageAppended(domain, contentType string) {
	messagesAppendedTotal.WithLabelValues(domain, contentType).Inc()
}

func IncCallEnded(kind, reason string) {
	callsEndedTotal.WithLabelValues(kind, reason).Inc()
}

func IncNotification(kind, outcome string) {
	notificationsTotal.WithLabelValues(kind, outcome).Inc()
}

func SetPresenceTracked(n int) {
	presenceOnline.Set(float64(n))
}
