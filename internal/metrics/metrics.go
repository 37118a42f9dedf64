// Package metrics exposes Prometheus counters for the bot's background work.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lead_bot"

var (
	SchedulerCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Total number of follow-up cycles started",
		},
	)

	FollowUpsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "followups_sent_total",
			Help:      "Total number of follow-up messages sent",
		},
	)

	FollowUpErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "followup_errors_total",
			Help:      "Total number of failed per-lead follow-up units",
		},
	)

	LeadsMarkedLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "leads_marked_lost_total",
			Help:      "Total number of leads marked lost after exhausted follow-ups",
		},
	)

	MessagesHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "messages_handled_total",
			Help:      "Total number of inbound Telegram updates handled",
		},
		[]string{"kind"},
	)
)

// Serve exposes /metrics and /healthz on addr. It blocks like
// http.ListenAndServe and is meant to run in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
