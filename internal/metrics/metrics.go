package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	DispatchBackoffs prometheus.Counter
	PacingWaits      *prometheus.CounterVec
	PromptTruncated  prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	UpdatesTotal     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "dispatch_attempts_total",
				Help:      "Remote calls issued by the dispatcher, by model and outcome",
			}, []string{"model", "outcome"}),
			DispatchBackoffs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "dispatch_backoffs_total",
				Help:      "Passes that exhausted every credential and backed off",
			}),
			PacingWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "pacing_wait_seconds_total",
				Help:      "Time spent waiting for the per-model requests-per-minute budget",
			}, []string{"model"}),
			PromptTruncated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "prompt_truncated_total",
				Help:      "Prompts cut to fit the input token budget",
			}),
			MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "messages_total",
				Help:      "Chat sends completed, by result",
			}, []string{"result"}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mandachat",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.DispatchAttempts,
			global.DispatchBackoffs,
			global.PacingWaits,
			global.PromptTruncated,
			global.MessagesSent,
			global.UpdatesTotal,
		)
	})
	return global
}
