// Package metrics exposes prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Poll results
const (
	PollFetched   = "fetched"
	PollThrottled = "throttled"
	PollError     = "error"
)

// Sync groups the collectors of one client process. A nil *Sync is valid and
// records nothing.
type Sync struct {
	Appended           prometheus.Counter
	Duplicates         prometheus.Counter
	OptimisticConfirm  prometheus.Counter
	OptimisticRollback prometheus.Counter
	Polls              *prometheus.CounterVec
	ReconnectAttempts  prometheus.Counter
	ReadMarkFailures   prometheus.Counter
	StoreSize          prometheus.Gauge
	PendingDeletes     prometheus.Gauge
}

// New builds the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Sync {
	s := &Sync{
		Appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "messages_appended_total",
			Help: "Messages appended to the active conversation.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "messages_duplicate_total",
			Help: "Inbound messages dropped because their id was already held.",
		}),
		OptimisticConfirm: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "optimistic_confirmed_total",
			Help: "Optimistic messages replaced by their confirmed record.",
		}),
		OptimisticRollback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "optimistic_rolled_back_total",
			Help: "Optimistic messages removed after a failed send.",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "polls_total",
			Help: "Poll attempts by result.",
		}, []string{"result"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "reconnect_attempts_total",
			Help: "Push channel reconnect attempts.",
		}),
		ReadMarkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync", Name: "read_mark_failures_total",
			Help: "Best-effort read receipt calls that failed.",
		}),
		StoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmsync", Name: "store_messages",
			Help: "Messages held for the active conversation.",
		}),
		PendingDeletes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmsync", Name: "pending_deletes",
			Help: "Delete requests in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.Appended, s.Duplicates, s.OptimisticConfirm, s.OptimisticRollback,
			s.Polls, s.ReconnectAttempts, s.ReadMarkFailures, s.StoreSize, s.PendingDeletes,
		)
	}
	return s
}

func (s *Sync) MessagesAppended(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.Appended.Add(float64(n))
}

func (s *Sync) DuplicatesDropped(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.Duplicates.Add(float64(n))
}

func (s *Sync) Confirmed() {
	if s != nil {
		s.OptimisticConfirm.Inc()
	}
}

func (s *Sync) RolledBack() {
	if s != nil {
		s.OptimisticRollback.Inc()
	}
}

func (s *Sync) Poll(result string) {
	if s != nil {
		s.Polls.WithLabelValues(result).Inc()
	}
}

func (s *Sync) Reconnect() {
	if s != nil {
		s.ReconnectAttempts.Inc()
	}
}

func (s *Sync) ReadMarkFailed() {
	if s != nil {
		s.ReadMarkFailures.Inc()
	}
}

func (s *Sync) SetStoreSize(n int) {
	if s != nil {
		s.StoreSize.Set(float64(n))
	}
}

func (s *Sync) SetPendingDeletes(n int) {
	if s != nil {
		s.PendingDeletes.Set(float64(n))
	}
}
