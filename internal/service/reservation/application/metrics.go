package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnstile_lock_requests_total",
		Help: "LockTickets outcomes, labelled by how the request ended.",
	}, []string{"outcome"})

	ticketsLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_tickets_locked_total",
		Help: "Units of inventory placed on hold.",
	})

	holdsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_holds_released_total",
		Help: "Holds explicitly released by session.",
	})

	holdsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_holds_consumed_total",
		Help: "Holds converted into permanent sales.",
	})

	holdsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_holds_expired_total",
		Help: "Stale holds reclaimed by the sweep.",
	})

	holdsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_holds_purged_total",
		Help: "Terminal holds deleted after the retention window.",
	})
)

const (
	outcomeGranted    = "granted"
	outcomeShortage   = "shortage"
	outcomeValidation = "validation"
	outcomePolicy     = "policy"
	outcomeGate       = "gate"
	outcomeContention = "contention"
	outcomeError      = "error"
)
