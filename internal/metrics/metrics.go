package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DirectorySyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellyward_directory_sync_total",
			Help: "Directory sync passes by result",
		},
		[]string{"result"}, // ok, error
	)

	NotificationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jellyward_notifications_sent_total",
			Help: "Expiry notifications delivered",
		},
	)

	NotificationsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jellyward_notifications_failed_total",
			Help: "Expiry notifications that could not be delivered",
		},
	)

	InvitesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellyward_invites_issued_total",
			Help: "Invites issued by plan status",
		},
		[]string{"status"}, // trial, paid
	)

	RemovalStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellyward_removal_steps_total",
			Help: "Removal sub-step outcomes",
		},
		[]string{"step", "outcome"}, // step: remote_account, invite_code, local_status
	)

	TaskTicksSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellyward_task_ticks_skipped_total",
			Help: "Periodic task ticks skipped due to an overlapping run",
		},
		[]string{"task"},
	)
)
