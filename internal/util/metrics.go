package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of order creations that failed",
	}, []string{"reason"})

	OrdersRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_removed_total",
		Help: "Total number of soft-deleted orders",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of order status changes by target status",
	}, []string{"status", "source"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of the order creation transaction, stock reservation included",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_cache_requests_total",
		Help: "Order listing cache lookups by result",
	}, []string{"result"})

	CacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_cache_invalidations_total",
		Help: "Total number of order listing cache invalidations",
	})

	FulfillmentEnqueueFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_enqueue_failed_total",
		Help: "Fulfillment jobs that could not be enqueued after the order was committed",
	})

	FulfillmentJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_jobs_total",
		Help: "Fulfillment jobs handled by result",
	}, []string{"result"})

	FulfillmentJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_job_duration_seconds",
		Help:    "Time spent handling one fulfillment job",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 7.5, 10, 30},
	})

	NotificationsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Notifications published by event",
	}, []string{"event"})

	NotificationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_dropped_total",
		Help: "Notifications dropped because a subscriber was not keeping up",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
