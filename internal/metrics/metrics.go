package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbmesh_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbmesh_device_registrations_total",
			Help: "Device registration attempts by result.",
		},
		[]string{"result"},
	)

	DevicesManufacturedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbmesh_devices_manufactured_total",
			Help: "Device identities generated.",
		},
	)

	CertificatesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbmesh_certificates_issued_total",
			Help: "Device certificates issued by the CA.",
		},
	)

	TunnelAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbmesh_tunnel_allocations_total",
			Help: "Tunnel config requests by protocol and result (created|reactivated|refreshed|synced|revoked).",
		},
		[]string{"protocol", "result"},
	)

	RemoteSyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbmesh_remote_sync_failures_total",
			Help: "Failed calls to mesh server APIs by action.",
		},
		[]string{"action"},
	)

	OutboxDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbmesh_outbox_deliveries_total",
			Help: "Outbox delivery attempts by result (done|retry|dead).",
		},
		[]string{"result"},
	)

	RadiusDuplicatesCollapsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbmesh_radius_duplicates_collapsed_total",
			Help: "Duplicate radcheck rows removed by the repair routine.",
		},
	)

	IPsAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbmesh_ipam_allocated_ips",
			Help: "Addresses handed out per mesh server pool.",
		},
		[]string{"server_id"},
	)
)

var once sync.Once

// MustRegister регистрирует коллекторы в default registry (один раз).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			DeviceRegistrationsTotal,
			DevicesManufacturedTotal,
			CertificatesIssuedTotal,
			TunnelAllocationsTotal,
			RemoteSyncFailuresTotal,
			OutboxDeliveriesTotal,
			RadiusDuplicatesCollapsedTotal,
			IPsAllocated,
		)
	})
}
