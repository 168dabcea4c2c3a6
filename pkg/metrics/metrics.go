/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "com.couchbase.stellar-coordinator"

type CoordMetrics struct {
	MembershipChanges metric.Int64Counter
	ReadyMembers      metric.Int64Gauge
	LeaseAcquisitions metric.Int64Counter
	LeaseReleases     metric.Int64Counter
	LeaseLosses       metric.Int64Counter
	HeldLeases        metric.Int64UpDownCounter
}

var (
	coordMetrics     *CoordMetrics
	coordMetricsLock sync.Mutex
)

// GetCoordMetrics returns the process-wide instruments registered against the
// global meter provider.
func GetCoordMetrics() *CoordMetrics {
	coordMetricsLock.Lock()

	if coordMetrics != nil {
		coordMetricsLock.Unlock()
		return coordMetrics
	}

	coordMetrics = NewCoordMetrics(otel.GetMeterProvider())

	coordMetricsLock.Unlock()
	return coordMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-coordinator")

// NewCoordMetrics registers a fresh set of instruments against provider.
// Tests use this with a manual reader to inspect recorded values.
func NewCoordMetrics(provider metric.MeterProvider) *CoordMetrics {
	meter := provider.Meter(
		meterName,
		metric.WithInstrumentationVersion(buildVersion))

	membershipChanges, _ := meter.Int64Counter("cluster_membership_changes_total",
		metric.WithDescription("Number of members added to or removed from the ready set"))
	readyMembers, _ := meter.Int64Gauge("cluster_ready_members",
		metric.WithDescription("Number of members currently ready"))
	leaseAcquisitions, _ := meter.Int64Counter("lease_acquisitions_total")
	leaseReleases, _ := meter.Int64Counter("lease_releases_total")
	leaseLosses, _ := meter.Int64Counter("lease_losses_total",
		metric.WithDescription("Leases given up because ownership could not be confirmed"))
	heldLeases, _ := meter.Int64UpDownCounter("leases_held")

	return &CoordMetrics{
		MembershipChanges: membershipChanges,
		ReadyMembers:      readyMembers,
		LeaseAcquisitions: leaseAcquisitions,
		LeaseReleases:     leaseReleases,
		LeaseLosses:       leaseLosses,
		HeldLeases:        heldLeases,
	}
}
