// Package taskqueue is the durable priority queue of provisioning tasks and
// their status records.
package taskqueue

// Kind names one of the fixed task types. Each kind has its own queue.
type Kind string

const (
	KindSyncUsage            Kind = "sync_usage"
	KindBuildConfigs         Kind = "build_configs"
	KindUpdateService        Kind = "update_service"
	KindDeleteService        Kind = "delete_service"
	KindCleanupPanels        Kind = "cleanup_panels"
	KindCheckServiceStatus   Kind = "check_service_status"
	KindCheckExpiredServices Kind = "check_expired_services"
	KindSyncServicesOnPanels Kind = "sync_services_with_panels"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{
	KindSyncUsage,
	KindBuildConfigs,
	KindUpdateService,
	KindDeleteService,
	KindCleanupPanels,
	KindCheckServiceStatus,
	KindCheckExpiredServices,
	KindSyncServicesOnPanels,
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsPeriodic reports whether k carries no arguments and may be triggered
// manually or by the scheduler.
func (k Kind) IsPeriodic() bool {
	switch k {
	case KindSyncUsage, KindCleanupPanels, KindCheckServiceStatus,
		KindCheckExpiredServices, KindSyncServicesOnPanels:
		return true
	}
	return false
}

// Default priorities. Service-scoped work jumps ahead of periodic sweeps.
const (
	PriorityPeriodic = 0
	PriorityService  = 10
)
