// Package leadlag selects the running unit among a group of redundant
// equipment, handling automatic failover on fault and scheduled rotation
// for wear balancing.
package leadlag

import (
	"fmt"
	"strings"
	"time"

	"github.com/veridian-controls/bmscore/internal/types"
)

const (
	// HealthCheckCooldown bounds how often the lead is probed.
	HealthCheckCooldown = 30 * time.Second
	// RotationCheckCooldown bounds how often rotation is considered.
	RotationCheckCooldown = 5 * time.Minute
	// DefaultSupplyTempMax is the boiler safety ceiling in °F.
	DefaultSupplyTempMax = 170.0
)

// SupplyTempKeys is the fallback chain for the supply temperature field.
var SupplyTempKeys = []string{"supply", "Supply", "SupplyTemp", "supplyTemperature", "SAT", "supplyTemp"}

// Decision is the outcome of one lead-lag evaluation for a caller.
type Decision struct {
	IsLead    bool
	ShouldRun bool
	Reason    string
	Events    []types.LeadLagEvent
	// Changed reports whether the group state mutated and must be
	// persisted.
	Changed bool
}

// Decide evaluates the caller's role in the group. leadMetrics is the most
// recent sample for the current lead (nil when telemetry is unavailable,
// which fails open). The group is mutated in place; callers persist it when
// Changed is set. Serialization is guaranteed by the one-job-per-equipment
// queue invariant.
func Decide(group *types.EquipmentGroup, callerID string, leadMetrics *types.MetricSample, now time.Time) Decision {
	if group == nil || !group.UseLeadLag {
		return Decision{IsLead: true, ShouldRun: true, Reason: "lead-lag disabled"}
	}

	var d Decision

	if len(group.Members) == 1 {
		group.CurrentLeadID = group.Members[0]
		return Decision{IsLead: callerID == group.CurrentLeadID, ShouldRun: callerID == group.CurrentLeadID, Reason: "single member group"}
	}

	// Removal of the current lead fails over immediately to the next
	// member in order.
	if !group.IsMember(group.CurrentLeadID) {
		next := group.NextAfter(group.CurrentLeadID)
		d.Events = append(d.Events, types.LeadLagEvent{
			GroupID:     group.ID,
			EquipmentID: next,
			Kind:        types.EventFailover,
			Reason:      "Previous lead removed from group",
			At:          now,
		})
		group.CurrentLeadID = next
		group.LastFailoverAt = now
		group.FailoverCount++
		d.Changed = true
	}

	leadHealthy := true
	if now.Sub(group.LastHealthCheckAt) >= HealthCheckCooldown {
		group.LastHealthCheckAt = now
		d.Changed = true
		leadHealthy = healthy(leadMetrics, group.HealthRules)
	}

	if !leadHealthy && group.AutoFailover {
		if callerID != group.CurrentLeadID {
			// Promote the lag under evaluation.
			d.Events = append(d.Events, types.LeadLagEvent{
				GroupID:     group.ID,
				EquipmentID: callerID,
				Kind:        types.EventFailover,
				Reason:      "Lead boiler failure detected",
				At:          now,
			})
			group.CurrentLeadID = callerID
			group.LastFailoverAt = now
			group.FailoverCount++
			d.Changed = true
		} else {
			// The unhealthy lead is evaluating itself and there is no
			// healthy member known: it keeps the role but must not run.
			d.IsLead = true
			d.ShouldRun = false
			d.Reason = "lead unhealthy, awaiting failover"
			return d
		}
	}

	// Scheduled rotation for wear balancing.
	if group.RotationInterval > 0 && now.Sub(group.LastRotationCheckAt) >= RotationCheckCooldown {
		group.LastRotationCheckAt = now
		d.Changed = true
		if now.Sub(group.LastRotationAt) >= group.RotationInterval {
			next := group.NextAfter(group.CurrentLeadID)
			if next != group.CurrentLeadID {
				d.Events = append(d.Events, types.LeadLagEvent{
					GroupID:     group.ID,
					EquipmentID: next,
					Kind:        types.EventRotation,
					Reason:      fmt.Sprintf("Scheduled rotation after %s", group.RotationInterval),
					At:          now,
				})
				group.CurrentLeadID = next
				group.LastRotationAt = now
			}
		}
	}

	d.IsLead = callerID == group.CurrentLeadID
	d.ShouldRun = d.IsLead
	if d.IsLead {
		d.Reason = "current lead"
	} else {
		d.Reason = fmt.Sprintf("lag unit, lead is %s", group.CurrentLeadID)
	}
	return d
}

// healthy applies the health predicate to the lead's latest sample.
// Missing telemetry is healthy: failing over on a transient reader outage
// would oscillate the group.
func healthy(sample *types.MetricSample, rules *types.HealthRules) bool {
	if sample == nil || len(sample.Fields) == 0 {
		return true
	}

	supplyMax := DefaultSupplyTempMax
	freezestatKey := "freezestat"
	statusKey := "status"
	if rules != nil {
		if rules.SupplyTempMax > 0 {
			supplyMax = rules.SupplyTempMax
		}
		if rules.FreezestatKey != "" {
			freezestatKey = rules.FreezestatKey
		}
		if rules.StatusKey != "" {
			statusKey = rules.StatusKey
		}
	}

	if sample.HasField(SupplyTempKeys...) {
		if sample.NumField(0, SupplyTempKeys...) > supplyMax {
			return false
		}
	}
	if sample.BoolField(false, freezestatKey) {
		return false
	}
	status := strings.ToLower(sample.StrField("", statusKey, "Status"))
	if strings.Contains(status, "fault") || strings.Contains(status, "error") {
		return false
	}
	return true
}
