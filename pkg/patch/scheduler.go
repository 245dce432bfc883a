package patch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fixed check lists attached to every plan.
var (
	planPreChecks  = []string{"disk_space", "service_health"}
	planPostChecks = []string{"reboot_state", "service_health", "patch_rescan"}
	planRollback   = []string{"package_rollback", "restore_point"}
)

// OrderPatches returns patches sorted for execution: severity first
// (critical < high < medium < low < unknown), then release date ascending,
// then patch_id for a deterministic total order.
func OrderPatches(patches []PatchMetadata) []PatchMetadata {
	out := make([]PatchMetadata, len(patches))
	copy(out, patches)
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := severityRank[out[i].Severity]
		if !ok {
			ri = severityRank["unknown"]
		}
		rj, ok := severityRank[out[j].Severity]
		if !ok {
			rj = severityRank["unknown"]
		}
		if ri != rj {
			return ri < rj
		}
		if !out[i].ReleaseDate.Equal(out[j].ReleaseDate) {
			return out[i].ReleaseDate.Before(out[j].ReleaseDate)
		}
		return out[i].PatchID < out[j].PatchID
	})
	return out
}

// NextMaintenanceWindow finds the earliest upcoming window start within the
// next 14 days. Each window is scanned in its own timezone; a same-day start
// qualifies only if it has not already passed. The earliest start across all
// windows is returned in now's location. ok is false when no window opens
// within the scan range.
func NextMaintenanceWindow(windows []MaintenanceWindow, now time.Time) (next time.Time, ok bool) {
	var best time.Time
	for _, w := range windows {
		candidate, found := nextWindowStart(w, now)
		if !found {
			continue
		}
		if !ok || candidate.Before(best) {
			best = candidate
			ok = true
		}
	}
	if !ok {
		return time.Time{}, false
	}
	return best.In(now.Location()), true
}

func nextWindowStart(w MaintenanceWindow, now time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	hour, minute, err := parseClock(w.StartTime)
	if err != nil {
		return time.Time{}, false
	}
	days := make(map[int]bool, len(w.DaysOfWeek))
	for _, d := range w.DaysOfWeek {
		days[d] = true
	}

	local := now.In(loc)
	for offset := 0; offset < 14; offset++ {
		day := local.AddDate(0, 0, offset)
		// Monday=0 .. Sunday=6.
		if !days[(int(day.Weekday())+6)%7] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if candidate.Before(local) {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// buildPlan assembles an ExecutionPlan from an eligibility result. The
// schedule is populated only for maintenance_window reboot rules.
func buildPlan(planID string, detection *Detection, policy *PatchPolicy, eligibility EligibilityResult, now time.Time) *ExecutionPlan {
	ordered := OrderPatches(eligibility.Allowed)
	order := make([]string, len(ordered))
	for i, p := range ordered {
		order[i] = p.PatchID
	}

	plan := &ExecutionPlan{
		PlanID:         planID,
		TenantID:       detection.TenantID,
		AssetID:        detection.AssetID,
		PolicyID:       policy.PolicyID,
		DetectionID:    detection.DetectionID,
		ExecutionOrder: order,
		Eligibility:    eligibility.Decisions,
		PreChecks:      append([]string(nil), planPreChecks...),
		PostChecks:     append([]string(nil), planPostChecks...),
		RollbackPlan:   append([]string(nil), planRollback...),
		RebootRule:     policy.RebootRule,
		Status:         PlanPlanned,
		CreatedAt:      now.UTC(),
	}
	if policy.RebootRule == RebootMaintenanceWindow {
		if next, ok := NextMaintenanceWindow(policy.MaintenanceWindows, now); ok {
			plan.ScheduledFor = &next
		}
	}
	return plan
}
