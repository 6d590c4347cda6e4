// Package rollup implements the hourly, daily, and monthly usage-rollup
// engine. The hourly pass is the workhorse; daily rolls sum the hourly rows
// and monthly rolls sum the daily rows, over wall-clock calendar windows that honor local
// DST rules, in place of the teacher lineage's stored-procedure calls.
package rollup

import (
	"time"

	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/model"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Seconds() int64 { return int64(w.End.Sub(w.Start).Seconds()) }

// clip intersects [start,end) with the window, returning ok=false if the
// intervals don't overlap.
func (w Window) clip(start, end time.Time) (time.Duration, bool) {
	s, e := start, end
	if s.Before(w.Start) {
		s = w.Start
	}
	if e.After(w.End) {
		e = w.End
	}
	if !e.After(s) {
		return 0, false
	}
	return e.Sub(s), true
}

// NodeEvent is one node-event row: a registration (NodeName == "") or a
// down-node interval.
type NodeEvent struct {
	NodeName string
	Start    time.Time
	End      time.Time
	CPUs     int
	Maint    bool
}

// Reservation is one reservation row overlapping the window.
type Reservation struct {
	Name         string
	Start        time.Time
	End          time.Time
	CPUs         int
	Maint        bool
	Associations []string
}

// JobWindowInput is one job's contribution to the hourly scan.
type JobWindowInput struct {
	JobID            uint32
	Eligible         time.Time
	Start            time.Time
	End              time.Time
	AllocCPUs        int
	AssociationID    string
	WCKey            string
	ReservationName  string
	SuspendedSeconds func(w Window) int64
}

// HourlyInput bundles everything one hourly pass needs.
type HourlyInput struct {
	Window       Window
	Events       []NodeEvent
	Reservations []Reservation
	Jobs         []JobWindowInput
	TrackWCKey   bool
}

// HourlyOutput is the cluster row plus the per-scope allocated deltas the
// caller persists as their own UsageRecord rows.
type HourlyOutput struct {
	Cluster      model.UsageRecord
	Associations map[string]int64
	WCKeys       map[string]int64
}

// Hourly runs the six-step algorithm for one [start, start+hour) window.
func Hourly(in HourlyInput) HourlyOutput {
	cluster := model.UsageRecord{Scope: model.ScopeCluster, Period: model.PeriodHour, PeriodStart: in.Window.Start}
	assocAlloc := map[string]int64{}
	wckeyAlloc := map[string]int64{}

	// 1. Event scan.
	liveCPUs := 0
	for _, ev := range in.Events {
		if ev.Maint {
			continue
		}
		clipped, ok := in.Window.clip(ev.Start, ev.End)
		if !ok {
			continue
		}
		secs := int64(clipped.Seconds())
		if ev.NodeName == "" {
			liveCPUs = ev.CPUs
			continue
		}
		cluster.Down += secs * int64(ev.CPUs)
	}
	cluster.TotalTime = in.Window.Seconds() * int64(liveCPUs)

	// 2. Reservation scan.
	resPool := map[string]int64{}
	resUsed := map[string]int64{}
	resAssociations := map[string][]string{}
	for _, r := range in.Reservations {
		clipped, ok := in.Window.clip(r.Start, r.End)
		if !ok {
			continue
		}
		secs := int64(clipped.Seconds()) * int64(r.CPUs)
		if r.Maint {
			cluster.PlannedDown += secs
		} else {
			cluster.Allocated += secs
		}
		resPool[r.Name] = secs
		resAssociations[r.Name] = r.Associations
	}

	// 3. Job scan.
	for _, j := range in.Jobs {
		runClipped, runOk := in.Window.clip(j.Start, j.End)
		var allocSecs int64
		if runOk {
			allocSecs = int64(runClipped.Seconds())
			if j.SuspendedSeconds != nil {
				allocSecs -= j.SuspendedSeconds(in.Window)
				if allocSecs < 0 {
					allocSecs = 0
				}
			}
		}
		chargeSecs := allocSecs * int64(j.AllocCPUs)

		if j.ReservationName != "" {
			resUsed[j.ReservationName] += chargeSecs
		} else {
			cluster.Allocated += chargeSecs
		}
		if j.AssociationID != "" {
			assocAlloc[j.AssociationID] += chargeSecs
		}
		if in.TrackWCKey && j.WCKey != "" {
			wckeyAlloc[j.WCKey] += chargeSecs
		}

		if waitClipped, ok := in.Window.clip(j.Eligible, j.Start); ok {
			cluster.Reserved += int64(waitClipped.Seconds()) * int64(j.AllocCPUs)
		}
	}

	// 4. Reservation idle redistribution.
	for name, pool := range resPool {
		remaining := pool - resUsed[name]
		assocs := resAssociations[name]
		if remaining <= 0 || len(assocs) == 0 {
			continue
		}
		share := remaining / int64(len(assocs))
		for _, a := range assocs {
			assocAlloc[a] += share
		}
	}

	// 5. Sanity pass.
	reconcile(&cluster)

	return HourlyOutput{Cluster: cluster, Associations: assocAlloc, WCKeys: wckeyAlloc}
}

// reconcile clamps allocated to total_time, recomputes idle, and pushes any
// residual deficit into over_cpu_seconds and finally reserved, logging each
// adjustment it makes.
func reconcile(c *model.UsageRecord) {
	logger := log.WithComponent("rollup")
	if c.Allocated > c.TotalTime {
		logger.Warn().Int64("allocated", c.Allocated).Int64("total_time", c.TotalTime).
			Msg("clamping allocated to total_time")
		c.Allocated = c.TotalTime
	}

	idle := c.TotalTime - (c.Allocated + c.Down + c.PlannedDown) - c.Reserved
	if idle >= 0 {
		c.Idle = idle
		return
	}

	c.Over = -idle
	c.Idle = 0
	logger.Warn().Int64("over", c.Over).Msg("reconciliation pushed deficit into over_cpu_seconds")

	base := c.TotalTime - (c.Allocated + c.Down + c.PlannedDown)
	if base < 0 {
		c.Reserved += base
		if c.Reserved < 0 {
			c.Reserved = 0
		}
		logger.Warn().Int64("reserved", c.Reserved).Msg("reconciliation drew down reserved_cpu_seconds")
	}
}

// DayWindow returns the calendar-day window containing t, in t's location,
// honoring local DST transitions (a day may be 23 or 25 hours long around a
// spring-forward/fall-back boundary).
func DayWindow(t time.Time) Window {
	loc := t.Location()
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return Window{Start: start, End: end}
}

// MonthWindow returns the calendar-month window containing t, in t's
// location.
func MonthWindow(t time.Time) Window {
	loc := t.Location()
	y, m, _ := t.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0)
	return Window{Start: start, End: end}
}

// SumHourly aggregates a set of usage rows of any scope (hourly rows for a
// daily roll, daily rows for a monthly roll) into one row covering
// window, replacing the stored-procedure calls (assoc_daily_rollup,
// cluster_daily_rollup, wckey_daily_rollup, and their monthly equivalents)
// with plain summation over the rows whose PeriodStart falls in window.
func SumHourly(window Window, period model.UsagePeriod, scope model.UsageScope, scopeKey string, rows []model.UsageRecord) model.UsageRecord {
	out := model.UsageRecord{Scope: scope, Period: period, ScopeKey: scopeKey, PeriodStart: window.Start}
	for _, r := range rows {
		if r.PeriodStart.Before(window.Start) || !r.PeriodStart.Before(window.End) {
			continue
		}
		out.TotalTime += r.TotalTime
		out.Allocated += r.Allocated
		out.Down += r.Down
		out.PlannedDown += r.PlannedDown
		out.Idle += r.Idle
		out.Over += r.Over
		out.Reserved += r.Reserved
	}
	return out
}
