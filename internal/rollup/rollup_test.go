package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/warrenctld/internal/model"
)

// Scenario 4: cluster C, 10 CPUs, window [10:00,11:00). Registration event
// at 10:00 with 10 CPUs. Node down [10:15,10:45). One job [10:00,11:00)
// using 4 CPUs. No reservations.
func TestHourlyScenario4(t *testing.T) {
	loc := time.UTC
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)
	window := Window{Start: base, End: base.Add(time.Hour)}

	out := Hourly(HourlyInput{
		Window: window,
		Events: []NodeEvent{
			{NodeName: "", Start: base, End: base.Add(time.Hour), CPUs: 10},
			{NodeName: "node5", Start: base.Add(15 * time.Minute), End: base.Add(45 * time.Minute), CPUs: 1},
		},
		Jobs: []JobWindowInput{
			{
				JobID:         1,
				Eligible:      base,
				Start:         base,
				End:           base.Add(time.Hour),
				AllocCPUs:     4,
				AssociationID: "acct1",
			},
		},
	})

	assert.Equal(t, int64(36000), out.Cluster.TotalTime)
	assert.Equal(t, int64(14400), out.Cluster.Allocated)
	assert.Equal(t, int64(1800), out.Cluster.Down)
	assert.Equal(t, int64(19800), out.Cluster.Idle)
	assert.Equal(t, int64(0), out.Cluster.PlannedDown)
	assert.Equal(t, int64(0), out.Cluster.Reserved)
	assert.Equal(t, int64(0), out.Cluster.Over)
	assert.Equal(t, int64(14400), out.Associations["acct1"])
}

func TestHourlyReservationMaintCountsAsPlannedDown(t *testing.T) {
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	window := Window{Start: base, End: base.Add(time.Hour)}

	out := Hourly(HourlyInput{
		Window: window,
		Events: []NodeEvent{
			{NodeName: "", Start: base, End: base.Add(time.Hour), CPUs: 10},
		},
		Reservations: []Reservation{
			{Name: "maint1", Start: base, End: base.Add(30 * time.Minute), CPUs: 2, Maint: true},
		},
	})

	assert.Equal(t, int64(3600), out.Cluster.PlannedDown) // 1800s * 2 cpus
	assert.Equal(t, int64(0), out.Cluster.Allocated)
}

func TestHourlyReservationIdleRedistributesAcrossAssociations(t *testing.T) {
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	window := Window{Start: base, End: base.Add(time.Hour)}

	out := Hourly(HourlyInput{
		Window: window,
		Events: []NodeEvent{
			{NodeName: "", Start: base, End: base.Add(time.Hour), CPUs: 10},
		},
		Reservations: []Reservation{
			{Name: "res1", Start: base, End: base.Add(time.Hour), CPUs: 2, Associations: []string{"a", "b"}},
		},
		Jobs: []JobWindowInput{
			{JobID: 1, Eligible: base, Start: base, End: base.Add(30 * time.Minute), AllocCPUs: 2,
				AssociationID: "a", ReservationName: "res1"},
		},
	})

	// reservation pool = 3600*2 = 7200; job used 1800*2=3600 against it;
	// remaining 3600 split across 2 associations = 1800 each.
	assert.Equal(t, int64(7200), out.Cluster.Allocated)
	assert.Equal(t, int64(3600+1800), out.Associations["a"])
	assert.Equal(t, int64(1800), out.Associations["b"])
}

func TestReconcileClampsAllocatedToTotalTime(t *testing.T) {
	c := model.UsageRecord{TotalTime: 1000, Allocated: 1500}
	reconcile(&c)
	assert.Equal(t, int64(1000), c.Allocated)
	assert.Equal(t, int64(0), c.Idle)
}

func TestDayWindowSpansDSTSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2026-03-08 is a spring-forward day in America/New_York.
	t0 := time.Date(2026, 3, 8, 6, 0, 0, 0, loc)
	w := DayWindow(t0)
	assert.Equal(t, 23*time.Hour, w.End.Sub(w.Start))
}

func TestSumHourlyAggregatesWithinWindow(t *testing.T) {
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	day := DayWindow(base)
	rows := []model.UsageRecord{
		{PeriodStart: base.Add(10 * time.Hour), TotalTime: 36000, Allocated: 14400, Idle: 19800, Down: 1800},
		{PeriodStart: base.Add(11 * time.Hour), TotalTime: 36000, Allocated: 0, Idle: 36000},
		{PeriodStart: base.Add(25 * time.Hour), TotalTime: 36000, Allocated: 36000}, // next day, excluded
	}
	out := SumHourly(day, model.PeriodDay, model.ScopeCluster, "", rows)
	assert.Equal(t, int64(72000), out.TotalTime)
	assert.Equal(t, int64(14400), out.Allocated)
	assert.Equal(t, int64(55800), out.Idle)
}
