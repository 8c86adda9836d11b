package runner

import (
	"context"
	"testing"
	"time"

	"github.com/openenergy/tariffsync/curtail"
	"github.com/openenergy/tariffsync/demand"
	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/spike"
	"github.com/openenergy/tariffsync/syncexec"
	"github.com/openenergy/tariffsync/syncstate"
	"github.com/openenergy/tariffsync/tariff"
)

func TestBuildJobs_TableMatchesSpec(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	clients := func(string) device.Controller { return nil }
	executor := syncexec.New(repo, clients, nil, nil, nil)
	coordinator := syncstate.New()
	curtailCtrl := curtail.New(repo, clients, nil)
	spikeCtrl := spike.New(repo, clients, nil, tariff.BuildPolicy{}, nil)
	demandCtrl := demand.New(repo, clients, nil)

	jobs := BuildJobs(repo, clients, executor, coordinator, curtailCtrl, spikeCtrl, demandCtrl, nil, func() (float64, bool) { return 0, false }, nil)

	want := map[string]struct {
		interval time.Duration
		offset   time.Duration
	}{
		"sync_tou":             {5 * time.Minute, time.Minute},
		"solar_curtailment":    {5 * time.Minute, time.Minute},
		"save_price_history":   {5 * time.Minute, time.Minute},
		"save_energy_usage":    {time.Minute, 0},
		"monitor_spike":        {time.Minute, 35 * time.Second},
		"demand_grid_charging": {time.Minute, 45 * time.Second},
	}

	if len(jobs) != len(want) {
		t.Fatalf("len(jobs) = %d, want %d", len(jobs), len(want))
	}
	for _, j := range jobs {
		spec, ok := want[j.Name]
		if !ok {
			t.Errorf("unexpected job %q", j.Name)
			continue
		}
		if j.Interval != spec.interval || j.Offset != spec.offset {
			t.Errorf("job %q: interval=%v offset=%v, want interval=%v offset=%v", j.Name, j.Interval, j.Offset, spec.interval, spec.offset)
		}
	}
}

func TestSyncTouJob_SkipsWhenPeriodAlreadyClaimed(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	repo.Put(&policy.UserPolicy{Email: "a@example.com", SiteID: "site-1", SyncEnabled: true})
	clients := func(string) device.Controller { return nil }
	executor := syncexec.New(repo, clients, nil, nil, nil)
	coordinator := syncstate.New()
	curtailCtrl := curtail.New(repo, clients, nil)
	spikeCtrl := spike.New(repo, clients, nil, tariff.BuildPolicy{}, nil)
	demandCtrl := demand.New(repo, clients, nil)

	jobs := BuildJobs(repo, clients, executor, coordinator, curtailCtrl, spikeCtrl, demandCtrl, nil, func() (float64, bool) { return 0, false }, nil)

	var syncTou Job
	for _, j := range jobs {
		if j.Name == "sync_tou" {
			syncTou = j
		}
	}
	if syncTou.Run == nil {
		t.Fatal("sync_tou job not found")
	}

	coordinator.ClaimPeriod(time.Now())
	// With no device registered, a real SyncAll would be a no-op anyway;
	// this only asserts Run does not panic or block when the period is
	// already claimed, matching the "fallback checks isPeriodClaimed
	// first" requirement.
	syncTou.Run(context.Background())
}
