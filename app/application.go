// Package app wires every component into one running process, replacing
// the original's global Flask app plus module-level singletons (spec.md
// §9) with a typed Application struct. Construction order and the
// Start/Stop lifecycle are grounded on scheduler.MinerScheduler and
// scheduler.NewMinerSchedulerWithHealthCheck in main.go.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openenergy/tariffsync/config"
	"github.com/openenergy/tariffsync/curtail"
	"github.com/openenergy/tariffsync/demand"
	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/diag"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/priceapi"
	"github.com/openenergy/tariffsync/runner"
	"github.com/openenergy/tariffsync/singleton"
	"github.com/openenergy/tariffsync/spike"
	"github.com/openenergy/tariffsync/syncexec"
	"github.com/openenergy/tariffsync/syncstate"
	"github.com/openenergy/tariffsync/tariff"
	"github.com/openenergy/tariffsync/wholesale"
)

// Application is the one long-lived object a process builds: every
// component below shares it, instead of reaching for package-level
// globals the way the original Flask app did.
type Application struct {
	cfg    *config.Config
	logger *log.Logger

	repo    policy.Repository
	history policy.HistorySink

	clientsMu sync.RWMutex
	clients   map[string]device.Controller

	pull *priceapi.PullClient
	push *priceapi.PushClient // nil when push is disabled

	wholesaleClient *wholesale.Client
	syncCoordinator *syncstate.Coordinator

	executor    *syncexec.Executor
	curtailCtrl *curtail.Controller
	spikeCtrl   *spike.Controller
	demandCtrl  *demand.Controller
	scheduler   *runner.Scheduler
	diagServer  *diag.Server

	schedulerLock *singleton.Lock
	websocketLock *singleton.Lock
}

// New builds an Application from cfg. It wires every component but does
// not start any background work; call Start for that.
func New(cfg *config.Config, repo policy.Repository, history policy.HistorySink, logger *log.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	if history == nil {
		history = policy.NoopSink{}
	}

	a := &Application{
		cfg:     cfg,
		logger:  logger,
		repo:    repo,
		history: history,
		clients: make(map[string]device.Controller),
	}

	a.pull = priceapi.NewPullClient(cfg.PullBaseURL, cfg.PullToken)
	if cfg.PushEnabled {
		a.push = priceapi.NewPushClient(cfg.PushURL, cfg.PushToken, "", a.onPushUpdate, logger)
	}

	if cfg.AEMOSummaryURL != "" || cfg.AEMOPredispatchURL != "" {
		a.wholesaleClient = wholesale.NewClientWithURLs(cfg.AEMOSummaryURL, cfg.AEMOPredispatchURL)
	} else {
		a.wholesaleClient = wholesale.NewClient()
	}
	a.syncCoordinator = syncstate.New()

	a.executor = syncexec.New(a.repo, a.deviceFor, a.pull, a.push, logger)
	a.curtailCtrl = curtail.New(a.repo, a.deviceFor, logger)
	a.spikeCtrl = spike.New(a.repo, a.deviceFor, a.wholesaleClient, tariff.BuildPolicy{}, logger)
	a.demandCtrl = demand.New(a.repo, a.deviceFor, logger)

	jobs := runner.BuildJobs(a.repo, a.deviceFor, a.executor, a.syncCoordinator, a.curtailCtrl, a.spikeCtrl, a.demandCtrl, a.history, a.currentFeedInCents, logger)
	a.scheduler = runner.New(jobs, logger)

	a.diagServer = diag.New(a.repo, cfg.Latitude, cfg.Longitude, cfg.HealthCheckPort)

	a.schedulerLock = singleton.New(cfg.InstanceDir, singleton.SchedulerLockName)
	a.websocketLock = singleton.New(cfg.InstanceDir, singleton.WebsocketLockName)

	return a, nil
}

// RegisterDeviceClient associates a site with the controller that should
// be used to operate it. Call this for every site the process knows
// about before Start.
func (a *Application) RegisterDeviceClient(siteID string, ctrl device.Controller) {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	a.clients[siteID] = ctrl
}

func (a *Application) deviceFor(siteID string) device.Controller {
	a.clientsMu.RLock()
	defer a.clientsMu.RUnlock()
	return a.clients[siteID]
}

// onPushUpdate is the websocket callback (C1): it feeds the sync
// coordinator and immediately fans out to curtailment, mirroring the
// original's event-driven "WebSocket price arrival triggers immediate
// sync" design (app/__init__.py's websocket_sync_callback).
func (a *Application) onPushUpdate(general, feedIn priceapi.PriceInterval) {
	a.syncCoordinator.NotifyPushUpdate(syncstate.PushPayload{General: general, FeedIn: feedIn})
	if a.syncCoordinator.ClaimPeriod(time.Now()) {
		a.executor.SyncAll(context.Background())
	}
	a.curtailCtrl.EvaluateAll(context.Background(), feedIn.PerKwh)
}

// currentFeedInCents resolves the feed-in price the cron fallback and
// price-history job use, preferring the push cache and falling back to
// a pull-client lookup would require a siteID; with no live site to poll
// generically, an absent push cache simply reports ok=false and the
// caller skips that tick (spec.md §4.9's documented fallback behavior).
func (a *Application) currentFeedInCents() (float64, bool) {
	if a.push == nil {
		return 0, false
	}
	_, feedIn, ok := a.push.GetLatestPrices(60 * time.Second)
	if !ok {
		return 0, false
	}
	return feedIn.PerKwh, true
}

// Start acquires the two singleton locks (spec.md §5/§9) and, for each
// one this process wins, starts the corresponding subsystem. Losing a
// lock is not an error: another worker process already owns that role.
func (a *Application) Start(ctx context.Context) error {
	gotScheduler, err := a.schedulerLock.TryAcquire()
	if err != nil {
		return fmt.Errorf("app: scheduler lock: %w", err)
	}
	if gotScheduler {
		a.logger.Printf("app: acquired scheduler lock, starting scheduler")
		go a.scheduler.Start(ctx)
	} else {
		a.logger.Printf("app: another worker holds the scheduler lock, skipping")
	}

	if a.push != nil {
		gotWebsocket, err := a.websocketLock.TryAcquire()
		if err != nil {
			return fmt.Errorf("app: websocket lock: %w", err)
		}
		if gotWebsocket {
			a.logger.Printf("app: acquired websocket lock, starting push client")
			go a.push.Run(ctx)
		} else {
			a.logger.Printf("app: another worker holds the websocket lock, skipping")
		}
	}

	if err := a.diagServer.Start(); err != nil {
		return fmt.Errorf("app: diag server: %w", err)
	}

	return nil
}

// Stop releases whatever this process holds and shuts down cleanly.
func (a *Application) Stop(ctx context.Context) {
	a.scheduler.Stop()
	if a.push != nil {
		a.push.Stop()
	}
	if err := a.diagServer.Stop(ctx); err != nil {
		a.logger.Printf("app: diag server shutdown error: %v", err)
	}
	if err := a.schedulerLock.Release(); err != nil {
		a.logger.Printf("app: release scheduler lock: %v", err)
	}
	if err := a.websocketLock.Release(); err != nil {
		a.logger.Printf("app: release websocket lock: %v", err)
	}
	if err := a.history.Close(); err != nil {
		a.logger.Printf("app: close history sink: %v", err)
	}
}
