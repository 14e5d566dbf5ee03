package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/activity"
	"github.com/whotracksme/webextension-packages-sub000/internal/alive"
	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/common"
	"github.com/whotracksme/webextension-packages-sub000/internal/country"
	"github.com/whotracksme/webextension-packages-sub000/internal/htmlextract"
	"github.com/whotracksme/webextension-packages-sub000/internal/httpclient"
	"github.com/whotracksme/webextension-packages-sub000/internal/jobqueue"
	"github.com/whotracksme/webextension-packages-sub000/internal/maintenance"
	"github.com/whotracksme/webextension-packages-sub000/internal/pagepipeline"
	"github.com/whotracksme/webextension-packages-sub000/internal/pipeline"
	"github.com/whotracksme/webextension-packages-sub000/internal/quorum"
	"github.com/whotracksme/webextension-packages-sub000/internal/sender"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage/badger"
	"github.com/whotracksme/webextension-packages-sub000/internal/tokentelemetry"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

var (
	configFile  = flag.String("config", "", "Configuration file path (TOML)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion {
		fmt.Printf("telemetry-client version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER, mirrors the teacher's cmd/quaero):
	// 1. load config, 2. init logger, 3. print banner, 4. wire services.
	config, err := common.LoadFromFile(*configFile)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Str("path", *configFile).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	common.InstallCrashHandler("./logs")
	common.PrintBanner(config, logger)

	app, err := newApplication(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer app.Close()

	app.Start()
	logger.Info().Msg("telemetry client running - press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")
	common.PrintShutdownBanner(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Shutdown(ctx)

	logger.Info().Msg("telemetry client stopped")
	common.Stop()
}

// application owns every long-lived collaborator and the goroutines that
// drive them. Kept out of main() itself (see internal/pipeline's DESIGN.md
// entry) so construction can be exercised without a process.
type application struct {
	config *common.Config
	logger arbor.ILogger

	storage *badger.Manager
	maint   *maintenance.Scheduler
	pipe    *pipeline.Pipeline

	jobs       *jobqueue.Scheduler
	tokens     *tokentelemetry.TokenPipeline
	keys       *tokentelemetry.KeyPipeline
	blocklist  *tokentelemetry.BlockList
	keyCache   *tokentelemetry.SafeKeyCache
	sender     *sender.Sender
	quorumClt  *quorum.Client
	countryPvd *country.Provider
	cdnUpdater *tokentelemetry.CDNUpdater
	aliveChk   *alive.Checker

	runCancel context.CancelFunc
}

func newApplication(config *common.Config, logger arbor.ILogger) (*application, error) {
	storageMgr, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := storageMgr.KeyValueStorage()
	ctx := context.Background()

	tr := transport.NewHTTPTransport(logger)

	jobs := jobqueue.New(store, logger)
	if err := jobs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load job queue: %w", err)
	}

	quorumClt := quorum.New(store, tr, logger, config.Quorum.BaseURL)

	allowList := make(map[string]bool, len(config.Country.AllowList))
	for _, code := range config.Country.AllowList {
		allowList[code] = true
	}
	countryPvd := country.NewProvider(store, tr, logger, config.Country.ConfigURL, allowList)
	if err := countryPvd.Load(ctx); err != nil {
		return nil, fmt.Errorf("load country provider: %w", err)
	}

	whitelist := tokentelemetry.NewQSWhitelist()
	cdnUpdater := tokentelemetry.NewCDNUpdater(tr, logger, config.Whitelist.CDNBaseURL, whitelist)

	keyCache, err := tokentelemetry.NewSafeKeyCache(1 << 20)
	if err != nil {
		return nil, fmt.Errorf("create safe key cache: %w", err)
	}
	cachedWhitelist := tokentelemetry.NewCachedWhitelist(whitelist, keyCache)

	tokens := tokentelemetry.NewTokenPipeline(store, logger)
	keys := tokentelemetry.NewKeyPipeline(store, logger)
	blocklist := tokentelemetry.NewBlockList(store, logger)
	if err := blocklist.Load(ctx); err != nil {
		return nil, fmt.Errorf("load block list: %w", err)
	}
	extractor := tokentelemetry.NewExtractor(cachedWhitelist, blocklist)

	act := activity.New()
	if err := act.Restore(ctx, store); err != nil {
		logger.Warn().Err(err).Msg("failed to restore activity estimator state")
	}

	newPageApprover, err := approver.NewNewPageApprover(store, logger)
	if err != nil {
		return nil, fmt.Errorf("create new-page approver: %w", err)
	}
	fetcher := pagepipeline.NewFetcher(httpclient.NewAnonymousHTTPClient(httpclient.DefaultTimeout))
	structureExtractor := htmlextract.NewGoqueryExtractor()
	doublefetch := pagepipeline.NewDoublefetchHandler(fetcher, structureExtractor, newPageApprover, logger)
	quorumCheck := pagepipeline.NewQuorumCheckHandler(quorumClt, countryPvd, "wtm.telemetry", logger)

	snd := sender.New(store, tr, logger)
	aliveChk := alive.New(tr, logger)

	// pipe.Run expects an events.Source, the out-of-scope browser tab/
	// request observation adapter (internal/events) this binary has no
	// concrete implementation of; a host embedding this module calls
	// pipe.Run itself once it has one. RegisterHandlers and the
	// DrainTick ticker below don't need a Source.
	pipe := pipeline.New(jobs, extractor, tokens, keys, blocklist, act, logger)
	if err := pipe.RegisterHandlers(doublefetch, quorumCheck, snd); err != nil {
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	return &application{
		config:     config,
		logger:     logger,
		storage:    storageMgr,
		maint:      maintenance.New(logger),
		pipe:       pipe,
		jobs:       jobs,
		tokens:     tokens,
		keys:       keys,
		blocklist:  blocklist,
		keyCache:   keyCache,
		sender:     snd,
		quorumClt:  quorumClt,
		countryPvd: countryPvd,
		cdnUpdater: cdnUpdater,
		aliveChk:   aliveChk,
	}, nil
}

// Start registers the job-queue poll ticker, the token/key buffer-drain and
// send-cycle tickers, and the cron-scheduled slow-refresh cycle, then
// starts the maintenance scheduler.
func (a *application) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.runCancel = cancel

	sched := a.config.Scheduler
	pollInterval := common.ParseDurationOr(sched.PollInterval, time.Second)
	sendInterval := common.ParseDurationOr(sched.SendBatchInterval, 30*time.Second)
	bufferInterval := common.ParseDurationOr(sched.TokenBatchInterval, tokentelemetry.TokenBufferTime)

	a.maint.AddTicker("jobqueue-drain", pollInterval, func() {
		if err := a.jobs.ProcessPendingJobs(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("job queue drain failed")
		}
	})
	a.maint.AddTicker("token-buffer-drain", bufferInterval, func() {
		a.pipe.DrainTick()
	})
	a.maint.AddTicker("token-send", sendInterval, func() {
		if err := a.tokens.SendCycle(ctx, a.emitMessage()); err != nil {
			a.logger.Warn().Err(err).Msg("token send cycle failed")
		}
		if err := a.keys.SendCycle(ctx, a.emitMessage()); err != nil {
			a.logger.Warn().Err(err).Msg("key send cycle failed")
		}
	})
	// alive.Checker.Ping self-limits to once per rolling hour (spec 4.11);
	// ticking well inside that window just means the heartbeat goes out
	// promptly once the window elapses rather than waiting a full tick.
	a.maint.AddTicker("alive-ping", 15*time.Minute, func() {
		a.aliveChk.Ping(ctx)
	})

	steps := []maintenance.MaintenanceCycle{
		{Name: "quorum-refresh", Run: func(ctx context.Context) error { return a.quorumClt.UpdateQuorumConfig(ctx, false) }},
		{Name: "country-refresh", Run: func(ctx context.Context) error { return a.countryPvd.RefreshIfDue(ctx) }},
		{Name: "whitelist-refresh", Run: func(ctx context.Context) error { return a.cdnUpdater.Refresh(ctx) }},
		{Name: "token-clean", Run: func(ctx context.Context) error { return a.tokens.CleanCycle(ctx) }},
		{Name: "key-clean", Run: func(ctx context.Context) error { return a.keys.CleanCycle(ctx) }},
		{Name: "blocklist-prune", Run: func(ctx context.Context) error { return a.blocklist.Prune(ctx) }},
	}
	schedule := sched.MaintenanceSchedule
	if err := common.ValidateMaintenanceSchedule(schedule); err != nil {
		a.logger.Warn().Err(err).Str("schedule", schedule).Msg("invalid maintenance schedule, falling back to default")
		schedule = common.NewDefaultConfig().Scheduler.MaintenanceSchedule
	}
	if err := a.maint.RegisterMaintenanceCycle(ctx, schedule, steps...); err != nil {
		a.logger.Error().Err(err).Msg("failed to register maintenance cycle")
	}

	a.maint.Start()
}

// emitMessage returns the emit callback the token/key pipelines' SendCycle
// needs: enqueue a send-message job rather than calling the sender
// directly, so outbound sends go through the same scheduler retry/backoff
// path as every other follow-up job (spec 4.1/4.9).
func (a *application) emitMessage() func(types.Message) error {
	return func(msg types.Message) error {
		args, err := encodeMessage(msg)
		if err != nil {
			return fmt.Errorf("encode outbound message: %w", err)
		}
		_, err = a.jobs.RegisterJob(sender.JobType, args)
		return err
	}
}

// Shutdown cancels the run context, stops every background goroutine, runs
// one last job-queue drain, and closes the safe-key cache.
func (a *application) Shutdown(ctx context.Context) {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.maint.Stop()
	if err := a.jobs.ProcessPendingJobs(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("final job queue drain failed")
	}
	a.keyCache.Close()
}

func encodeMessage(msg types.Message) (map[string]any, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *application) Close() {
	if err := a.storage.Close(); err != nil {
		a.logger.Error().Err(err).Msg("error closing storage")
	}
}
