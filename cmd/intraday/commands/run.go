package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis/intraday/internal/api"
	"github.com/wonny/aegis/intraday/internal/api/handlers"
	"github.com/wonny/aegis/intraday/internal/audit"
	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/events"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/external/kite"
	"github.com/wonny/aegis/intraday/internal/leader"
	"github.com/wonny/aegis/intraday/internal/marketdata"
	"github.com/wonny/aegis/intraday/internal/orchestrator"
	"github.com/wonny/aegis/intraday/internal/risk"
	"github.com/wonny/aegis/intraday/internal/scheduler"
	"github.com/wonny/aegis/intraday/internal/scheduler/jobs"
	"github.com/wonny/aegis/intraday/internal/signals"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/database"
	"github.com/wonny/aegis/intraday/pkg/logger"
	redisclient "github.com/wonny/aegis/intraday/pkg/redis"
)

const (
	// ticks older than this are not traded on
	priceTTL = 15 * time.Second

	shutdownTimeout = 30 * time.Second
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "실행 엔진 시작",
	Long: `실행 엔진을 시작합니다.

이 명령어는:
- 리더 리스 획득 (Redis, 미사용 시 단일 프로세스)
- 상태 복구 (미체결 주문, OCO 그룹, 보유 포지션)
- 스캔 루프, 주문 감시, 스케줄 작업 실행
- 제어 API 및 이벤트 스트림 제공

Example:
  go run ./cmd/intraday run
  go run ./cmd/intraday run --mode live
  go run ./cmd/intraday run --standby`,
	RunE: runEngine,
}

var (
	runStandby  bool
	runModeFlag string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runStandby, "standby", false, "리스가 점유 중이면 대기 (기본: 즉시 실패)")
	runCmd.Flags().StringVar(&runModeFlag, "mode", "", "paper | live (기본: TRADING_MODE)")
}

// signalInbox is what both the Postgres inbox and the in-memory queue offer
type signalInbox interface {
	orchestrator.SignalSource
	handlers.SignalInbox
}

// tradeStore is the trading repository plus the ledger reads for reports
type tradeStore interface {
	contracts.TradingRepository
	audit.TradeSource
}

func runEngine(cmd *cobra.Command, args []string) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runModeFlag != "" {
		if runModeFlag != config.ModePaper && runModeFlag != config.ModeLive {
			return fmt.Errorf("--mode must be paper or live")
		}
		cfg.Trading.Mode = runModeFlag
	}
	if runStandby {
		cfg.Trading.Standby = true
	}

	tcfg, err := tradeconfig.LoadOrDefault(cfg.Trading.ConfigPath)
	if err != nil {
		return fmt.Errorf("load trading config: %w", err)
	}
	fingerprint, err := tradeconfig.Hash(tcfg)
	if err != nil {
		return fmt.Errorf("hash trading config: %w", err)
	}

	// 2. Initialize logger
	log := logger.New(cfg)
	log.WithFields(map[string]interface{}{
		"instance_id": cfg.Trading.InstanceID,
		"mode":        cfg.Trading.Mode,
		"standby":     cfg.Trading.Standby,
		"config":      cfg.Trading.ConfigPath,
		"fingerprint": fingerprint[:12],
	}).Info("Initializing intraday engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Storage: Postgres when configured, in-memory for paper runs
	var (
		repo  tradeStore
		inbox signalInbox
		sinks []contracts.AuditSink
		atr   execution.ATRProvider
	)
	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		auditRepo := audit.NewRepository(db.Pool)
		repo = pgStore{execution.NewPGRepository(db.Pool), auditRepo}
		sinks = append(sinks, auditRepo)
		inbox = signals.NewRepository(db.Pool, log)
		atr = marketdata.NewATRProvider(marketdata.NewBarRepository(db.Pool))
		log.Info("Connected to database")
	} else {
		repo = execution.NewMemoryRepository()
		inbox = signals.NewQueue()
		log.Warn("DATABASE_URL not set, state is kept in memory")
	}

	// 4. Redis: leader lease and ticks
	rc, err := redisclient.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rc.Close()

	var lockStore leader.LockStore
	if rc.Enabled() {
		lockStore = redisclient.NewLease(rc, "intraday")
	} else {
		lockStore = leader.NewMemoryLockStore(nil)
		log.Warn("Redis disabled, leader lease is local to this process")
	}

	priceCache := marketdata.NewPriceCache(priceTTL, log)
	prices := marketdata.NewRedisTicks(rc, "ticks", priceCache, log)

	// 5. Execution core
	book := state.NewBook()
	bus := events.NewBus(log)
	defer bus.Close()

	paper := execution.NewPaperBroker()
	broker := kite.NewClient(cfg, log)

	engine := execution.NewEngine(execution.EngineConfigFrom(tcfg.Execution), book, repo,
		execution.NewThrottle(tcfg.Execution.MaxOrdersPerSecond, tcfg.Execution.MinSpacing()), fingerprint, log)
	engine.UseBrokers(paper, broker, broker)
	oco := execution.NewOCOManager(execution.OCOConfigFrom(tcfg.OCO), engine, book, repo, log)
	watcher := execution.NewWatcher(engine, book, repo, oco, nil, bus, tcfg.Orchestrator.WatcherInterval(), log)
	engine.Attach(oco, watcher)

	if cfg.IsLive() {
		if !broker.HasValidSession(ctx) {
			return fmt.Errorf("live mode: %w", execution.ErrNoBrokerSession)
		}
		engine.SetMode(execution.ModeLive)
	}

	account := orchestrator.NewRoutedAccount(engine.Mode,
		orchestrator.NewPaperAccount(cfg.Trading.PaperCapital, repo, book), broker)

	// 6. Orchestrator + leader election
	o := orchestrator.NewOrchestrator(tcfg, cfg.Trading.InstanceID, orchestrator.Components{
		Book:    book,
		Repo:    repo,
		Audit:   audit.NewLogSink(log, sinks...),
		Engine:  engine,
		OCO:     oco,
		Watcher: watcher,
		Exits:   execution.NewExitManager(execution.ExitConfigFrom(tcfg), log),
		Risk:    risk.NewManager(tcfg, log),
		Signals: inbox,
		Prices:  prices,
		ATR:     atr,
		Account: account,
	}, log)

	elector := leader.NewElector(leader.Config{
		Key:          cfg.Leader.Key,
		InstanceID:   cfg.Trading.InstanceID,
		TTL:          cfg.Leader.TTL,
		RefreshEvery: cfg.Leader.RefreshEvery,
		BackoffBase:  cfg.Leader.BackoffBase,
		BackoffMax:   cfg.Leader.BackoffMax,
	}, lockStore, o.LeaderHooks(), log)
	o.UseElector(elector)

	if err := o.Start(ctx, cfg.Trading.Standby); err != nil {
		if errors.Is(err, leader.ErrLeaseHeld) {
			return fmt.Errorf("another instance is leading; rerun with --standby to wait: %w", err)
		}
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// 7. Scheduled jobs
	loc := tcfg.Meta.Location()
	sched := scheduler.New(log, loc).WithRetry(2, 10*time.Second)
	analyzer := audit.NewAnalyzer(repo, log)
	for _, job := range []scheduler.Job{
		jobs.NewDayStartJob(o, tcfg.Orchestrator.DayStartCron, log),
		jobs.NewSquareOffJob(o, tcfg.Orchestrator.EODSquareOffCron, log),
		jobs.NewTickSweepJob(priceCache, book, log),
		jobs.NewDailyReportJob(analyzer, loc, log),
	} {
		if err := sched.AddJob(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name(), err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// 8. Control API
	control := handlers.NewControlHandler(o, book, inbox, analyzer, sched, loc, log)
	server := api.New(cfg, log, api.NewRouter(control, handlers.NewEventsHandler(bus, log), log))
	serveErr, err := server.Start()
	if err != nil {
		elector.Release(context.Background())
		return err
	}
	go func() {
		if err := <-serveErr; err != nil {
			log.WithError(err).Error("API server stopped")
			stop()
		}
	}()

	fmt.Printf("\n✅ Engine running (%s, instance %s), control API on %s\n", engine.Mode(), cfg.Trading.InstanceID, server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	// 9. Run until interrupted
	if err := o.Run(ctx); err != nil {
		log.WithError(err).Error("Orchestrator exited with error")
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	bus.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown failed")
	}
	elector.Release(shutdownCtx)

	log.Info("Engine stopped")
	return nil
}

// pgStore serves trading state from the execution tables and ledger reads
// from the audit repository
type pgStore struct {
	*execution.PGRepository
	ledger *audit.Repository
}

func (s pgStore) TradesBetween(ctx context.Context, from, to time.Time) ([]*contracts.TradeRecord, error) {
	return s.ledger.TradesBetween(ctx, from, to)
}
