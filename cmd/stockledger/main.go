package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/stockcount"
	"github.com/odyssey-erp/stockledger/internal/transfer"
	"github.com/odyssey-erp/stockledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "migrate":
		err = db.Migrate(ctx, cfg.PGDSN)
		if err == nil {
			logger.Info("migrations applied")
		}
	case "ledger-check":
		os.Exit(ledgerCheck(ctx, cfg, logger, args))
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	default:
		err = fmt.Errorf("unknown command %q (serve, migrate, ledger-check, jobs)", cmd)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer services.Close()

	var jobHandler *jobs.Handler
	if services.Redis != nil {
		inspector := asynq.NewInspector(cfg.AsynqRedis())
		defer func() { _ = inspector.Close() }()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, services.Ledger),
		TransferHandler:  transfer.NewHandler(logger, services.Transfers),
		CountHandler:     stockcount.NewHandler(logger, services.Counts),
		JobHandler:       jobHandler,
		Metrics:          metrics,
		HealthChecks:     services.HealthChecks(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreDriver),
			slog.String("lock", cfg.LockDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func ledgerCheck(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("ledger-check", flag.ContinueOnError)
	var key inventory.BalanceKey
	fs.Int64Var(&key.CompanyID, "company-id", 0, "Required: company id")
	fs.Int64Var(&key.WarehouseID, "warehouse-id", 0, "Required: warehouse id")
	fs.Int64Var(&key.LocationID, "location-id", 0, "Optional: location id")
	fs.Int64Var(&key.ItemID, "item-id", 0, "Required: item id")
	fs.Int64Var(&key.LotID, "lot-id", 0, "Optional: lot id")
	repair := fs.Bool("repair", false, "Rewrite the balance from history when it drifted")
	jsonOut := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	services, err := app.BuildServices(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("ledger-check", slog.Any("error", err))
		return 1
	}
	defer services.Close()

	return cli.NewLedgerCLI(services.Ledger.Reconciler()).CheckCommand(ctx, cli.LedgerCheckOptions{
		Key:        key,
		Repair:     *repair,
		JSONOutput: *jsonOut,
	})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	trigger := fs.String("trigger", "", "Enqueue a job by task type (inventory:reconcile, idempotency:cleanup)")
	companyID := fs.Int64("company-id", 0, "Scope inventory:reconcile to one company")
	queue := fs.String("queue", jobs.QueueDefault, "Queue to inspect when no job is triggered")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobsCLI := cli.NewJobsCLI(cfg.AsynqRedis())
	defer func() { _ = jobsCLI.Close() }()

	if *trigger != "" {
		info, err := jobsCLI.Trigger(ctx, *trigger, *companyID)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	}
	stats, err := jobsCLI.InspectQueue(ctx, *queue)
	if err != nil {
		return err
	}
	fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return nil
}
