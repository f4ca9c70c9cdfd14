package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fts/internal/api"
	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/capture"
	"github.com/technosupport/ts-fts/internal/config"
	"github.com/technosupport/ts-fts/internal/data"
	"github.com/technosupport/ts-fts/internal/events"
	"github.com/technosupport/ts-fts/internal/fts"
	"github.com/technosupport/ts-fts/internal/metrics"
	"github.com/technosupport/ts-fts/internal/model"
	"github.com/technosupport/ts-fts/internal/platform/paths"
	"github.com/technosupport/ts-fts/internal/platform/windows"
	"github.com/technosupport/ts-fts/internal/ws"
)

const (
	serviceName  = "TS-FTS"
	eventIDStart = 100
	eventIDStop  = 101
	eventIDError = 102
)

func main() {
	configPath := flag.String("config", "", "path to fts.yaml (default: data root)")
	flag.Parse()

	// 1. Windows Service Check
	isService := windows.IsWindowsService()
	elog := windows.NewEventLogger(serviceName)
	defer elog.Close()

	stopChan := make(chan struct{})
	if isService {
		elog.Info(eventIDStart, "Starting as Windows Service")
		go func() {
			if err := windows.RunAsService(serviceName, stopChan); err != nil {
				elog.Error(eventIDError, fmt.Sprintf("Service run error: %v", err))
				os.Exit(1)
			}
		}()
	}

	// 2. Platform Paths
	if err := paths.EnsureDirs(); err != nil {
		elog.Error(eventIDError, fmt.Sprintf("Platform init error: %v", err))
		log.Fatalf("Platform init error: %v", err)
	}

	// 3. Config
	cfgPath := paths.ResolveConfigPath(*configPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && *configPath == "" {
			log.Printf("[Main] no config at %s, using defaults: %v", cfgPath, err)
			cfg = config.Defaults()
		} else {
			elog.Error(eventIDError, fmt.Sprintf("Config error: %v", err))
			log.Fatalf("Config error: %v", err)
		}
	}
	cfg.IndexPath = paths.ResolveIndexPath(cfg.IndexPath)
	cfg.SpillPath = paths.ResolveSpillPath(cfg.SpillPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Attendance store (PostgreSQL, optional)
	var store attendance.Store
	var db *sql.DB
	if cfg.Store.Enabled {
		db, err = data.Open(cfg.Store.DSN())
		if err != nil {
			elog.Error(eventIDError, fmt.Sprintf("DB error: %v", err))
			log.Fatalf("DB error: %v", err)
		}
		defer db.Close()
		if err := data.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("DB schema error: %v", err)
		}
		attModel := data.AttendanceModel{DB: db}
		store = attModel

		// Events spilled while the store was down get replayed now.
		if n, err := attendance.DrainSpill(ctx, attModel, cfg.SpillPath); err != nil {
			log.Printf("[Main] spill drain failed, keeping file: %v", err)
		} else if n > 0 {
			log.Printf("[Main] replayed %d spilled attendance events", n)
		}
	} else {
		log.Printf("[Main] attendance store disabled; events are spill-only")
		store = noopStore{}
	}

	// 5. Event bus (NATS, optional)
	var publisher attendance.Publisher
	var statusPub fts.StatusPublisher
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("[Main] NATS unavailable: %v", err)
		} else {
			defer nc.Close()
			np := events.NewNATSPublisher(nc, events.SubjectAttendance, 3)
			publisher = np
			statusPub = np
		}
	}

	// 6. Redis recency mirror (optional)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	// 7. Controller
	wsHub := ws.NewHub()
	ctrl := fts.NewController(cfg, fts.Deps{
		Backend:   capture.NewFFmpegBackend(),
		Models:    model.NewRegistry(cfg.Models),
		Store:     store,
		Publisher: publisher,
		Status:    statusPub,
		Redis:     rdb,
		WSHub:     wsHub,
	})
	if db != nil {
		ctrl.SetRoster(employeeRoster{model: data.EmployeeModel{DB: db}})
	}

	// 8. Metrics
	collector := metrics.NewCollector(ctrl)
	go collector.Run(ctx, 0)

	// 9. Config hot-reload
	watcher := config.NewWatcher(cfgPath)
	watcher.Start(ctx)
	go func() {
		for next := range watcher.Updates() {
			next.IndexPath = paths.ResolveIndexPath(next.IndexPath)
			next.SpillPath = paths.ResolveSpillPath(next.SpillPath)
			if _, err := ctrl.ApplyConfig(ctx, next); err != nil {
				log.Printf("[Main] config apply failed: %v", err)
			}
		}
	}()

	// 10. HTTP server
	srv := api.NewServer(ctrl)
	srv.Store = store
	srv.WSHub = wsHub
	srv.Metrics = collector.Handler()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
		// No WriteTimeout: MJPEG and WebSocket connections are long-lived.
	}

	go ctrl.AutoStart(ctx)

	go func() {
		log.Printf("[Main] listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			elog.Error(eventIDError, fmt.Sprintf("HTTP server error: %v", err))
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. Shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Printf("[Main] signal received, shutting down")
	case <-stopChan:
		log.Printf("[Main] service stop requested, shutting down")
	}
	elog.Info(eventIDStop, "Stopping")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline()+5*time.Second)
	defer shutCancel()

	if _, err := ctrl.Stop(shutCtx); err != nil {
		log.Printf("[Main] controller stop: %v", err)
	}
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("[Main] http shutdown: %v", err)
	}
	cancel()
	log.Printf("[Main] bye")
}

// noopStore stands in when PostgreSQL is disabled. Append fails so the
// recorder spills locally, keeping events replayable once a store exists.
type noopStore struct{}

func (noopStore) Append(ctx context.Context, ev attendance.Event) error {
	return attendance.ErrStoreUnavailable
}

func (noopStore) ListByEmployee(ctx context.Context, id string, from, to time.Time) ([]attendance.Event, error) {
	return nil, nil
}

func (noopStore) ListByRange(ctx context.Context, from, to time.Time) ([]attendance.Event, error) {
	return nil, nil
}

// employeeRoster adapts the employee table to the controller's roster hook.
type employeeRoster struct {
	model data.EmployeeModel
}

func (r employeeRoster) CreateEmployee(ctx context.Context, id, name string) error {
	return r.model.Create(ctx, &data.Employee{ID: id, Name: name})
}

func (r employeeRoster) RemoveEmployee(ctx context.Context, id string) error {
	return r.model.SoftDelete(ctx, id)
}
