package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/budget-optimizer/internal/controller"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/internal/trialstore"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

const demoStudy = "demo-q3"

// Config 只讀取 demo 需要的段落
type Config struct {
	Storage trialstore.Config `yaml:"storage"`
	Model   struct {
		EvalDelay time.Duration `yaml:"eval_delay"`
	} `yaml:"model"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == trialstore.BackendSQLite {
		cfg.Storage.Backend = trialstore.BackendSQLite
		cfg.Storage.DSN = "data/demo.db"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := trialstore.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to open trial store: %v", err)
	}
	defer store.Close()

	// 放慢評估，讓 Ctrl+C 有機會在優化途中中斷
	mc := revenue.DefaultConfig()
	mc.EvalDelay = cfg.Model.EvalDelay
	if mc.EvalDelay == 0 {
		mc.EvalDelay = 50 * time.Millisecond
	}
	ctrl, err := controller.NewController(controller.Config{
		Store:  store,
		Model:  revenue.MustNew(mc),
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	switch mode {
	case "start":
		names := ctrl.List(ctx)
		if len(names) > 0 {
			fmt.Printf("\n⚠️  Found existing studies from previous run: %v\n", names)
			fmt.Printf("💡 Run 'recover' to continue them, or delete %s to start fresh\n", cfg.Storage.DSN)
			shutdown(ctrl)
			return
		}
		if _, err := ctrl.Create(ctx, demoScenario()); err != nil {
			log.Fatalf("Failed to create scenario: %v", err)
		}
		fmt.Printf("✓ Created scenario %q (60 trials)\n", demoStudy)
		fmt.Printf("💡 Press Ctrl+C during the run, then run 'recover' to resume\n\n")
	case "recover":
		n, err := ctrl.ResumeAll(ctx)
		if err != nil {
			fmt.Printf("⚠️  Some studies could not be resumed: %v\n", err)
		}
		study, err := ctrl.Get(ctx, demoStudy)
		if err != nil {
			log.Fatalf("Nothing to recover: %v", err)
		}
		fmt.Printf("\n✓ Resumed %d studies, %d trials already recorded\n\n", n, len(study.Trials))
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	watch(ctx, ctrl)
	shutdown(ctrl)
	report(ctrl)
}

// watch 每 200ms 顯示一次進度，直到任務結束或收到中斷
func watch(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			return
		case <-ticker.C:
			info, err := ctrl.JobStatus(demoStudy)
			if err != nil {
				return
			}
			study, err := ctrl.Get(ctx, demoStudy)
			if err != nil {
				return
			}
			counts := study.CountByState()
			fmt.Printf("📊 Status: %s  Trials=%d  Completed=%d  Failed=%d\n",
				info.Status, len(study.Trials), counts[types.TrialCompleted], counts[types.TrialFailed])
			if info.Status.IsTerminal() {
				return
			}
		}
	}
}

func shutdown(ctrl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		fmt.Printf("⚠️  Shutdown incomplete: %v\n", err)
	}
	fmt.Println("✓ Controller stopped")
}

func report(ctrl *controller.Controller) {
	best, err := ctrl.BestTrial(context.Background(), demoStudy)
	if err != nil || best == nil {
		fmt.Println("\nNo completed trial yet.")
		return
	}

	fmt.Printf("\n🏆 Best trial #%d: revenue %.2f\n", best.Number, *best.Value)
	channels := make([]string, 0, len(best.Allocation))
	for name := range best.Allocation {
		channels = append(channels, string(name))
	}
	sort.Strings(channels)
	for _, name := range channels {
		fmt.Printf("  %-12s %8.2f\n", name, best.Allocation[types.ChannelName(name)])
	}
	fmt.Printf("  %-12s %8.2f\n", "total", best.Allocation.Sum())
}

func demoScenario() []byte {
	return []byte(`{
		"name": "` + demoStudy + `",
		"Online Video": {"unit": "$K", "initial_budget": 50, "lower_bound": 0, "upper_bound": 100},
		"Paid Search": {"unit": "$K", "initial_budget": 100, "lower_bound": 10, "upper_bound": 200},
		"Total Budget": {"unit": "$K", "initial_budget": 150, "lower_bound": 100, "upper_bound": 250},
		"max_trials": 60,
		"timeout_minutes": 5
	}`)
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
