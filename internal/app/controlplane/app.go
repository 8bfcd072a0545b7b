// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"

	apihttp "github.com/differentialHQ/differential/internal/api/http"
	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/internal/control/job"
	"github.com/differentialHQ/differential/pkg/config"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// closer 持有 Close 的存储实现（pg）
type closer interface {
	Close()
}

// App 控制面应用：HTTP 服务 + 自愈器 + 唤醒通知器
type App struct {
	config   *config.Config
	logger   *log.Logger
	hertz    *server.Hertz
	store    job.Store
	healer   *job.SelfHealer
	notifier *job.WakeupNotifier
	closers  []closer
	cancel   context.CancelFunc
}

// Options 装配选项：唤醒 provider 与上传地址签发为外部协作方
type Options struct {
	Providers []job.Provider
	Signer    apihttp.UploadURLSigner
}

// NewApp 创建控制面应用（由 cmd/controlplane 调用）
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &App{config: cfg, logger: logger}

	var store job.Store
	var registry cluster.Registry
	if cfg.JobStore.Type == "postgres" && cfg.JobStore.DSN != "" {
		pgStore, err := job.NewStorePg(context.Background(), cfg.JobStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化 Job 存储(postgres) 失败: %w", err)
		}
		pgRegistry, err := cluster.NewRegistryPg(context.Background(), cfg.JobStore.DSN)
		if err != nil {
			pgStore.Close()
			return nil, fmt.Errorf("初始化集群注册表(postgres) 失败: %w", err)
		}
		store = pgStore
		registry = pgRegistry
		a.closers = append(a.closers, pgStore, pgRegistry)
	} else {
		store = job.NewStoreMem()
		registry = cluster.NewRegistryMem()
	}

	a.store = store
	sink := events.NewSlogSink(logger)
	admission := job.NewAdmission(store, sink)
	dispatcher := job.NewDispatcher(store, registry, sink, logger)
	results := job.NewResultSink(store, sink, logger)
	status := job.NewStatusService(store, sink)

	healInterval := parseDuration(cfg.SelfHeal.Interval, job.DefaultSelfHealInterval)
	stallTimeout := parseDuration(cfg.SelfHeal.DefaultTimeout, job.DefaultStallTimeout)
	a.healer = job.NewSelfHealer(store, sink, logger, healInterval, stallTimeout)

	if cfg.Wakeup.Enabled == nil || *cfg.Wakeup.Enabled {
		activity := &job.Activity{Store: store, Registry: registry}
		wakeupInterval := parseDuration(cfg.Wakeup.Interval, job.DefaultSelfHealInterval)
		a.notifier = job.NewWakeupNotifier(registry, activity, opts.Providers, sink, logger, wakeupInterval)
	}

	// Hertz 框架日志经 hertz-contrib slog 桥接输出到 stdout（独立 handler，不随 log 配置的格式/文件）
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
	))

	host := cfg.API.Host
	port := cfg.API.Port
	if port <= 0 {
		port = 4001
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	a.hertz = server.New(server.WithHostPorts(addr))

	handler := apihttp.NewHandler(admission, dispatcher, results, status, registry, sink, opts.Signer, logger)
	apihttp.Register(a.hertz, handler, registry)

	logger.Info("控制面已装配", "addr", addr, "jobstore", cfg.JobStore.Type)
	return a, nil
}

// Start 启动后台任务并运行 HTTP 服务（阻塞）
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.healer.Start(ctx)
	if a.notifier != nil {
		a.notifier.Start(ctx)
	}
	go a.refreshGauges(ctx)
	return a.hertz.Run()
}

// refreshGauges 周期刷新 job_state gauge
func (a *App) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := a.store.CountByStatus(ctx)
			if err != nil {
				a.logger.Error("统计 Job 状态失败", "error", err)
				continue
			}
			for status, n := range counts {
				metrics.JobsByStatus.WithLabelValues(status).Set(float64(n))
			}
		}
	}
}

// Shutdown 优雅关闭：停后台任务，关 HTTP，关存储
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.healer.Stop()
	if a.notifier != nil {
		a.notifier.Stop()
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	for _, c := range a.closers {
		c.Close()
	}
	return err
}

// Logger 应用日志器
func (a *App) Logger() *slog.Logger {
	return a.logger.Logger
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
