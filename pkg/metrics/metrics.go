package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供控制面与 Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobCreatedTotal, JobClaimedTotal, JobResultedTotal, JobStalledTotal,
		JobExecutionDuration, JobsPending, JobsByStatus,
		WorkerBusy, WakeupNotifyTotal,
	)
}

// JobsByStatus 各状态 Job 数量，控制面周期刷新
var JobsByStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "differential_jobs_by_status",
		Help: "各状态 Job 数量",
	},
	[]string{"status"},
)

// JobCreatedTotal 准入创建的 Job 总数（按策略：default | cache_miss | cached | dedup）
var JobCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "differential_job_created_total",
		Help: "准入创建的 Job 总数（按策略）",
	},
	[]string{"strategy"},
)

// JobClaimedTotal Dispatcher 认领的 Job 总数
var JobClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "differential_job_claimed_total",
		Help: "Dispatcher 认领的 Job 总数",
	},
	[]string{"cluster", "service"},
)

// JobResultedTotal 结果写入总数（按 result_type）
var JobResultedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "differential_job_resulted_total",
		Help: "结果写入总数（按 result_type）",
	},
	[]string{"result_type"}, // resolution | rejection
)

// JobStalledTotal 自愈回收的 Job 总数（requeue | terminal）
var JobStalledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "differential_job_stalled_total",
		Help: "自愈回收的 Job 总数",
	},
	[]string{"outcome"}, // requeue | terminal
)

// JobExecutionDuration 函数执行耗时（秒），由 Result Sink 上报
var JobExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "differential_job_execution_duration_seconds",
		Help:    "函数执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service"},
)

// JobsPending 当前 Pending 状态的 Job 数
var JobsPending = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "differential_jobs_pending",
		Help: "当前 Pending 状态的 Job 数",
	},
	[]string{"cluster"},
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "differential_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"machine_id"},
)

// WakeupNotifyTotal 唤醒通知次数（按 provider）
var WakeupNotifyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "differential_wakeup_notify_total",
		Help: "唤醒通知次数（按 provider）",
	},
	[]string{"provider"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
