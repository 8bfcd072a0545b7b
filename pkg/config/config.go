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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// 环境变量契约：Worker 进程读取的部署相关变量
const (
	EnvAPISecret          = "DIFFERENTIAL_API_SECRET"
	EnvDeploymentID       = "DIFFERENTIAL_DEPLOYMENT_ID"
	EnvDeploymentProvider = "DIFFERENTIAL_DEPLOYMENT_PROVIDER"
)

// Config 应用配置结构体（控制面与 Worker 共用一份文件，各取所需）
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	JobStore JobStoreConfig `mapstructure:"jobstore"`
	SelfHeal SelfHealConfig `mapstructure:"selfheal"`
	Wakeup   WakeupConfig   `mapstructure:"wakeup"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Client   ClientConfig   `mapstructure:"client"`
	Log      LogConfig      `mapstructure:"log"`
}

// APIConfig 控制面 HTTP 服务配置
type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Timeout string `mapstructure:"timeout"` // 请求超时，如 "30s"
}

// JobStoreConfig Job 存储配置
type JobStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// SelfHealConfig 自愈扫描配置
type SelfHealConfig struct {
	Interval       string `mapstructure:"interval"`        // 扫描周期，如 "5s"，空则默认 5s
	DefaultTimeout string `mapstructure:"default_timeout"` // Job 未带 timeout 时的停滞阈值，空则默认 30s
}

// WakeupConfig 唤醒通知配置
type WakeupConfig struct {
	Enabled  *bool  `mapstructure:"enabled"`  // 未配置时默认 true
	Interval string `mapstructure:"interval"` // 观测周期，如 "5s"
}

// WorkerConfig Worker 轮询代理配置
type WorkerConfig struct {
	Endpoint      string `mapstructure:"endpoint"`       // 控制面地址，如 http://localhost:4001
	APISecret     string `mapstructure:"api_secret"`     // 集群密钥；空则读 DIFFERENTIAL_API_SECRET
	Concurrency   int    `mapstructure:"concurrency"`    // 并发上限，<=0 使用默认 100
	TTL           string `mapstructure:"ttl"`            // 长轮询保活预算，5s–20s
	MaxIdleCycles int    `mapstructure:"max_idle_cycles"` // >0 时空轮询达到该次数后退出（serverless）
}

// ClientConfig 客户端（调用方）配置
type ClientConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	APISecret string `mapstructure:"api_secret"`
	JobPolls  int    `mapstructure:"job_polls"` // call() 等待结果的最大轮询 tick 数，<=0 默认 600
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig 加载配置文件；环境变量覆盖同名键（. → _）
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	applyEnv(&config)
	return &config, nil
}

// LoadControlPlaneConfig 加载控制面配置（configs/controlplane.yaml）
func LoadControlPlaneConfig() (*Config, error) {
	return LoadConfig("configs/controlplane.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）；文件缺失时退化为纯环境变量配置（serverless 宿主无配置文件）
func LoadWorkerConfig() (*Config, error) {
	if _, err := os.Stat("configs/worker.yaml"); err == nil {
		return LoadConfig("configs/worker.yaml")
	}
	config := &Config{}
	applyEnv(config)
	return config, nil
}

// applyEnv 应用环境变量契约：密钥与 serverless 部署标识
func applyEnv(config *Config) {
	if config.Worker.APISecret == "" {
		config.Worker.APISecret = os.Getenv(EnvAPISecret)
	}
	if config.Client.APISecret == "" {
		config.Client.APISecret = os.Getenv(EnvAPISecret)
	}
}

// DeploymentID 当前进程的部署 ID（非部署环境为空）
func DeploymentID() string {
	return os.Getenv(EnvDeploymentID)
}

// DeploymentProvider 当前进程的部署 provider 名（非部署环境为空）
func DeploymentProvider() string {
	return os.Getenv(EnvDeploymentProvider)
}
