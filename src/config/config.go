package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务全量配置。来源优先级: 环境变量 (SOLAR_ 前缀) > 配置文件 > 默认值
type Config struct {
	Log struct {
		// Level zerolog 日志级别: trace/debug/info/warn/error
		Level string `mapstructure:"level"`
		// Pretty 人类可读输出，开发环境使用
		Pretty bool `mapstructure:"pretty"`
	} `mapstructure:"log"`

	Listen struct {
		// Addr 设备接入 TCP 监听地址
		Addr string `mapstructure:"addr"`
		// MaxConnections 并发连接上限
		MaxConnections int64 `mapstructure:"max_connections"`
		// IdleTimeout 会话空闲超时
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
		// MaxDecodeFailures 连续解码失败关断阈值
		MaxDecodeFailures int `mapstructure:"max_decode_failures"`
		// QueueDepth 每会话送达队列深度
		QueueDepth int `mapstructure:"queue_depth"`
	} `mapstructure:"listen"`

	Monitor struct {
		// Enabled 是否启用监控 HTTP 服务
		Enabled bool `mapstructure:"enabled"`
		// Addr 监控服务监听地址
		Addr string `mapstructure:"addr"`
	} `mapstructure:"monitor"`

	Upstream struct {
		// BaseURL 上游平台基地址
		BaseURL string `mapstructure:"base_url"`
		// Identity 服务身份标识
		Identity string `mapstructure:"identity"`
		// Secret 服务密钥
		Secret string `mapstructure:"secret"`
		// MaxAttempts 瞬态失败的单批次最大尝试次数
		MaxAttempts int `mapstructure:"max_attempts"`
		// BackoffBase 瞬态失败退避基准时长 (逐次翻倍)
		BackoffBase time.Duration `mapstructure:"backoff_base"`
	} `mapstructure:"upstream"`
}

// Load 读取配置。path 为空时按默认搜索路径查找 goster-solar.yaml，
// 找不到配置文件不算错误，全部取默认值 + 环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("listen.addr", ":7002")
	v.SetDefault("listen.max_connections", 1024)
	v.SetDefault("listen.idle_timeout", "60s")
	v.SetDefault("listen.max_decode_failures", 5)
	v.SetDefault("listen.queue_depth", 64)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.addr", ":8081")
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.identity", "")
	v.SetDefault("upstream.secret", "")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.backoff_base", "250ms")

	v.SetEnvPrefix("SOLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
	} else {
		v.SetConfigName("goster-solar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/goster-solar")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url 未配置")
	}
	if c.Upstream.Identity == "" || c.Upstream.Secret == "" {
		return fmt.Errorf("upstream.identity / upstream.secret 未配置")
	}
	if c.Listen.MaxConnections <= 0 {
		return fmt.Errorf("listen.max_connections 必须为正数")
	}
	return nil
}
