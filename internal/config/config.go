package config

import (
	"os"
	"strconv"
	"time"

	"github.com/linkflow/core/internal/history/types"
)

// Config is the engine process configuration, loaded from the environment.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	RedisAddr   string
	BearerToken string

	ShardCount           int32
	StreamMaxLen         int64
	SendSensitiveContext bool
	CredentialMasterKey  string

	CallbackBaseURL string
	CallbackSecret  string

	MatchingGlobalRPS      float64
	MatchingGlobalBurst    int
	MatchingNamespaceRPS   float64
	MatchingNamespaceBurst int

	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
	BulkheadMaxConcurrency  int

	TimerScanInterval time.Duration
	TimerScanBatch    int

	WorkerQueues     []string
	WorkerNumPollers int
	WorkerIdentity   string
}

// Load reads the configuration from the environment, falling back to the
// documented defaults.
func Load() Config {
	hostname, _ := os.Hostname()

	return Config{
		HTTPAddr:    envString("CORE_HTTP_ADDR", ":8088"),
		DatabaseURL: envString("CORE_DATABASE_URL", ""),
		RedisAddr:   envString("CORE_REDIS_ADDR", ""),
		BearerToken: envString("CORE_BEARER_TOKEN", ""),

		ShardCount:           int32(envInt("CORE_SHARD_COUNT", int(types.DefaultShardCount))),
		StreamMaxLen:         int64(envInt("CORE_STREAM_MAXLEN", 100000)),
		SendSensitiveContext: envBool("CORE_SEND_SENSITIVE_CONTEXT", true),
		CredentialMasterKey:  envString("CORE_CREDENTIAL_MASTER_KEY", ""),

		CallbackBaseURL: envString("CORE_ENGINE_API_URL", ""),
		CallbackSecret:  envString("CORE_ENGINE_CALLBACK_SECRET", ""),

		MatchingGlobalRPS:      envFloat("CORE_MATCHING_GLOBAL_RPS", 1000),
		MatchingGlobalBurst:    envInt("CORE_MATCHING_GLOBAL_BURST", 2000),
		MatchingNamespaceRPS:   envFloat("CORE_MATCHING_NAMESPACE_RPS", 100),
		MatchingNamespaceBurst: envInt("CORE_MATCHING_NAMESPACE_BURST", 200),

		BreakerFailureThreshold: envInt("CORE_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      envDuration("CORE_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		BulkheadMaxConcurrency:  envInt("CORE_BULKHEAD_MAX_CONCURRENCY", 10),

		TimerScanInterval: envDuration("CORE_TIMER_SCAN_INTERVAL", time.Second),
		TimerScanBatch:    envInt("CORE_TIMER_SCAN_BATCH", 100),

		WorkerQueues:     envList("CORE_WORKER_QUEUES"),
		WorkerNumPollers: envInt("CORE_WORKER_NUM_POLLERS", 2),
		WorkerIdentity:   envString("CORE_WORKER_IDENTITY", hostname),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
