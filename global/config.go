package global

import (
	"strings"
	"time"

	mgoutil "CollabProject/data/database/mgo/mongoutil"
	"CollabProject/service/natsx"
	redisx "CollabProject/service/storage/redis"
	"CollabProject/tools"
)

// Process-wide configuration, read once from the environment at startup.
// Everything has a local-dev default so `go run .` works against a bare
// mongo and redis.

func NodeID() string {
	return tools.GetEnv("GATEWAY_ID", "collab_gw-1")
}

func ListenAddr() string {
	return tools.GetEnv("LISTEN_ADDR", ":8080")
}

func JwtSecret() []byte {
	return []byte(tools.GetEnv("JWT_SECRET", "collab-dev-secret"))
}

func MongoConfig() *mgoutil.Config {
	return &mgoutil.Config{
		Uri:         tools.GetEnv("MONGO_URI", ""),
		Address:     splitCSV(tools.GetEnv("MONGO_ADDRESS", "127.0.0.1:27017")),
		Database:    tools.GetEnv("MONGO_DATABASE", "collab"),
		Username:    tools.GetEnv("MONGO_USERNAME", ""),
		Password:    tools.GetEnv("MONGO_PASSWORD", ""),
		AuthSource:  tools.GetEnv("MONGO_AUTH_SOURCE", ""),
		MaxPoolSize: tools.GetEnvInt("MONGO_MAX_POOL", 100),
		MaxRetry:    tools.GetEnvInt("MONGO_MAX_RETRY", 3),
	}
}

func RedisConfig() redisx.Config {
	return redisx.Config{
		Addr:     tools.GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
		Password: tools.GetEnv("REDIS_PASSWORD", ""),
		DB:       tools.GetEnvInt("REDIS_DB", 0),
		PoolSize: tools.GetEnvInt("REDIS_POOL", 50),
	}
}

// RedisEnabled gates the presence mirror; without redis the mongo store is
// still fully authoritative.
func RedisEnabled() bool {
	return tools.GetEnvBool("REDIS_ENABLED", false)
}

// NatsEnabled gates the cross-node relay; a single-node deployment runs
// without a broker.
func NatsEnabled() bool {
	return tools.GetEnvBool("NATS_ENABLED", false)
}

func NatsConfig() natsx.NatsxConfig {
	return natsx.NatsxConfig{
		Servers:       splitCSV(tools.GetEnv("NATS_SERVERS", "nats://127.0.0.1:4222")),
		Name:          NodeID(),
		Username:      tools.GetEnv("NATS_USERNAME", ""),
		Password:      tools.GetEnv("NATS_PASSWORD", ""),
		ReconnectWait: tools.GetEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		Timeout:       tools.GetEnvDuration("NATS_TIMEOUT", 5*time.Second),
	}
}

func LivenessWindow() time.Duration {
	return tools.GetEnvDuration("PRESENCE_WINDOW", 5*time.Minute)
}

func SweepEvery() time.Duration {
	return tools.GetEnvDuration("PRESENCE_SWEEP_EVERY", time.Minute)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
