// Package config loads the memory engine's environment-based
// configuration, mirroring cmd/api's loadConfig/envOr pattern but
// covering every option spec.md §6 names.
package config

import (
	"os"
	"strconv"
)

// Config holds every recognized configuration option.
type Config struct {
	Port       string
	DataDir    string
	StateFile  string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantURL  string
	Collection string

	MLWorkerURL string

	NATSURL string

	EmbedderDim int

	AlphaLearningRate float64
	DecayTau          float64 // seconds

	BaseK1       int
	BaseK2       int
	BaseLambda   float64
	BaseMinScore float64

	PressureWeightK1      float64
	PressureWeightK2      float64
	BiasWeightLambda      float64
	BiasWeightMinScore    float64
	ReserveTokens         int
	HardMaxContextBytes   int

	PersistenceBackend       string // auto|local|remote_kv
	PersistenceStrictStartup bool
	PersistencePrefix        string

	StreamConsumerEnabled bool
	StreamName            string
	ConsumerGroup         string
	ConsumerNamePrefix    string
	BatchSize             int
	BlockMs               int

	ConsolidationAsync bool
	ConsolidationSize  int
}

// Load reads configuration from the environment, defaulting every option
// a new deployment hasn't set yet.
func Load() Config {
	return Config{
		Port:      envOr("PORT", "8080"),
		DataDir:   envOr("DATA_DIR", "/tmp/synapse-data"),
		StateFile: envOr("MEMORY_STATE_FILE", "/tmp/synapse-data/.memory-state.json"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "synapse_memory"),

		MLWorkerURL: envOr("ML_WORKER_URL", "localhost:50051"),

		NATSURL: envOr("NATS_URL", "nats://localhost:4222"),

		EmbedderDim: envOrInt("EMBEDDER_DIM", 384),

		AlphaLearningRate: envOrFloat("ALPHA_LEARNING_RATE", 0.2),
		DecayTau:          envOrFloat("DECAY_TAU_SECONDS", 86400),

		BaseK1:       envOrInt("BASE_K1", 10),
		BaseK2:       envOrInt("BASE_K2", 5),
		BaseLambda:   envOrFloat("BASE_LAMBDA", 0.3),
		BaseMinScore: envOrFloat("BASE_MIN_SCORE", 0.2),

		PressureWeightK1:    envOrFloat("PLANNER_PRESSURE_WEIGHT_K1", 0.5),
		PressureWeightK2:    envOrFloat("PLANNER_PRESSURE_WEIGHT_K2", 0.5),
		BiasWeightLambda:    envOrFloat("PLANNER_BIAS_WEIGHT_LAMBDA", 0.3),
		BiasWeightMinScore:  envOrFloat("PLANNER_BIAS_WEIGHT_MIN_SCORE", 0.2),
		ReserveTokens:       envOrInt("PLANNER_RESERVE_TOKENS", 256),
		HardMaxContextBytes: envOrInt("PLANNER_HARD_MAX_CONTEXT_BYTES", 8192),

		PersistenceBackend:       envOr("PERSISTENCE_BACKEND", "auto"),
		PersistenceStrictStartup: envOrBool("PERSISTENCE_STRICT_STARTUP", false),
		PersistencePrefix:        envOr("PERSISTENCE_ENGINE_PREFIX", "synapse"),

		StreamConsumerEnabled: envOrBool("STREAM_CONSUMER_ENABLED", true),
		StreamName:            envOr("STREAM_NAME", "MEMORY_EVENTS"),
		ConsumerGroup:         envOr("CONSUMER_GROUP", "memory-workers"),
		ConsumerNamePrefix:    envOr("CONSUMER_NAME_PREFIX", "synapse-"),
		BatchSize:             envOrInt("STREAM_BATCH_SIZE", 32),
		BlockMs:               envOrInt("STREAM_BLOCK_MS", 5000),

		ConsolidationAsync: envOrBool("CONSOLIDATION_ASYNC", true),
		ConsolidationSize:  envOrInt("CONSOLIDATION_SIZE", 8),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
