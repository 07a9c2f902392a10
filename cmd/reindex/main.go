// Command reindex rebuilds the vector index and Q-table from the
// persisted episode store. It finds episodes whose embedding no longer
// matches the configured dimension or was produced by the hash fallback,
// repairs them, reinserts every episode into the vector index scope by
// scope, and drops orphan Q-entries that have no backing episode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/synapseai/synapse-mvp/engine/config"
	"github.com/synapseai/synapse-mvp/engine/domain"
	"github.com/synapseai/synapse-mvp/engine/encoder"
	"github.com/synapseai/synapse-mvp/engine/memory"
	"github.com/synapseai/synapse-mvp/engine/persistence"
	"github.com/synapseai/synapse-mvp/engine/semantic"
	"github.com/synapseai/synapse-mvp/pkg/ollama"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report counts without writing any repair")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	kv, backend, err := buildKV(ctx, cfg)
	if err != nil {
		log.Fatalf("persistence backend: %v", err)
	}
	persist := persistence.New(kv, persistence.Options{
		EnginePrefix: cfg.PersistencePrefix,
		Backend:      backend,
	}, nil)

	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		log.Fatalf("qdrant connect: %v", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbedderDim); err != nil {
		log.Printf("ensure collection: %v (continuing)", err)
	}
	vectors := memory.NewSemanticVectorIndex(vectorStore)

	embedder := ollama.NewEmbedClient(cfg.MLWorkerURL, "nomic-embed-text")
	enc := encoder.New(embedder, cfg.EmbedderDim)

	scopes, err := persist.LoadAll(ctx)
	if err != nil {
		log.Fatalf("load state: %v", err)
	}
	log.Printf("Loaded %d scopes", len(scopes))

	var rebuilt, repaired, orphanQ, errs int

	for scopeKey, state := range scopes {
		if !*dryRun {
			if err := vectors.ClearScope(ctx, scopeKey); err != nil {
				log.Printf("[%s] clear scope failed: %v", scopeKey, err)
				errs++
				continue
			}
		}

		episodeIDs := make(map[string]bool, len(state.Episodes))
		for i := range state.Episodes {
			ep := &state.Episodes[i]
			episodeIDs[ep.ID] = true

			vec, src, changed := repairEmbedding(ctx, enc, cfg.EmbedderDim, *ep)
			if changed {
				repaired++
				if !*dryRun {
					ep.Embedding, ep.EmbeddingSource = vec, src
					if err := persist.SaveEpisode(ctx, *ep); err != nil {
						log.Printf("[%s] save repaired episode %s: %v", scopeKey, ep.ID, err)
						errs++
					}
				}
			}

			if *dryRun {
				continue
			}
			if err := vectors.Insert(ctx, ep.ID, scopeKey, vec, ep.LastUsedAt); err != nil {
				log.Printf("[%s] reinsert %s: %v", scopeKey, ep.ID, err)
				errs++
				continue
			}
			rebuilt++
		}

		for _, q := range state.QEntries {
			if episodeIDs[q.EpisodeID] {
				continue
			}
			orphanQ++
			if *dryRun {
				continue
			}
			if err := persist.DeleteQEntry(ctx, scopeKey, q.EpisodeID); err != nil {
				log.Printf("[%s] delete orphan q-entry %s: %v", scopeKey, q.EpisodeID, err)
				errs++
			}
		}

		log.Printf("[%s] %d episodes, %d q-entries", scopeKey, len(state.Episodes), len(state.QEntries))
	}

	log.Printf("Done! Rebuilt: %d, Repaired: %d, Orphan q-entries: %d, Errors: %d, Scopes: %d",
		rebuilt, repaired, orphanQ, errs, len(scopes))
}

// repairEmbedding returns the embedding and source an episode should carry
// going forward. A hash-fallback embedding gets one retry through the live
// embedder in case it's reachable now; a dimension mismatch is resampled
// deterministically. changed reports whether either applied.
func repairEmbedding(ctx context.Context, enc *encoder.Encoder, dim int, ep domain.Episode) ([]float32, domain.EmbeddingSource, bool) {
	if ep.EmbeddingSource == domain.EmbeddingHashFallback {
		vec, src := enc.Encode(ctx, ep.IntentText)
		if src != domain.EmbeddingHashFallback {
			return vec, src, true
		}
	}
	if len(ep.Embedding) != dim {
		return encoder.Resample(ep.Embedding, dim), domain.EmbeddingRepaired, true
	}
	return ep.Embedding, ep.EmbeddingSource, false
}

// buildKV mirrors cmd/api's backend-selection policy: try remote_kv first
// under "auto", fall back to the local file-backed KV, since a maintenance
// pass over a single-instance local deployment shouldn't require Neo4j.
func buildKV(ctx context.Context, cfg config.Config) (persistence.KV, string, error) {
	switch cfg.PersistenceBackend {
	case "local":
		kv, err := persistence.NewLocalKV(cfg.StateFile)
		return kv, persistence.BackendLocal, err
	case "remote_kv":
		kv, err := dialNeo4jKV(ctx, cfg)
		return kv, persistence.BackendRemoteKV, err
	default:
		kv, err := dialNeo4jKV(ctx, cfg)
		if err == nil {
			return kv, persistence.BackendRemoteKV, nil
		}
		log.Printf("remote_kv backend unreachable, falling back to local: %v", err)
		kv, err = persistence.NewLocalKV(cfg.StateFile)
		return kv, persistence.BackendLocal, err
	}
}

func dialNeo4jKV(ctx context.Context, cfg config.Config) (persistence.KV, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return persistence.NewNeo4jKV(driver, "MemoryEntry"), nil
}
