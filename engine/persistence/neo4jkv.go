package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"

	"github.com/synapseai/synapse-mvp/pkg/repo"
	"github.com/synapseai/synapse-mvp/pkg/resilience"
)

// kvRow is the row shape Neo4jKV stores through the generic repository.
type kvRow struct {
	Key       string
	Value     string
	UpdatedAt int64
}

// kvScanResult and kvScanRunner are the minimal neo4j surface Scan depends
// on; repo.Neo4jRepo has no prefix-query operation so Scan talks to the
// driver directly instead of going through the generic Repository.
type kvScanResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

type kvScanRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (kvScanResult, error)
	Close(ctx context.Context) error
}

// Neo4jKV is a remote_kv backend storing opaque (key, value) rows as
// single-label nodes. Get/Set/Delete are repurposed on top of the generic
// repo.Neo4jRepo[T,ID] pattern; Scan runs its own STARTS WITH query since
// the generic Repository has no prefix-scan operation.
type Neo4jKV struct {
	driver     neo4j.DriverWithContext
	label      string
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	inner      repo.Repository[kvRow, string]
	newSession func(ctx context.Context) kvScanRunner // for testing Scan
}

// NewNeo4jKV builds a Neo4jKV storing rows under the given label
// (default "MemoryKV" when label is empty). Every call is throttled so a
// write-through burst across many scopes can't overrun the database, and
// trips a circuit breaker once Neo4j starts failing so a scope write can't
// pile up waiting on a downed database.
func NewNeo4jKV(driver neo4j.DriverWithContext, label string) *Neo4jKV {
	if label == "" {
		label = "MemoryKV"
	}
	inner := repo.NewNeo4jRepo[kvRow, string](
		driver,
		label,
		func(row kvRow) map[string]any {
			return map[string]any{"key": row.Key, "value": row.Value, "updated_at": row.UpdatedAt}
		},
		fromKVNode,
		repo.WithIDKey[kvRow, string]("key"),
	)
	return &Neo4jKV{
		driver:  driver,
		label:   label,
		limiter: rate.NewLimiter(rate.Every(5*time.Millisecond), 20),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		inner:   inner,
	}
}

func fromKVNode(rec *neo4j.Record) (kvRow, error) {
	raw, ok := rec.Get("n")
	if !ok {
		return kvRow{}, errors.New("persistence: neo4j row missing node")
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return kvRow{}, errors.New("persistence: neo4j row not a node")
	}
	key, _ := node.Props["key"].(string)
	value, _ := node.Props["value"].(string)
	return kvRow{Key: key, Value: value}, nil
}

func (n *Neo4jKV) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

type neo4jKVSessionAdapter struct{ sess neo4j.SessionWithContext }

func (a *neo4jKVSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (kvScanResult, error) {
	return a.sess.Run(ctx, cypher, params)
}
func (a *neo4jKVSessionAdapter) Close(ctx context.Context) error { return a.sess.Close(ctx) }

func (n *Neo4jKV) session(ctx context.Context) kvScanRunner {
	if n.newSession != nil {
		return n.newSession(ctx)
	}
	return &neo4jKVSessionAdapter{sess: n.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

func (n *Neo4jKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := n.wait(ctx); err != nil {
		return nil, false, fmt.Errorf("persistence: neo4j get %s: rate limit wait: %w", key, err)
	}
	var row kvRow
	var found bool
	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		row, err = n.inner.Get(ctx, key)
		if errors.Is(err, repo.ErrNotFound) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("persistence: neo4j get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return []byte(row.Value), true, nil
}

// Set upserts key via the generic repository: an Update against an
// existing row, falling back to Create when none matched yet.
func (n *Neo4jKV) Set(ctx context.Context, key string, value []byte) error {
	if err := n.wait(ctx); err != nil {
		return fmt.Errorf("persistence: neo4j set %s: rate limit wait: %w", key, err)
	}
	row := kvRow{Key: key, Value: string(value), UpdatedAt: time.Now().Unix()}
	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		_, err := n.inner.Update(ctx, row)
		if errors.Is(err, repo.ErrNotFound) {
			_, err = n.inner.Create(ctx, row)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("persistence: neo4j set %s: %w", key, err)
	}
	return nil
}

func (n *Neo4jKV) Delete(ctx context.Context, key string) error {
	if err := n.wait(ctx); err != nil {
		return fmt.Errorf("persistence: neo4j delete %s: rate limit wait: %w", key, err)
	}
	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		return n.inner.Delete(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("persistence: neo4j delete %s: %w", key, err)
	}
	return nil
}

func (n *Neo4jKV) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := n.wait(ctx); err != nil {
		return nil, fmt.Errorf("persistence: neo4j scan %s: rate limit wait: %w", prefix, err)
	}
	out := make(map[string][]byte)
	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		sess := n.session(ctx)
		defer sess.Close(ctx)

		cypher := fmt.Sprintf(
			"MATCH (n:%s) WHERE n.key STARTS WITH $prefix RETURN n.key AS key, n.value AS value",
			n.label,
		)
		res, err := sess.Run(ctx, cypher, map[string]any{"prefix": prefix})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			keyRaw, _ := rec.Get("key")
			valueRaw, _ := rec.Get("value")
			key, _ := keyRaw.(string)
			value, _ := valueRaw.(string)
			out[key] = []byte(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: neo4j scan %s: %w", prefix, err)
	}
	return out, nil
}
