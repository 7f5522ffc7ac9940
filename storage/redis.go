package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/play-engine/types"
)

const (
	playPrefix      = "play:"
	templatePrefix  = "template:"
	statePrefix     = "state:"
	stateSetPrefix  = "states:"
	approvalPrefix  = "approval:"
	gatesPrefix     = "gates:"
	decisionsPrefix = "decisions:"
	decidedPrefix   = "decided:"
)

// maxTxRetries bounds the WATCH retries of AppendDecision.
const maxTxRetries = 5

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func stateKeyOf(workstreamID, playID, nodeID string) string {
	return statePrefix + workstreamID + ":" + playID + ":" + nodeID
}

func approvalKey(id uint64) string {
	return approvalPrefix + strconv.FormatUint(id, 10)
}

// saveToRedis saves a value to Redis under key.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, cmd getter, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := cmd.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", types.ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// mgetFromRedis loads many JSON values at once, skipping missing keys.
func mgetFromRedis[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget %d keys: %w", len(keys), err)
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// SavePlay saves a play to Redis.
func (s *RedisStorage) SavePlay(ctx context.Context, play types.Play) error {
	return s.saveToRedis(ctx, playPrefix+play.ID, play)
}

// LoadPlayGraph retrieves a play from Redis.
func (s *RedisStorage) LoadPlayGraph(ctx context.Context, playID string) (types.Play, error) {
	return getFromRedis[types.Play](ctx, s.client, playPrefix+playID)
}

// SaveTemplate saves an approval template to Redis.
func (s *RedisStorage) SaveTemplate(ctx context.Context, tpl types.ApprovalTemplate) error {
	return s.saveToRedis(ctx, templatePrefix+tpl.ID, tpl)
}

// LoadApprovalSequence returns the routes of a template ordered by position.
func (s *RedisStorage) LoadApprovalSequence(ctx context.Context, templateID string) ([]types.ApprovalRoute, error) {
	tpl, err := getFromRedis[types.ApprovalTemplate](ctx, s.client, templatePrefix+templateID)
	if err != nil {
		return nil, err
	}
	return sortRoutes(tpl.Routes), nil
}

// LoadStates returns every state of a workstream for a play.
func (s *RedisStorage) LoadStates(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error) {
	return withContext(ctx, func() ([]types.NodeExecutionState, error) {
		nodes, err := s.client.SMembers(ctx, stateSetPrefix+workstreamID+":"+playID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list states of %s: %w", workstreamID, err)
		}
		keys := make([]string, 0, len(nodes))
		for _, n := range nodes {
			keys = append(keys, stateKeyOf(workstreamID, playID, n))
		}
		states, err := mgetFromRedis[types.NodeExecutionState](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		sortStates(states)
		return states, nil
	})
}

// GetState returns the state of one node.
func (s *RedisStorage) GetState(ctx context.Context, workstreamID, playID, nodeID string) (types.NodeExecutionState, error) {
	return getFromRedis[types.NodeExecutionState](ctx, s.client, stateKeyOf(workstreamID, playID, nodeID))
}

// SaveState writes st under WATCH so a concurrent writer makes the transaction fail.
func (s *RedisStorage) SaveState(ctx context.Context, st types.NodeExecutionState) (types.NodeExecutionState, error) {
	return withContext(ctx, func() (types.NodeExecutionState, error) {
		key := stateKeyOf(st.WorkstreamID, st.PlayID, st.NodeID)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.NodeExecutionState](ctx, tx, key)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
			if current.Version != st.Version {
				return fmt.Errorf("%w: node %s/%s at version %d, expected %d",
					types.ErrConflict, st.WorkstreamID, st.NodeID, current.Version, st.Version)
			}
			next := st
			next.Version++
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, stateSetPrefix+st.WorkstreamID+":"+st.PlayID, st.NodeID)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return types.NodeExecutionState{}, fmt.Errorf("%w: node %s/%s changed concurrently", types.ErrConflict, st.WorkstreamID, st.NodeID)
		}
		if err != nil {
			return types.NodeExecutionState{}, err
		}
		st.Version++
		return st, nil
	})
}

// CreateRecord claims the gate position with HSETNX before storing the record.
func (s *RedisStorage) CreateRecord(ctx context.Context, rec types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		claimed, err := s.client.HSetNX(ctx, gatesPrefix+rec.WorkstreamID, strconv.Itoa(rec.Position), rec.ID).Result()
		if err != nil {
			return fmt.Errorf("failed to claim gate %d of %s: %w", rec.Position, rec.WorkstreamID, err)
		}
		if !claimed {
			return fmt.Errorf("%w: gate %d of workstream %s already activated", types.ErrConflict, rec.Position, rec.WorkstreamID)
		}
		return s.saveToRedis(ctx, approvalKey(rec.ID), rec)
	})
}

// GetRecord retrieves an approval record.
func (s *RedisStorage) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	return getFromRedis[types.ApprovalRecord](ctx, s.client, approvalKey(id))
}

// ListRecords returns the records of a workstream ordered by position.
func (s *RedisStorage) ListRecords(ctx context.Context, workstreamID string) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		gates, err := s.client.HGetAll(ctx, gatesPrefix+workstreamID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list gates of %s: %w", workstreamID, err)
		}
		keys := make([]string, 0, len(gates))
		for _, id := range gates {
			keys = append(keys, approvalPrefix+id)
		}
		recs, err := mgetFromRedis[types.ApprovalRecord](ctx, s.client, keys)
		if err != nil {
			return nil, err
		}
		sortRecords(recs)
		return recs, nil
	})
}

// UpdateRecordStatus replaces rec under WATCH when its stored status equals expected.
func (s *RedisStorage) UpdateRecordStatus(ctx context.Context, rec types.ApprovalRecord, expected types.ApprovalStatus) error {
	return withContextError(ctx, func() error {
		key := approvalKey(rec.ID)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.ApprovalRecord](ctx, tx, key)
			if err != nil {
				return err
			}
			if current.Status != expected {
				return fmt.Errorf("%w: approval %d is %s, expected %s", types.ErrConflict, rec.ID, current.Status, expected)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: approval %d changed concurrently", types.ErrConflict, rec.ID)
		}
		return err
	})
}

// AppendDecision claims (approval, user) and appends the decision in one transaction
// that watches the record, so a decision never lands on a resolved gate.
func (s *RedisStorage) AppendDecision(ctx context.Context, d types.ApprovalDecision) error {
	return withContextError(ctx, func() error {
		id := strconv.FormatUint(d.ApprovalID, 10)
		key := approvalKey(d.ApprovalID)
		claims := decidedPrefix + id
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}

		for attempt := 0; attempt < maxTxRetries; attempt++ {
			err = s.client.Watch(ctx, func(tx *redis.Tx) error {
				rec, err := getFromRedis[types.ApprovalRecord](ctx, tx, key)
				if err != nil {
					return err
				}
				if !rec.Status.IsOpen() {
					return fmt.Errorf("%w: approval %d is %s", ErrRecordResolved, d.ApprovalID, rec.Status)
				}
				if d.Decision.IsFinal() {
					taken, err := tx.HExists(ctx, claims, d.DecidedBy).Result()
					if err != nil {
						return fmt.Errorf("failed to check decision of %s: %w", d.DecidedBy, err)
					}
					if taken {
						return fmt.Errorf("%w: %s already decided on approval %d", types.ErrConflict, d.DecidedBy, d.ApprovalID)
					}
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					if d.Decision.IsFinal() {
						pipe.HSet(ctx, claims, d.DecidedBy, d.ID)
					}
					pipe.RPush(ctx, decisionsPrefix+id, data)
					return nil
				})
				return err
			}, key, claims)
			if !errors.Is(err, redis.TxFailedErr) {
				return err
			}
		}
		return fmt.Errorf("%w: approval %d changed concurrently", types.ErrBusy, d.ApprovalID)
	})
}

// ListDecisions returns the decisions of a record in insertion order.
func (s *RedisStorage) ListDecisions(ctx context.Context, approvalID uint64) ([]types.ApprovalDecision, error) {
	return withContext(ctx, func() ([]types.ApprovalDecision, error) {
		raw, err := s.client.LRange(ctx, decisionsPrefix+strconv.FormatUint(approvalID, 10), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list decisions of %d: %w", approvalID, err)
		}
		out := make([]types.ApprovalDecision, 0, len(raw))
		for _, r := range raw {
			var d types.ApprovalDecision
			if err := json.Unmarshal([]byte(r), &d); err != nil {
				return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
			}
			out = append(out, d)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
