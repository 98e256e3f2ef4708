package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/types"
)

// watchRetries 乐观事务冲突时的重试次数
const watchRetries = 8

// createAssignmentScript HSETNX 与 id 索引写入在同一脚本内完成
var createAssignmentScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// assignmentRef id 索引的值，定位分配记录所在的哈希
type assignmentRef struct {
	Experiment string `json:"experiment"`
	Subject    string `json:"subject"`
}

// RedisStore 基于 Redis 的实验存储，适合多实例部署。
//
// 键布局（前缀作为哈希标签，集群模式下所有键同槽，脚本与 WATCH 不会跨槽）:
//
//	{prefix}:experiments               HASH name -> 实验 JSON
//	{prefix}:assignments:<experiment>  HASH subject -> 分配 JSON
//	{prefix}:assignment_ids            HASH id -> 定位信息
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore 使用已有客户端创建存储
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "abflow"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: "{" + keyPrefix + "}",
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) experimentsKey() string {
	return s.keyPrefix + ":experiments"
}

func (s *RedisStore) assignmentsKey(experimentName string) string {
	return s.keyPrefix + ":assignments:" + experimentName
}

func (s *RedisStore) assignmentIDsKey() string {
	return s.keyPrefix + ":assignment_ids"
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetExperiment 获取实验
func (s *RedisStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	data, err := s.client.HGet(ctx, s.experimentsKey(), name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, experiment.ErrExperimentNotFound
		}
		return nil, types.NewStorageUnavailableError("get experiment", err)
	}
	var exp experiment.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", name, err)
	}
	return &exp, nil
}

// ListExperiments 按名称排序列出实验
func (s *RedisStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	all, err := s.client.HGetAll(ctx, s.experimentsKey()).Result()
	if err != nil {
		return nil, types.NewStorageUnavailableError("list experiments", err)
	}
	out := make([]*experiment.Experiment, 0, len(all))
	for name, data := range all {
		var exp experiment.Experiment
		if err := json.Unmarshal([]byte(data), &exp); err != nil {
			s.logger.Warn("skipping undecodable experiment", zap.String("experiment", name), zap.Error(err))
			continue
		}
		out = append(out, &exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateExperiment 创建实验（HSETNX）
func (s *RedisStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.experimentsKey(), exp.Name, data).Result()
	if err != nil {
		return types.NewStorageUnavailableError("create experiment", err)
	}
	if !ok {
		return experiment.ErrExperimentExists
	}
	return nil
}

// UpdateExperiment 在 WATCH 内读取当前状态，与 expected 一致才提交
func (s *RedisStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	key := s.experimentsKey()

	err = s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, exp.Name).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return experiment.ErrExperimentNotFound
			}
			return err
		}
		var cur experiment.Experiment
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode experiment %s: %w", exp.Name, err)
		}
		if cur.Status != expected {
			return experiment.ErrStatusConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, exp.Name, data)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, experiment.ErrExperimentNotFound) || errors.Is(err, experiment.ErrStatusConflict) {
			return err
		}
		return types.NewStorageUnavailableError("update experiment", err)
	}
	return nil
}

// GetAssignment 获取分配记录
func (s *RedisStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*experiment.Assignment, error) {
	data, err := s.client.HGet(ctx, s.assignmentsKey(experimentName), subjectID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, experiment.ErrAssignmentNotFound
		}
		return nil, types.NewStorageUnavailableError("get assignment", err)
	}
	var a experiment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode assignment: %w", err)
	}
	return &a, nil
}

// CreateAssignment 原子插入分配记录，已存在时返回 ErrDuplicateAssignment
func (s *RedisStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	ref, err := json.Marshal(assignmentRef{Experiment: a.ExperimentName, Subject: a.SubjectID})
	if err != nil {
		return fmt.Errorf("encode assignment ref: %w", err)
	}

	inserted, err := createAssignmentScript.Run(ctx, s.client,
		[]string{s.assignmentsKey(a.ExperimentName), s.assignmentIDsKey()},
		a.SubjectID, data, a.ID, ref,
	).Int()
	if err != nil {
		return types.NewStorageUnavailableError("create assignment", err)
	}
	if inserted == 0 {
		return experiment.ErrDuplicateAssignment
	}
	return nil
}

// MarkConverted 在 WATCH 事务内完成 converted=false → true
func (s *RedisStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	raw, err := s.client.HGet(ctx, s.assignmentIDsKey(), assignmentID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, experiment.ErrAssignmentNotFound
		}
		return false, types.NewStorageUnavailableError("mark converted", err)
	}
	var ref assignmentRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return false, fmt.Errorf("decode assignment ref: %w", err)
	}

	key := s.assignmentsKey(ref.Experiment)
	converted := false
	err = s.watch(ctx, func(tx *redis.Tx) error {
		converted = false
		data, err := tx.HGet(ctx, key, ref.Subject).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return experiment.ErrAssignmentNotFound
			}
			return err
		}
		var a experiment.Assignment
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode assignment: %w", err)
		}
		if a.Converted {
			return nil
		}

		a.Converted = true
		t := at
		a.ConvertedAt = &t
		updated, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, ref.Subject, updated)
			return nil
		})
		if err == nil {
			converted = true
		}
		return err
	}, key)
	if err != nil {
		if errors.Is(err, experiment.ErrAssignmentNotFound) {
			return false, err
		}
		return false, types.NewStorageUnavailableError("mark converted", err)
	}
	return converted, nil
}

// ListAssignments 列出实验的分配记录
func (s *RedisStore) ListAssignments(ctx context.Context, experimentName string) ([]*experiment.Assignment, error) {
	all, err := s.client.HGetAll(ctx, s.assignmentsKey(experimentName)).Result()
	if err != nil {
		return nil, types.NewStorageUnavailableError("list assignments", err)
	}
	out := make([]*experiment.Assignment, 0, len(all))
	for subject, data := range all {
		var a experiment.Assignment
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			s.logger.Warn("skipping undecodable assignment",
				zap.String("experiment", experimentName),
				zap.String("subject_id", subject),
				zap.Error(err),
			)
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	return out, nil
}

// watch 执行乐观事务，键被并发修改时重试
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("optimistic transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", watchRetries, redis.TxFailedErr)
}
