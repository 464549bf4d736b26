package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// resolveScript atomically compare-and-swaps an approval's state from
// pending to approved/denied, the same concern the teacher's token-bucket
// script solves for rate limiting (read-check-write in one round trip so
// two concurrent resolutions of the same request_id cannot both "win").
//
// KEYS[1] = approval hash key
// KEYS[2] = pending zset key
// ARGV[1] = approval_id
// ARGV[2] = new state ("approved"/"denied"/"expired")
// ARGV[3] = approved ("1"/"0")
// ARGV[4] = approver_id
// ARGV[5] = binding JSON
// ARGV[6] = resolved_at (RFC3339Nano)
var resolveScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state ~= "pending" then
    return {0, state or "missing"}
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "approved", ARGV[3], "approver_id", ARGV[4], "binding", ARGV[5], "resolved_at", ARGV[6])
redis.call("ZREM", KEYS[2], ARGV[1])
return {1, ARGV[2]}
`)

// RedisStore persists approval records as Redis hashes, with a zset of
// pending approvals ordered by expiry so Sweep can find and transition
// them without a full key scan.
type RedisStore struct {
	client      *redis.Client
	keyPrefix   string
	pendingZSet string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "sudo-agent:approval:", pendingZSet: "sudo-agent:approval:pending"}
}

func (s *RedisStore) key(approvalID string) string {
	return s.keyPrefix + approvalID
}

func (s *RedisStore) Put(ctx context.Context, r *Record) error {
	key := s.key(r.ApprovalID)

	existingState, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("approval/redis: put: %w", err)
	}
	if existingState == string(StatePending) {
		return nil
	}

	binding, err := json.Marshal(r.Binding)
	if err != nil {
		return fmt.Errorf("approval/redis: marshal binding: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"approval_id": r.ApprovalID,
		"state":       string(r.State),
		"created_at":  r.CreatedAt.Format(time.RFC3339Nano),
		"expires_at":  r.ExpiresAt.Format(time.RFC3339Nano),
		"binding":     string(binding),
		"approved":    "0",
	})
	ttl := time.Until(r.ExpiresAt) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	pipe.PExpire(ctx, key, ttl)
	pipe.ZAdd(ctx, s.pendingZSet, redis.Z{Score: float64(r.ExpiresAt.Unix()), Member: r.ApprovalID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("approval/redis: put: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, approvalID string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(approvalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("approval/redis: get: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("approval/redis: no record %q", approvalID)
	}
	r, err := decodeRecord(vals)
	if err != nil {
		return nil, err
	}
	if r.State == StatePending && time.Now().After(r.ExpiresAt) {
		r.State = StateExpired
	}
	return r, nil
}

func (s *RedisStore) Resolve(ctx context.Context, approvalID string, approved bool, approverID string, binding Binding) (*Record, error) {
	bindingJSON, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("approval/redis: marshal binding: %w", err)
	}
	approvedFlag := "0"
	newState := StateDenied
	if approved {
		approvedFlag = "1"
		newState = StateApproved
	}
	now := time.Now()

	res, err := resolveScript.Run(ctx, s.client,
		[]string{s.key(approvalID), s.pendingZSet},
		approvalID, string(newState), approvedFlag, approverID, string(bindingJSON), now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("approval/redis: resolve: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return nil, fmt.Errorf("approval/redis: unexpected script response")
	}
	won, _ := results[0].(int64)
	if won != 1 {
		state, _ := results[1].(string)
		return nil, fmt.Errorf("approval/redis: %q is not pending (state=%s)", approvalID, state)
	}

	return s.Get(ctx, approvalID)
}

func (s *RedisStore) Sweep(ctx context.Context, now time.Time) ([]*Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("approval/redis: sweep scan: %w", err)
	}

	var expired []*Record
	for _, id := range ids {
		res, err := resolveScript.Run(ctx, s.client,
			[]string{s.key(id), s.pendingZSet},
			id, string(StateExpired), "0", "", "{}", now.Format(time.RFC3339Nano),
		).Result()
		if err != nil {
			return expired, fmt.Errorf("approval/redis: sweep expire %q: %w", id, err)
		}
		results, ok := res.([]interface{})
		if !ok || len(results) != 2 {
			continue
		}
		if won, _ := results[0].(int64); won == 1 {
			r, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func decodeRecord(vals map[string]string) (*Record, error) {
	r := &Record{
		ApprovalID: vals["approval_id"],
		State:      State(vals["state"]),
		ApproverID: vals["approver_id"],
		Approved:   vals["approved"] == "1",
	}
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return nil, fmt.Errorf("approval/redis: parse created_at: %w", err)
	}
	if r.ExpiresAt, err = time.Parse(time.RFC3339Nano, vals["expires_at"]); err != nil {
		return nil, fmt.Errorf("approval/redis: parse expires_at: %w", err)
	}
	if resolvedAt, ok := vals["resolved_at"]; ok && resolvedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt)
		if err == nil {
			r.ResolvedAt = &t
		}
	}
	if binding, ok := vals["binding"]; ok && binding != "" {
		if err := json.Unmarshal([]byte(binding), &r.Binding); err != nil {
			return nil, fmt.Errorf("approval/redis: parse binding: %w", err)
		}
	}
	return r, nil
}
