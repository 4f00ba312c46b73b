package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a single JSON value per fingerprint. Every
// mutation runs as a Lua script so the compare-and-set happens inside the
// server, the same guarantee the Postgres store gets from its conditional
// update.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func redisKey(fingerprint string) string {
	return "idempotency:" + fingerprint
}

type redisRecord struct {
	Fingerprint      string `json:"fingerprint"`
	State            string `json:"state"`
	ResultRef        string `json:"result_ref,omitempty"`
	Posted           bool   `json:"posted"`
	Owner            string `json:"owner,omitempty"`
	Attempts         int    `json:"attempts"`
	LastError        string `json:"last_error,omitempty"`
	LeaseExpiresAtMs int64  `json:"lease_expires_at_ms,omitempty"`
	LastUpdatedAtMs  int64  `json:"last_updated_at_ms"`
}

func (r redisRecord) toRecord() Record {
	rec := Record{
		Fingerprint:   r.Fingerprint,
		State:         State(r.State),
		ResultRef:     r.ResultRef,
		Posted:        r.Posted,
		Owner:         r.Owner,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		LastUpdatedAt: time.UnixMilli(r.LastUpdatedAtMs).UTC(),
	}
	if r.LeaseExpiresAtMs > 0 {
		rec.LeaseExpiresAt = time.UnixMilli(r.LeaseExpiresAtMs).UTC()
	}
	return rec
}

var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])
if not raw then
  local rec = {fingerprint=ARGV[1], state='IN_PROGRESS', posted=false, owner=ARGV[2],
               attempts=1, lease_expires_at_ms=now+lease, last_updated_at_ms=now}
  local enc = cjson.encode(rec)
  redis.call('SET', KEYS[1], enc)
  return {1, enc}
end
local rec = cjson.decode(raw)
if rec.state == 'PENDING' or (rec.state == 'IN_PROGRESS' and tonumber(rec.lease_expires_at_ms or 0) <= now) then
  rec.state = 'IN_PROGRESS'
  rec.owner = ARGV[2]
  rec.attempts = (rec.attempts or 0) + 1
  rec.lease_expires_at_ms = now + lease
  rec.last_updated_at_ms = now
  local enc = cjson.encode(rec)
  redis.call('SET', KEYS[1], enc)
  return {1, enc}
end
return {0, raw}
`)

var saveResultScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.state ~= 'IN_PROGRESS' or rec.owner ~= ARGV[1] then return 0 end
rec.result_ref = ARGV[2]
rec.last_updated_at_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(rec))
return 1
`)

var finishScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.state ~= 'IN_PROGRESS' or rec.owner ~= ARGV[1] then return 0 end
rec.state = ARGV[2]
if ARGV[3] ~= '' then rec.result_ref = ARGV[3] end
rec.posted = true
if ARGV[4] ~= '' then rec.last_error = ARGV[4] else rec.last_error = nil end
rec.owner = nil
rec.lease_expires_at_ms = nil
rec.last_updated_at_ms = tonumber(ARGV[5])
redis.call('SET', KEYS[1], cjson.encode(rec))
return 1
`)

var markPostedScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.state ~= 'COMPLETED' and rec.state ~= 'FAILED' then return 0 end
rec.posted = true
rec.last_updated_at_ms = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(rec))
return 1
`)

var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.state ~= 'IN_PROGRESS' or rec.owner ~= ARGV[1] then return 0 end
rec.state = 'PENDING'
rec.owner = nil
rec.lease_expires_at_ms = nil
if ARGV[2] ~= '' then rec.last_error = ARGV[2] else rec.last_error = nil end
rec.last_updated_at_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(rec))
return 1
`)

func (r *Redis) Claim(ctx context.Context, fingerprint, owner string, lease time.Duration) (ClaimResult, error) {
	res, err := claimScript.Run(ctx, r.rdb, []string{redisKey(fingerprint)},
		fingerprint, owner, time.Now().UnixMilli(), lease.Milliseconds()).Result()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", fingerprint, err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return ClaimResult{}, fmt.Errorf("claim %s: unexpected reply %v", fingerprint, res)
	}
	won, _ := reply[0].(int64)
	raw, _ := reply[1].(string)
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: decode record: %w", fingerprint, err)
	}
	return ClaimResult{Won: won == 1, Record: rr.toRecord()}, nil
}

func (r *Redis) SaveResult(ctx context.Context, fingerprint, owner, resultRef string) error {
	n, err := saveResultScript.Run(ctx, r.rdb, []string{redisKey(fingerprint)},
		owner, resultRef, time.Now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLostClaim
	}
	return nil
}

func (r *Redis) Finish(ctx context.Context, fingerprint, owner string, state State, resultRef, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("finish %s: %s is not a terminal state", fingerprint, state)
	}
	n, err := finishScript.Run(ctx, r.rdb, []string{redisKey(fingerprint)},
		owner, string(state), resultRef, reason, time.Now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLostClaim
	}
	return nil
}

func (r *Redis) MarkPosted(ctx context.Context, fingerprint string) error {
	_, err := markPostedScript.Run(ctx, r.rdb, []string{redisKey(fingerprint)},
		time.Now().UnixMilli()).Int()
	return err
}

func (r *Redis) Release(ctx context.Context, fingerprint, owner, reason string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{redisKey(fingerprint)},
		owner, reason, time.Now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLostClaim
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, fingerprint string) (Record, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKey(fingerprint)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return Record{}, false, fmt.Errorf("get %s: decode record: %w", fingerprint, err)
	}
	return rr.toRecord(), true, nil
}
