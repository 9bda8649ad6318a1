// Package registry holds the two pieces of Redis-backed coordination
// state that keep Console and Comet loosely coupled: the link_pair
// routing record (§3.6) and the leader-elected sweep (§4.3 last
// paragraph).
//
// Grounded on control_plane/store/redis.go: the SET/GET-then-compare
// Lua-script idiom used there for lock renew/release is reused verbatim
// for LinkPair's owner-checked refresh and release, applied to a
// different key shape (client_key -> comet_addr instead of
// lock_key -> owner_id).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotRegistered is returned by Lookup when no link_pair record exists
// for client_key (spec.md section 4.8's "not registered" fan-out error).
var ErrNotRegistered = errors.New("registry: agent not registered")

const linkPairTTL = 10 * time.Second

func linkPairKey(clientKey string) string {
	return "jiascheduler:link_pair:" + clientKey
}

// renewOwnedScript extends a key's TTL only if its current value still
// matches the caller's own value, mirroring RedisStore.RenewLock.
const renewOwnedScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

// releaseOwnedScript deletes a key only if its current value still
// matches the caller's own value, mirroring RedisStore.ReleaseLock.
const releaseOwnedScript = `
local val = redis.call("get", KEYS[1])
if val == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// LinkPairs resolves a Bridge client_key to the Comet address currently
// serving it, and lets Comet keep that mapping fresh via heartbeat.
type LinkPairs struct {
	rdb *redis.Client
}

func NewLinkPairs(rdb *redis.Client) *LinkPairs {
	return &LinkPairs{rdb: rdb}
}

// linkPairValue is the Redis value stored under link_pair:{namespace}/{ip}
// (spec.md section 3.6: "{ comet_addr }"). Wrapping the bare address in an
// object leaves room for the key to grow additional fields later without
// another storage-shape migration.
type linkPairValue struct {
	CometAddr string `json:"comet_addr"`
}

func encodeLinkPairValue(cometAddr string) (string, error) {
	data, err := json.Marshal(linkPairValue{CometAddr: cometAddr})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeLinkPairValue(raw string) (string, error) {
	var v linkPairValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	return v.CometAddr, nil
}

// Set records (or refreshes) client_key -> { comet_addr: cometAddr } with
// a 10s TTL. Called by Comet on Agent Heartbeat (spec.md section 4.2).
func (l *LinkPairs) Set(ctx context.Context, clientKey, cometAddr string) error {
	val, err := encodeLinkPairValue(cometAddr)
	if err != nil {
		return fmt.Errorf("registry: encode link_pair value: %w", err)
	}
	return l.rdb.Set(ctx, linkPairKey(clientKey), val, linkPairTTL).Err()
}

// Lookup returns the Comet address currently serving clientKey, or
// ErrNotRegistered if the record is absent or expired.
func (l *LinkPairs) Lookup(ctx context.Context, clientKey string) (string, error) {
	raw, err := l.rdb.Get(ctx, linkPairKey(clientKey)).Result()
	if err == redis.Nil {
		return "", ErrNotRegistered
	}
	if err != nil {
		return "", fmt.Errorf("registry: lookup link_pair: %w", err)
	}
	addr, err := decodeLinkPairValue(raw)
	if err != nil {
		return "", fmt.Errorf("registry: decode link_pair value: %w", err)
	}
	return addr, nil
}

// Renew extends the TTL of an existing record only if it still points at
// cometAddr -- guards against racing a just-migrated Agent's fresher
// record.
func (l *LinkPairs) Renew(ctx context.Context, clientKey, cometAddr string) (bool, error) {
	val, err := encodeLinkPairValue(cometAddr)
	if err != nil {
		return false, fmt.Errorf("registry: encode link_pair value: %w", err)
	}
	res, err := l.rdb.Eval(ctx, renewOwnedScript, []string{linkPairKey(clientKey)}, val, int64(linkPairTTL/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// Delete removes the link_pair record if it still points at cometAddr,
// called when Comet unregisters a disconnected Agent.
func (l *LinkPairs) Delete(ctx context.Context, clientKey, cometAddr string) error {
	val, err := encodeLinkPairValue(cometAddr)
	if err != nil {
		return fmt.Errorf("registry: encode link_pair value: %w", err)
	}
	_, err = l.rdb.Eval(ctx, releaseOwnedScript, []string{linkPairKey(clientKey)}, val).Result()
	return err
}
