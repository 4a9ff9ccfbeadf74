package menu

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "menu:version"
	bumpChannel     = "menu.bump"
)

// Cache stores built menu trees in Redis under a global version that every
// catalog or assignment change bumps. A nil Cache passes straight through to the loader.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// BuildKey composes the cache key for one principal and context fingerprint.
func (c *Cache) BuildKey(ctx context.Context, userID, fingerprint string) (string, error) {
	base := strings.Join([]string{"menu", "tree", userID, fingerprint}, ":")
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// Fetch returns the cached tree for key or builds it with loader. Concurrent
// misses on the same key share one load. The boolean reports a cache hit.
func (c *Cache) Fetch(ctx context.Context, key string, loader func(context.Context) (Tree, error)) (Tree, bool, error) {
	if loader == nil {
		return Tree{}, false, errors.New("menu: cache loader required")
	}
	if c == nil || c.client == nil {
		tree, err := loader(ctx)
		return tree, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var tree Tree
		if err := json.Unmarshal(payload, &tree); err == nil {
			return tree, true, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Tree{}, false, err
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		tree, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(tree)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return tree, nil
	})
	select {
	case <-ctx.Done():
		return Tree{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Tree{}, false, res.Err
		}
		return res.Val.(Tree), false, nil
	}
}

// Bump invalidates every cached tree by incrementing the version and publishing it.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation follows version bumps published by other instances.
func (c *Cache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = bumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
					_ = c.client.Set(ctx, cacheVersionKey, ver, 0).Err()
					continue
				}
				_ = c.client.Incr(ctx, cacheVersionKey).Err()
			}
		}
	}()
	return nil
}

// ContextFingerprint hashes the caller-supplied context together with the
// server instant now, truncated to the minute so requests within one minute
// share an entry. A caller-supplied partial.Time is hashed separately: it only
// feeds time conditions, while grants are resolved against now.
func ContextFingerprint(partial PartialContext, now time.Time) string {
	h := blake3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write("loc", partial.Location, "dev", partial.Device)
	write("now", strconv.FormatInt(now.UTC().Truncate(time.Minute).Unix(), 10))
	if !partial.Time.IsZero() {
		write("at", strconv.FormatInt(partial.Time.UTC().Truncate(time.Minute).Unix(), 10))
	}
	keys := make([]string, 0, len(partial.CustomData))
	for k := range partial.CustomData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(partial.CustomData[k])
		if err != nil {
			raw = []byte(partial.CustomData[k].Kind().String())
		}
		write("custom", k, string(raw))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
