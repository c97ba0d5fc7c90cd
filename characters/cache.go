package characters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"owlquill_back/cache"
)

const (
	presignCacheTTL     = 10 * time.Minute
	presignCacheTimeout = 300 * time.Millisecond
)

// presignCache 缓存图像签名 URL，避免列表接口重复请求对象存储。
// TTL 短于签名有效期，保证下发的地址始终可用。
type presignCache struct {
	client *redis.Client
}

// newPresignCache 尝试连接 Redis 构建缓存，不可用时返回空壳实例。
func newPresignCache() *presignCache {
	client, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("characters: presign cache disabled: %v", err)
		return &presignCache{}
	}
	return &presignCache{client: client}
}

// key 构造缓存键，引用串做哈希避免键名过长。
func (p *presignCache) key(ref string) string {
	if p == nil || p.client == nil || ref == "" {
		return ""
	}
	sum := sha1.Sum([]byte(ref))
	return "characters:presign:" + hex.EncodeToString(sum[:])
}

// get 读取缓存的签名 URL。
func (p *presignCache) get(ref string) (string, bool) {
	key := p.key(ref)
	if key == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), presignCacheTimeout)
	defer cancel()

	signed, err := p.client.Get(ctx, key).Result()
	if err != nil || signed == "" {
		return "", false
	}
	return signed, true
}

// put 写入签名 URL，失败只记录日志。
func (p *presignCache) put(ref, signed string) {
	key := p.key(ref)
	if key == "" || signed == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presignCacheTimeout)
	defer cancel()

	if err := p.client.Set(ctx, key, signed, presignCacheTTL).Err(); err != nil {
		log.Printf("characters: store presigned url cache failed: %v", err)
	}
}
