package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 2 * time.Second

var (
	clientOnce sync.Once
	client     *redis.Client
	clientErr  error
)

// optionsFromEnv 按优先级解析 Redis 连接配置：REDIS_URL 完整地址优先，
// 否则回退到 REDIS_ADDR / REDIS_PASSWORD / REDIS_DB 的分项配置。
func optionsFromEnv() (*redis.Options, error) {
	if rawURL := strings.TrimSpace(os.Getenv("REDIS_URL")); rawURL != "" {
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("cache: parse REDIS_URL: %w", err)
		}
		return opts, nil
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}

	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		parsed, err := strconv.Atoi(rawDB)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid REDIS_DB %q", rawDB)
		}
		db = parsed
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// GetRedisClient 返回按环境变量初始化的单例 Redis 客户端。
// 连接失败只发生一次，之后的调用复用同一个错误结果。
func GetRedisClient() (*redis.Client, error) {
	clientOnce.Do(func() {
		opts, err := optionsFromEnv()
		if err != nil {
			clientErr = err
			return
		}

		candidate := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		if err := candidate.Ping(ctx).Err(); err != nil {
			clientErr = fmt.Errorf("cache: ping redis %s failed: %w", opts.Addr, err)
			_ = candidate.Close()
			return
		}

		client = candidate
	})

	return client, clientErr
}

// Enabled 报告 Redis 客户端是否可用。
func Enabled() bool {
	c, err := GetRedisClient()
	return err == nil && c != nil
}

// Close 释放缓存连接，主要供测试使用。
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
