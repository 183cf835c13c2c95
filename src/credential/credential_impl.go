package credential

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cache 实现 inter.CredentialResolver：
// 序列号到写入凭证的并发缓存 + 未命中时的 single-flight 合并取回。
//
// 冷启动时大量设备同时重连，同一序列号的并发 Resolve 必须合并为
// 一次凭证中心查询，避免把凭证中心打成踩踏现场。
type Cache struct {
	authority inter.AuthorityClient

	// 缓存: serial -> *inter.CredentialEntry
	// 仅缓存取回成功的凭证；条目默认长驻 (序列号到租户的映射极少变动)
	entries sync.Map

	flight singleflight.Group
	logger zerolog.Logger
}

// NewCache 创建凭证缓存实例
func NewCache(authority inter.AuthorityClient, logger zerolog.Logger) *Cache {
	return &Cache{
		authority: authority,
		logger:    logger.With().Str("component", "credential").Logger(),
	}
}

// Resolve 查询序列号对应的凭证
func (c *Cache) Resolve(ctx context.Context, serial uint32) (*inter.CredentialEntry, error) {
	// 1. 快速路径：命中缓存，无 I/O
	if v, ok := c.entries.Load(serial); ok {
		entry := v.(*inter.CredentialEntry)
		if !entry.Expired(time.Now()) {
			return entry, nil
		}
		// 凭证中心标注过 TTL 且已过期，当作未命中处理
		c.entries.Delete(serial)
	}

	// 2. 慢速路径：同序列号并发请求合并为一次上游查询
	key := strconv.FormatUint(uint64(serial), 10)
	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// 合并窗口内可能已有调用回填成功，再查一次缓存
		if v, ok := c.entries.Load(serial); ok {
			entry := v.(*inter.CredentialEntry)
			if !entry.Expired(time.Now()) {
				return entry, nil
			}
		}

		c.logger.Info().Uint32("serial", serial).Msg("凭证缓存未命中，向凭证中心取回")

		entry, err := c.authority.Lookup(ctx, serial)
		if err != nil {
			return nil, err
		}
		entry.FetchedAt = time.Now()
		c.entries.Store(serial, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry := v.(*inter.CredentialEntry)
	if shared {
		c.logger.Debug().Uint32("serial", serial).Msg("凭证查询已合并至在途请求")
	}
	return entry, nil
}

// Invalidate 移除缓存条目。上游以鉴权原因拒绝写入
// (如接收端已被删除) 时调用，下一次 Resolve 触发全新取回。
func (c *Cache) Invalidate(serial uint32) {
	if _, ok := c.entries.LoadAndDelete(serial); ok {
		c.logger.Warn().Uint32("serial", serial).Msg("凭证已失效，移除缓存条目")
	}
}

// Size 当前缓存条目数 (监控用)
func (c *Cache) Size() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
