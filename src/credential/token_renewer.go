package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// renewMargin 在过期前多久发起续期
	renewMargin = 30 * time.Second
	// retryInterval 续期失败后的重试间隔
	retryInterval = 5 * time.Second
)

// TokenRenewer 实现 inter.TokenSource：
// 持有服务访问凭证中心的 Bearer 令牌 (进程级单例)，
// 后台任务在 expires_at - 30s 时主动续期。
//
// 续期进行中时任何 Token 调用都挂在同一次在途登录上 (single-flight)，
// 不会重复发起登录。该任务进程级存活，不随任何单个会话取消。
type TokenRenewer struct {
	authority inter.AuthorityClient

	mu      sync.Mutex
	current *inter.ServiceToken

	flight singleflight.Group
	logger zerolog.Logger
}

// NewTokenRenewer 创建令牌续期器
func NewTokenRenewer(authority inter.AuthorityClient, logger zerolog.Logger) *TokenRenewer {
	return &TokenRenewer{
		authority: authority,
		logger:    logger.With().Str("component", "token_renewer").Logger(),
	}
}

// Token 返回当前有效的令牌，必要时触发或等待一次登录
func (t *TokenRenewer) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()

	if cur != nil && time.Now().Before(cur.ExpiresAt) {
		return cur.Value, nil
	}

	tok, err := t.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", inter.ErrTokenUnavailable, err)
	}
	return tok.Value, nil
}

// refresh 执行一次登录，并发调用合并为一次
func (t *TokenRenewer) refresh(ctx context.Context) (*inter.ServiceToken, error) {
	v, err, _ := t.flight.Do("login", func() (interface{}, error) {
		tok, err := t.authority.Authenticate(ctx)
		if err != nil {
			t.logger.Error().Err(err).Msg("服务登录失败")
			return nil, err
		}

		t.mu.Lock()
		t.current = tok
		t.mu.Unlock()

		t.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("服务令牌已刷新")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*inter.ServiceToken), nil
}

// Run 后台续期循环：在 expires_at - 30s 时刷新，失败后短间隔重试。
// 阻塞直到上下文取消。
func (t *TokenRenewer) Run(ctx context.Context) error {
	for {
		t.mu.Lock()
		cur := t.current
		t.mu.Unlock()

		var wait time.Duration
		if cur != nil {
			wait = time.Until(cur.ExpiresAt.Add(-renewMargin))
		}

		if wait <= 0 {
			if _, err := t.refresh(ctx); err != nil {
				wait = retryInterval
			} else {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
