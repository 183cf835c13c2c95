package inter

import (
	"context"
	"errors"
	"time"
)

// 凭证解析相关的标准错误
var (
	// ErrSerialNotFound 凭证中心不认识该序列号。对当前批次是终态：
	// 丢弃并记录，不做重试。
	ErrSerialNotFound = errors.New("credential: 凭证中心未找到该序列号")
	// ErrTokenUnavailable 服务自身令牌获取失败
	ErrTokenUnavailable = errors.New("credential: 服务令牌不可用")
)

// CredentialEntry 一个设备序列号对应的写入凭证包。
// 由凭证缓存独占持有，会话只读不写。
type CredentialEntry struct {
	// Serial 设备序列号
	Serial uint32 `json:"serial"`
	// WriteToken 写入存储接收端所用的令牌
	WriteToken string `json:"write_token"`
	// SinkID 存储接收端标识 (原系统中即 Influx Bucket)
	SinkID string `json:"sink_id"`
	// TenantID 租户标识 (原系统中即 Influx Org)
	TenantID string `json:"tenant_id"`
	// FetchedAt 本条目自凭证中心取回的时间
	FetchedAt time.Time `json:"-"`
	// TTLHint 凭证中心给出的有效期提示，0 表示长期有效。
	// 序列号到租户的映射极少变动，条目默认长驻。
	TTLHint time.Duration `json:"-"`
}

// Expired 根据 TTLHint 判断条目是否已过期 (无提示时永不过期)
func (e *CredentialEntry) Expired(now time.Time) bool {
	if e.TTLHint <= 0 {
		return false
	}
	return now.After(e.FetchedAt.Add(e.TTLHint))
}

// ServiceToken 本服务访问凭证中心的 Bearer 令牌 (进程级单例)
type ServiceToken struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialResolver 设备序列号到写入凭证的解析接口
type CredentialResolver interface {
	// Resolve 查询序列号对应的凭证。命中缓存时无 I/O 立即返回；
	// 未命中时同序列号的并发调用合并为一次上游查询 (single-flight)。
	Resolve(ctx context.Context, serial uint32) (*CredentialEntry, error)

	// Invalidate 移除缓存条目。上游写入因凭证失效被拒时调用，
	// 下一次 Resolve 将重新发起查询。
	Invalidate(serial uint32)
}

// TokenSource 提供当前有效的服务令牌。
// 后台刷新进行中时调用方等待刷新完成，而不是重复发起登录。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
