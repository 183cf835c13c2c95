package inter

import (
	"context"
	"errors"
)

// 上游写入相关的标准错误
var (
	// ErrWriteUnauthorized 接收端以鉴权原因拒绝写入。
	// 触发凭证失效 + 换新凭证的有限次立即重试。
	ErrWriteUnauthorized = errors.New("upstream: 写入鉴权被拒")
	// ErrWriteRejected 接收端判定数据不合法。不重试，记为数据质量事件。
	ErrWriteRejected = errors.New("upstream: 写入数据被拒绝")
	// ErrWriteTransient 网络错误或 5xx。指数退避有限次重试后丢弃。
	ErrWriteTransient = errors.New("upstream: 写入临时失败")
)

// AuthorityClient 凭证中心客户端
type AuthorityClient interface {
	// Authenticate 以服务身份换取 Bearer 令牌 (仅后台续期任务调用)
	Authenticate(ctx context.Context) (*ServiceToken, error)

	// Lookup 查询序列号对应的写入凭证。
	// 序列号未知时返回 ErrSerialNotFound。
	Lookup(ctx context.Context, serial uint32) (*CredentialEntry, error)
}

// SinkWriter 测量数据写入端
type SinkWriter interface {
	// Write 将一批记录写入凭证指定的接收端。
	// 错误通过 ErrWriteUnauthorized / ErrWriteRejected / ErrWriteTransient 区分。
	Write(ctx context.Context, cred *CredentialEntry, records []MeasurementRecord) error
}

// Deliverer 将单设备的一批记录送达存储边界，封装凭证解析、
// 鉴权失败重试与瞬态退避策略。同一设备内保证按接收顺序送达。
type Deliverer interface {
	// Deliver 送达一批记录。批次被最终丢弃 (NotFound / 重试耗尽 / 数据被拒)
	// 时返回 nil 并记录日志：丢弃不是调用方可处理的故障。
	// 仅上下文取消等需要终止会话的情况返回非 nil。
	Deliver(ctx context.Context, serial uint32, records []MeasurementRecord) error
}
