package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
)

// DeliveryService 实现 inter.Deliverer：
// 把单设备的一批记录送达存储边界，封装全部重试与丢弃策略。
//
// 故障分类 (对应各自的处置):
//
//	NotFound      凭证中心不认识该序列号 -> 丢批次，记数据质量事件，不重试
//	Unauthorized  凭证过时 -> 失效缓存，换新凭证立即重试，限一次
//	Rejected      接收端判定数据不合法 -> 丢批次，记数据质量事件
//	Transient     网络/5xx -> 指数退避有限次重试，耗尽后丢批次并记录损失
//
// 丢弃一律返回 nil：对会话而言批次已处置完毕，不应关断连接。
type DeliveryService struct {
	resolver inter.CredentialResolver
	sink     inter.SinkWriter

	// maxAttempts 一个批次的写入尝试总数上限 (含首次)
	maxAttempts int
	// backoffBase 首次瞬态重试的退避时长，之后逐次翻倍
	backoffBase time.Duration

	logger zerolog.Logger
}

// NewDeliveryService 创建送达服务
func NewDeliveryService(resolver inter.CredentialResolver, sink inter.SinkWriter, maxAttempts int, backoffBase time.Duration, logger zerolog.Logger) *DeliveryService {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	return &DeliveryService{
		resolver:    resolver,
		sink:        sink,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger.With().Str("component", "delivery").Logger(),
	}
}

// Deliver 送达一批记录，同一设备内由调用方串行调用以保证顺序
func (d *DeliveryService) Deliver(ctx context.Context, serial uint32, records []inter.MeasurementRecord) error {
	if len(records) == 0 {
		return nil
	}

	cred, err := d.resolveOrDrop(ctx, serial, len(records))
	if err != nil || cred == nil {
		return err
	}

	backoff := d.backoffBase
	freshCredentialUsed := false

	for attempt := 1; ; attempt++ {
		err = d.sink.Write(ctx, cred, records)
		if err == nil {
			d.logger.Debug().
				Uint32("serial", serial).
				Int("records", len(records)).
				Int("attempt", attempt).
				Msg("批次写入成功")
			return nil
		}

		switch {
		case errors.Is(err, inter.ErrWriteUnauthorized):
			// 凭证过时。失效缓存并换新凭证立即重试，限一次：
			// 新凭证仍被拒说明问题不在缓存
			if freshCredentialUsed {
				d.logger.Error().
					Uint32("serial", serial).
					Int("records", len(records)).
					Msg("换新凭证后写入仍被拒，丢弃批次")
				return nil
			}
			d.resolver.Invalidate(serial)
			cred, err = d.resolveOrDrop(ctx, serial, len(records))
			if err != nil || cred == nil {
				return err
			}
			freshCredentialUsed = true

		case errors.Is(err, inter.ErrWriteRejected):
			// 数据质量事件，重试无意义
			d.logger.Warn().
				Uint32("serial", serial).
				Int("records", len(records)).
				Err(err).
				Msg("接收端拒绝数据，丢弃批次")
			return nil

		case errors.Is(err, inter.ErrWriteTransient):
			if attempt >= d.maxAttempts {
				d.logger.Error().
					Uint32("serial", serial).
					Int("records", len(records)).
					Int("attempts", attempt).
					Msg("瞬态重试耗尽，丢弃批次")
				return nil
			}
			d.logger.Warn().
				Uint32("serial", serial).
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Msg("写入临时失败，退避后重试")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2

		default:
			// 上下文取消等非分类错误，交还会话处理
			return err
		}
	}
}

// resolveOrDrop 解析凭证。NotFound 丢批次返回 (nil, nil)；
// 其余解析失败同样按丢弃处理 (凭证中心不可达时批次无处可写)。
func (d *DeliveryService) resolveOrDrop(ctx context.Context, serial uint32, batchSize int) (*inter.CredentialEntry, error) {
	cred, err := d.resolver.Resolve(ctx, serial)
	if err == nil {
		return cred, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, inter.ErrSerialNotFound) {
		d.logger.Warn().
			Uint32("serial", serial).
			Int("records", batchSize).
			Msg("序列号未注册，丢弃批次")
		return nil, nil
	}
	d.logger.Error().
		Uint32("serial", serial).
		Int("records", batchSize).
		Err(err).
		Msg("凭证解析失败，丢弃批次")
	return nil, nil
}
