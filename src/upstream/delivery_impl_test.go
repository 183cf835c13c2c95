package upstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 伪造的解析器与接收端
// =============================================================================

type fakeResolver struct {
	mu          sync.Mutex
	resolves    int
	invalidates int
	notFound    bool
	generation  int // Invalidate 后递增，用于区分新旧凭证
}

func (f *fakeResolver) Resolve(_ context.Context, serial uint32) (*inter.CredentialEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.notFound {
		return nil, inter.ErrSerialNotFound
	}
	return &inter.CredentialEntry{
		Serial:     serial,
		WriteToken: fmt.Sprintf("wt-gen-%d", f.generation),
		SinkID:     "bucket-1",
		TenantID:   "org-1",
	}, nil
}

func (f *fakeResolver) Invalidate(_ uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
	f.generation++
}

// fakeSink 按脚本逐次返回错误，并记录每次成功写入的批次
type fakeSink struct {
	mu      sync.Mutex
	script  []error // 每次调用弹出一个；耗尽后一律成功
	writes  []writeCall
	written [][]inter.MeasurementRecord
}

type writeCall struct {
	token   string
	records int
}

func (f *fakeSink) Write(_ context.Context, cred *inter.CredentialEntry, records []inter.MeasurementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{token: cred.WriteToken, records: len(records)})
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return err
		}
	}
	f.written = append(f.written, records)
	return nil
}

func gridRecord(serial uint32, power float64) inter.MeasurementRecord {
	return inter.MeasurementRecord{
		Kind:         inter.RecordGrid,
		DeviceSerial: serial,
		Timestamp:    time.Now().UTC(),
		Fields:       map[string]float64{"power": power},
	}
}

func newDelivery(r inter.CredentialResolver, s inter.SinkWriter) *DeliveryService {
	return NewDeliveryService(r, s, 3, time.Millisecond, zerolog.Nop())
}

// =============================================================================
// 送达策略测试
// =============================================================================

// 测试：正常路径一次写入成功
func TestDeliver_HappyPath(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 12345678, []inter.MeasurementRecord{gridRecord(12345678, 540)})
	require.NoError(t, err)
	assert.Len(t, sink.writes, 1)
	assert.Equal(t, 1, resolver.resolves)
}

// 测试：顺序保持。R2 注入瞬态失败，接收端观察到的成功写入
// 顺序必须是 R1, R2(重试), R3 —— 重试不会把后续批次挤到前面
func TestDeliver_OrderAcrossRetry(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{
		nil,                     // R1 成功
		inter.ErrWriteTransient, // R2 第一次失败
		nil,                     // R2 重试成功
		nil,                     // R3 成功
	}}
	d := newDelivery(resolver, sink)

	ctx := context.Background()
	for i, power := range []float64{1, 2, 3} {
		err := d.Deliver(ctx, 7, []inter.MeasurementRecord{gridRecord(7, power)})
		require.NoError(t, err, "batch %d", i+1)
	}

	require.Len(t, sink.written, 3)
	assert.InDelta(t, 1.0, sink.written[0][0].Fields["power"], 1e-9)
	assert.InDelta(t, 2.0, sink.written[1][0].Fields["power"], 1e-9)
	assert.InDelta(t, 3.0, sink.written[2][0].Fields["power"], 1e-9)
}

// 测试：鉴权被拒 -> 失效缓存 -> 换新凭证立即重试一次
func TestDeliver_UnauthorizedRetriesWithFreshCredential(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{inter.ErrWriteUnauthorized}}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.invalidates)
	require.Len(t, sink.writes, 2)
	assert.Equal(t, "wt-gen-0", sink.writes[0].token)
	assert.Equal(t, "wt-gen-1", sink.writes[1].token, "retry must use fresh credential")
}

// 测试：换新凭证后仍被拒则丢弃批次，不无限重试
func TestDeliver_UnauthorizedTwiceDrops(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{inter.ErrWriteUnauthorized, inter.ErrWriteUnauthorized}}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	require.NoError(t, err)

	assert.Len(t, sink.writes, 2)
	assert.Empty(t, sink.written)
	assert.Equal(t, 1, resolver.invalidates)
}

// 测试：数据被拒不重试
func TestDeliver_RejectedNoRetry(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{inter.ErrWriteRejected}}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	require.NoError(t, err)
	assert.Len(t, sink.writes, 1)
}

// 测试：瞬态失败重试至上限后丢弃
func TestDeliver_TransientExhaustsAndDrops(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{
		inter.ErrWriteTransient,
		inter.ErrWriteTransient,
		inter.ErrWriteTransient,
		inter.ErrWriteTransient, // 不会用到：上限 3 次
	}}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	require.NoError(t, err)
	assert.Len(t, sink.writes, 3, "attempts capped at maxAttempts")
}

// 测试：NotFound 终态，丢批次不访问接收端
func TestDeliver_NotFoundDropsBatch(t *testing.T) {
	resolver := &fakeResolver{notFound: true}
	sink := &fakeSink{}
	d := newDelivery(resolver, sink)

	err := d.Deliver(context.Background(), 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	require.NoError(t, err)
	assert.Empty(t, sink.writes)
	assert.Equal(t, 1, resolver.resolves)
}

// 测试：上下文取消中断退避等待并透出
func TestDeliver_ContextCancelDuringBackoff(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{script: []error{inter.ErrWriteTransient, inter.ErrWriteTransient, inter.ErrWriteTransient}}
	d := NewDeliveryService(resolver, sink, 5, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := d.Deliver(ctx, 7, []inter.MeasurementRecord{gridRecord(7, 540)})
	assert.ErrorIs(t, err, context.Canceled)
}

// 测试：空批次直接成功
func TestDeliver_EmptyBatch(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	d := newDelivery(resolver, sink)

	require.NoError(t, d.Deliver(context.Background(), 7, nil))
	assert.Zero(t, resolver.resolves)
}
