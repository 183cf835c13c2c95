package session

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/nhirsama/Goster-Solar/src/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 测试替身
// =============================================================================

// scriptDecoder 按 Payload 首字节生成记录，便于断言顺序。
// 首字节 0xFF 模拟 payload 损坏。
type scriptDecoder struct{}

func (d *scriptDecoder) DecodePayload(code inter.ControlCode, serial uint32, payload []byte) ([]inter.MeasurementRecord, error) {
	switch code {
	case inter.CodeHello, inter.CodeHelloEnd, inter.CodeHeartbeat:
		return nil, nil
	case inter.CodePrimaryUpdate, inter.CodeSecondaryUpdate:
		if len(payload) > 0 && payload[0] == 0xFF {
			return nil, inter.ErrPayloadCRC
		}
		var n float64
		if len(payload) > 0 {
			n = float64(payload[0])
		}
		return []inter.MeasurementRecord{{
			Kind:         inter.RecordGrid,
			DeviceSerial: serial,
			Timestamp:    time.Now().UTC(),
			Fields:       map[string]float64{"n": n},
		}}, nil
	}
	return nil, inter.ErrUnknownControlCode
}

// recordingDeliverer 记录每次 Deliver 调用。block 不为空时模拟缓慢接收端。
type recordingDeliverer struct {
	mu      sync.Mutex
	serials []uint32
	batches [][]inter.MeasurementRecord
	started chan struct{}
	block   chan struct{}
}

func (d *recordingDeliverer) Deliver(ctx context.Context, serial uint32, batch []inter.MeasurementRecord) error {
	if d.started != nil {
		select {
		case d.started <- struct{}{}:
		default:
		}
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serials = append(d.serials, serial)
	d.batches = append(d.batches, batch)
	return nil
}

func (d *recordingDeliverer) snapshot() (serials []uint32, batches [][]inter.MeasurementRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.serials...), append([][]inter.MeasurementRecord(nil), d.batches...)
}

// testClient 模拟采集器端：发帧、收 ACK
type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec inter.FrameCodec
}

func (c *testClient) send(code inter.ControlCode, serial uint32, seq uint16, payload []byte) {
	c.t.Helper()
	data, err := c.codec.Encode(&inter.Frame{Control: code, DeviceSerial: serial, Sequence: seq, Payload: payload})
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *testClient) readAck() *inter.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, inter.FrameOverhead)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(c.t, err)
	frame, consumed, err := c.codec.Decode(buf)
	require.NoError(c.t, err)
	require.Equal(c.t, inter.FrameOverhead, consumed)
	return frame
}

// corruptFrame 构造校验和损坏的帧 (整帧可定界，但校验失败)
func corruptFrame(t *testing.T, codec inter.FrameCodec) []byte {
	t.Helper()
	data, err := codec.Encode(&inter.Frame{Control: inter.CodeHeartbeat, DeviceSerial: 1, Sequence: 1})
	require.NoError(t, err)
	data[len(data)-3] ^= 0xA5
	return data
}

func startSession(t *testing.T, cfg Config, deliverer inter.Deliverer) (*testClient, *Session, chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	codec := protocol.NewSolarCodec()
	s := New(server, codec, &scriptDecoder{}, deliverer, cfg, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()
	t.Cleanup(func() { _ = client.Close() })
	return &testClient{t: t, conn: client, codec: codec}, s, done
}

func waitClosed(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("会话未在期限内关闭")
	}
}

// =============================================================================
// 状态机
// =============================================================================

func TestSession_HelloBindsSerial(t *testing.T) {
	client, s, _ := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHello, 12345678, 1, nil)
	ack := client.readAck()

	require.Equal(t, inter.CodeHello, ack.Control)
	require.Equal(t, uint32(12345678), ack.DeviceSerial)
	require.Equal(t, uint16(1), ack.Sequence)
	require.Empty(t, ack.Payload)

	require.Equal(t, uint32(12345678), s.Serial())
	require.Equal(t, inter.PhaseEstablished, s.Phase())
}

func TestSession_RepeatedHelloIsIdempotent(t *testing.T) {
	client, s, _ := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHello, 42, 1, nil)
	client.readAck()
	client.send(inter.CodeHello, 42, 2, nil)
	ack := client.readAck()

	require.Equal(t, uint16(2), ack.Sequence)
	require.Equal(t, uint32(42), s.Serial())
	require.Equal(t, inter.PhaseEstablished, s.Phase())
}

func TestSession_SerialRebindCloses(t *testing.T) {
	client, s, done := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHello, 42, 1, nil)
	client.readAck()
	client.send(inter.CodeHello, 43, 2, nil)

	waitClosed(t, done)
	// 换绑帧不产生 ACK，绑定序列号保持不变
	require.Equal(t, uint32(42), s.Serial())
	require.Equal(t, inter.PhaseClosing, s.Phase())
}

func TestSession_NonHelloBeforeHandshakeCloses(t *testing.T) {
	client, s, done := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHeartbeat, 42, 1, nil)

	waitClosed(t, done)
	require.Equal(t, uint32(0), s.Serial())
}

func TestSession_HeartbeatAcked(t *testing.T) {
	client, _, _ := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHello, 7, 1, nil)
	client.readAck()
	client.send(inter.CodeHeartbeat, 7, 2, nil)
	ack := client.readAck()

	require.Equal(t, inter.CodeHeartbeat, ack.Control)
	require.Equal(t, uint16(2), ack.Sequence)
}

func TestSession_UnknownControlCodeSkipped(t *testing.T) {
	client, s, _ := startSession(t, Config{}, &recordingDeliverer{})

	client.send(inter.CodeHello, 7, 1, nil)
	client.readAck()
	client.send(inter.ControlCode(0x7F), 7, 2, nil)
	ack := client.readAck()

	// 未建模的帧类型照常 ACK，会话不关
	require.Equal(t, inter.ControlCode(0x7F), ack.Control)
	require.Equal(t, inter.PhaseEstablished, s.Phase())
}

// =============================================================================
// 记录送达
// =============================================================================

func TestSession_RecordsDeliveredInOrder(t *testing.T) {
	deliverer := &recordingDeliverer{}
	client, s, done := startSession(t, Config{}, deliverer)

	client.send(inter.CodeHello, 99, 1, nil)
	client.readAck()
	for i := 1; i <= 5; i++ {
		client.send(inter.CodePrimaryUpdate, 99, uint16(i+1), []byte{byte(i)})
		client.readAck()
	}
	require.NoError(t, client.conn.Close())
	waitClosed(t, done)

	serials, batches := deliverer.snapshot()
	require.Len(t, batches, 5)
	for i, batch := range batches {
		require.Equal(t, uint32(99), serials[i])
		require.Len(t, batch, 1)
		require.Equal(t, float64(i+1), batch[0].Fields["n"])
		require.Equal(t, uint32(99), batch[0].DeviceSerial)
	}
	require.Equal(t, uint64(5), s.Snapshot().Records)
}

func TestSession_QueueFullDropsNotBlocks(t *testing.T) {
	deliverer := &recordingDeliverer{block: make(chan struct{}), started: make(chan struct{}, 1)}
	client, s, done := startSession(t, Config{QueueDepth: 1}, deliverer)

	client.send(inter.CodeHello, 99, 1, nil)
	client.readAck()
	// 第一条被送达协程取走后卡住，第二条占满队列，其余 4 条应被丢弃
	client.send(inter.CodePrimaryUpdate, 99, 2, []byte{1})
	client.readAck()
	<-deliverer.started
	for i := 0; i < 5; i++ {
		client.send(inter.CodePrimaryUpdate, 99, uint16(i+3), []byte{byte(i + 2)})
		client.readAck()
	}

	require.Eventually(t, func() bool {
		return s.Snapshot().Dropped >= 4
	}, 2*time.Second, 10*time.Millisecond)

	close(deliverer.block)
	require.NoError(t, client.conn.Close())
	waitClosed(t, done)

	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Records)
	require.Equal(t, uint64(4), snap.Dropped)
}

func TestSession_FlushesQueuedBatchesOnClose(t *testing.T) {
	deliverer := &recordingDeliverer{block: make(chan struct{})}
	client, _, done := startSession(t, Config{QueueDepth: 8}, deliverer)

	client.send(inter.CodeHello, 5, 1, nil)
	client.readAck()
	client.send(inter.CodePrimaryUpdate, 5, 2, []byte{1})
	client.readAck()
	client.send(inter.CodePrimaryUpdate, 5, 3, []byte{2})
	client.readAck()

	// 对端断开后才放行送达：已入队的批次仍须冲刷完成
	require.NoError(t, client.conn.Close())
	close(deliverer.block)
	waitClosed(t, done)

	_, batches := deliverer.snapshot()
	require.Len(t, batches, 2)
}

// =============================================================================
// 故障处理
// =============================================================================

func TestSession_PayloadFailureKeepsSessionOpen(t *testing.T) {
	deliverer := &recordingDeliverer{}
	client, s, _ := startSession(t, Config{}, deliverer)

	client.send(inter.CodeHello, 9, 1, nil)
	client.readAck()
	client.send(inter.CodePrimaryUpdate, 9, 2, []byte{0xFF})
	ack := client.readAck()
	require.Equal(t, uint16(2), ack.Sequence)

	client.send(inter.CodePrimaryUpdate, 9, 3, []byte{7})
	client.readAck()

	require.Equal(t, inter.PhaseEstablished, s.Phase())
	require.Eventually(t, func() bool {
		_, batches := deliverer.snapshot()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), s.Snapshot().DecodeFailures)
}

func TestSession_ConsecutiveDecodeFailuresClose(t *testing.T) {
	client, s, done := startSession(t, Config{MaxDecodeFailures: 3}, &recordingDeliverer{})

	client.send(inter.CodeHello, 9, 1, nil)
	client.readAck()
	bad := corruptFrame(t, client.codec)
	for i := 0; i < 3; i++ {
		client.sendRaw(bad)
	}

	waitClosed(t, done)
	require.Equal(t, uint64(3), s.Snapshot().DecodeFailures)
}

func TestSession_GoodFrameResetsFailureCounter(t *testing.T) {
	client, s, _ := startSession(t, Config{MaxDecodeFailures: 3}, &recordingDeliverer{})

	client.send(inter.CodeHello, 9, 1, nil)
	client.readAck()
	bad := corruptFrame(t, client.codec)
	client.sendRaw(bad)
	client.sendRaw(bad)
	client.send(inter.CodeHeartbeat, 9, 2, nil)
	client.readAck()
	client.sendRaw(bad)
	client.sendRaw(bad)
	client.send(inter.CodeHeartbeat, 9, 3, nil)
	ack := client.readAck()

	require.Equal(t, uint16(3), ack.Sequence)
	require.Equal(t, inter.PhaseEstablished, s.Phase())
	require.Equal(t, uint64(4), s.Snapshot().DecodeFailures)
}

func TestSession_FrameSplitAcrossReads(t *testing.T) {
	client, s, _ := startSession(t, Config{}, &recordingDeliverer{})

	data, err := client.codec.Encode(&inter.Frame{Control: inter.CodeHello, DeviceSerial: 1234, Sequence: 1})
	require.NoError(t, err)
	client.sendRaw(data[:5])
	time.Sleep(20 * time.Millisecond)
	client.sendRaw(data[5:])

	ack := client.readAck()
	require.Equal(t, inter.CodeHello, ack.Control)
	require.Equal(t, uint32(1234), s.Serial())
}

func TestSession_IdleTimeoutCloses(t *testing.T) {
	client, s, done := startSession(t, Config{IdleTimeout: 80 * time.Millisecond}, &recordingDeliverer{})

	client.send(inter.CodeHello, 9, 1, nil)
	client.readAck()

	waitClosed(t, done)
	require.Equal(t, inter.PhaseClosing, s.Phase())
}

func TestSession_ContextCancelStopsSession(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	codec := protocol.NewSolarCodec()
	s := New(server, codec, &scriptDecoder{}, &recordingDeliverer{}, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	cancel()
	waitClosed(t, done)
}
