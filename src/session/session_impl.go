package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
)

// Config 会话行为参数
type Config struct {
	// IdleTimeout 空闲超时：超过该时长没有任何帧到达即关闭会话
	IdleTimeout time.Duration
	// MaxDecodeFailures 连续解码失败阈值。单帧损坏 (线路噪声) 不关连接，
	// 连续失败到阈值才判定对端不可救
	MaxDecodeFailures int
	// QueueDepth 每会话待送达批次队列深度。接收端持续变慢时队列填满，
	// 新解出的记录丢弃计数，绝不无界缓冲
	QueueDepth int
	// WriteTimeout ACK 回写超时
	WriteTimeout time.Duration
}

// Session 一条设备连接的协议会话。
// 状态机: AwaitingHello -> Established -> Closing。
// 序列号一经绑定不可变更，换绑视为协议违例立即关闭。
type Session struct {
	conn      net.Conn
	codec     inter.FrameCodec
	decoder   inter.TelemetryDecoder
	deliverer inter.Deliverer
	cfg       Config
	logger    zerolog.Logger

	phase  atomic.Int32
	serial atomic.Uint32 // 0 表示尚未绑定

	connectedAt  time.Time
	lastActivity atomic.Int64 // UnixNano

	// 计数器，监控快照并发读取
	records        atomic.Uint64
	dropped        atomic.Uint64
	decodeFailures atomic.Uint64

	// queue 待送达批次。读循环入队，专属送达协程出队，
	// 单消费者保证同设备记录按接收顺序送达
	queue chan []inter.MeasurementRecord
}

// New 创建会话实例 (尚未开始读取)
func New(conn net.Conn, codec inter.FrameCodec, decoder inter.TelemetryDecoder, deliverer inter.Deliverer, cfg Config, logger zerolog.Logger) *Session {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxDecodeFailures <= 0 {
		cfg.MaxDecodeFailures = 5
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &Session{
		conn:        conn,
		codec:       codec,
		decoder:     decoder,
		deliverer:   deliverer,
		cfg:         cfg,
		connectedAt: time.Now(),
		queue:       make(chan []inter.MeasurementRecord, cfg.QueueDepth),
		logger: logger.With().
			Str("component", "session").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	s.phase.Store(int32(inter.PhaseAwaitingHello))
	s.touch()
	return s
}

// Serial 已绑定的设备序列号 (未绑定时为 0)
func (s *Session) Serial() uint32 {
	return s.serial.Load()
}

// Phase 当前状态机阶段
func (s *Session) Phase() inter.SessionPhase {
	return inter.SessionPhase(s.phase.Load())
}

// Snapshot 会话只读快照，供监控接口展示
func (s *Session) Snapshot() inter.SessionSnapshot {
	return inter.SessionSnapshot{
		Serial:         s.serial.Load(),
		RemoteAddr:     s.conn.RemoteAddr().String(),
		Phase:          s.Phase().String(),
		ConnectedAt:    s.connectedAt,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
		Records:        s.records.Load(),
		Dropped:        s.dropped.Load(),
		DecodeFailures: s.decodeFailures.Load(),
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Run 驱动会话直到连接关闭、空闲超时或协议违例。
// 返回前冲刷已入队的批次。上下文取消时中断在途重试并尽快退出。
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Info().Msg("会话建立")

	// 上下文取消时把读截止时间拨到过去，解除阻塞中的 Read
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-watchdogDone:
		}
	}()

	// 送达用会话级上下文：会话收尾超时可以单独中断在途重试，
	// 而不触碰进程级上下文
	deliveryCtx, cancelDelivery := context.WithCancel(ctx)
	defer cancelDelivery()

	// 专属送达协程：单消费者，保证同设备记录顺序
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		for batch := range s.queue {
			if err := s.deliverer.Deliver(deliveryCtx, s.serial.Load(), batch); err != nil {
				// 只有上下文取消会走到这里，剩余批次随队列关闭一并放弃
				s.logger.Debug().Err(err).Msg("送达中断")
				return
			}
		}
	}()

	reason := s.readLoop(ctx)

	// Closing: 不再发送 ACK，冲刷已入队批次后释放连接
	s.phase.Store(int32(inter.PhaseClosing))
	close(s.queue)
	select {
	case <-deliveryDone:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("收尾冲刷超时，中断剩余批次")
		cancelDelivery()
		<-deliveryDone
	}

	s.logger.Info().
		Uint32("serial", s.serial.Load()).
		Str("reason", reason).
		Uint64("records", s.records.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("会话关闭")
}

// readLoop 读取并处理帧，返回关闭原因
func (s *Session) readLoop(ctx context.Context) string {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 2048)
	consecutiveFailures := 0

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return "socket_error"
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "shutdown"
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.logger.Info().Uint32("serial", s.serial.Load()).Msg("空闲超时")
				return "idle_timeout"
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return "peer_closed"
			}
			s.logger.Warn().Err(err).Msg("读取失败")
			return "socket_error"
		}

		// 缓冲区内可能有零帧、一帧或多帧
		for {
			frame, consumed, derr := s.codec.Decode(buf)
			if errors.Is(derr, inter.ErrTruncated) {
				break
			}
			buf = buf[consumed:]

			if derr != nil {
				s.decodeFailures.Add(1)
				// 握手前收到坏帧直接判定协议违例，阈值容错只给已建立的会话
				if s.Phase() == inter.PhaseAwaitingHello {
					s.logger.Warn().Err(derr).Msg("握手前帧解码失败")
					return "protocol_violation"
				}
				consecutiveFailures++
				s.logger.Warn().
					Err(derr).
					Int("consecutive", consecutiveFailures).
					Msg("帧解码失败")
				if consecutiveFailures >= s.cfg.MaxDecodeFailures {
					return "decode_failures"
				}
				continue
			}
			consecutiveFailures = 0

			ok, reason := s.handleFrame(frame)
			if !ok {
				return reason
			}
		}

		// 压缩缓冲区，避免底层数组随切片推进无限增长
		if len(buf) == 0 {
			buf = buf[:0:cap(buf)]
		} else if cap(buf) > 64*1024 {
			buf = append(make([]byte, 0, 4096), buf...)
		}
	}
}

// handleFrame 按状态机处理一帧。返回 (继续?, 关闭原因)
func (s *Session) handleFrame(frame *inter.Frame) (bool, string) {
	s.touch()

	switch s.Phase() {
	case inter.PhaseAwaitingHello:
		if frame.Control != inter.CodeHello {
			// 握手前只接受 Hello，其余一律协议违例
			s.logger.Warn().
				Str("control", frame.Control.String()).
				Msg("握手前收到非 Hello 帧")
			return false, "protocol_violation"
		}
		s.serial.Store(frame.DeviceSerial)
		s.phase.Store(int32(inter.PhaseEstablished))
		s.logger.Info().Uint32("serial", frame.DeviceSerial).Msg("设备序列号已绑定")
		s.sendAck(frame)
		return true, ""

	case inter.PhaseEstablished:
		return s.handleEstablished(frame)
	}

	return false, "closing"
}

// handleEstablished 稳态帧处理
func (s *Session) handleEstablished(frame *inter.Frame) (bool, string) {
	switch frame.Control {
	case inter.CodeHello:
		// 重复 Hello 幂等；换序列号即违例
		if frame.DeviceSerial != s.serial.Load() {
			s.logger.Warn().
				Uint32("serial", s.serial.Load()).
				Uint32("new_serial", frame.DeviceSerial).
				Msg("会话试图换绑序列号")
			return false, "serial_rebind"
		}
		s.sendAck(frame)
		return true, ""

	case inter.CodeHelloEnd, inter.CodeHeartbeat:
		s.sendAck(frame)
		return true, ""

	case inter.CodePrimaryUpdate, inter.CodeSecondaryUpdate:
		records, err := s.decoder.DecodePayload(frame.Control, s.serial.Load(), frame.Payload)
		if err != nil {
			// Payload 解不开不关会话：记录、计数，仍然 ACK 让设备继续
			s.decodeFailures.Add(1)
			s.logger.Warn().
				Uint32("serial", s.serial.Load()).
				Err(err).
				Msg("payload 解码失败，跳过该帧")
			s.sendAck(frame)
			return true, ""
		}
		s.enqueue(records)
		s.sendAck(frame)
		return true, ""

	default:
		// 新固件可能发出尚未建模的帧类型：记录后跳过并 ACK，
		// 保持前向兼容，绝不崩会话
		s.logger.Info().
			Uint32("serial", s.serial.Load()).
			Str("control", frame.Control.String()).
			Msg("未知控制码，跳过")
		s.sendAck(frame)
		return true, ""
	}
}

// enqueue 把一批记录交给送达协程。队列满时丢弃并计数，
// 保护进程内存不被缓慢的接收端拖垮。
func (s *Session) enqueue(records []inter.MeasurementRecord) {
	if len(records) == 0 {
		return
	}
	select {
	case s.queue <- records:
		s.records.Add(uint64(len(records)))
	default:
		s.dropped.Add(uint64(len(records)))
		s.logger.Warn().
			Uint32("serial", s.serial.Load()).
			Int("records", len(records)).
			Msg("送达队列已满，丢弃记录")
	}
}

// sendAck 回写确认帧。设备收不到 ACK 会停发或断连，
// 这里失败只能记录并等读循环发现连接已坏。
func (s *Session) sendAck(frame *inter.Frame) {
	ack := s.codec.EncodeAck(frame.Control, frame.DeviceSerial, frame.Sequence)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.conn.Write(ack); err != nil {
		s.logger.Warn().Err(err).Msg("ACK 回写失败")
	}
}
