package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/nhirsama/Goster-Solar/src/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config 监听器与并发上限配置
type Config struct {
	// Addr TCP 监听地址，如 ":7002"
	Addr string
	// MaxConnections 并发连接上限。到达上限后新连接立即关闭并记录，
	// 不排队、不阻塞 Accept 循环
	MaxConnections int64
	// Session 每会话行为参数，透传给会话层
	Session session.Config
}

// SolarServer 采集器接入服务：监听 TCP 端口，为每条连接
// 启动独立会话协程。单个连接的崩溃、恶意输入或缓慢接收端
// 不影响其他连接。
type SolarServer struct {
	cfg       Config
	codec     inter.FrameCodec
	decoder   inter.TelemetryDecoder
	deliverer inter.Deliverer
	logger    zerolog.Logger

	sem      *semaphore.Weighted
	sessions sync.Map // *session.Session -> struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewSolarServer 创建接入服务实例
func NewSolarServer(cfg Config, codec inter.FrameCodec, decoder inter.TelemetryDecoder, deliverer inter.Deliverer, logger zerolog.Logger) *SolarServer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	return &SolarServer{
		cfg:       cfg,
		codec:     codec,
		decoder:   decoder,
		deliverer: deliverer,
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
		logger:    logger.With().Str("component", "server").Logger(),
	}
}

// Addr 实际监听地址 (尚未监听时为 nil)，端口 0 启动的测试依赖它
func (s *SolarServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry 返回会话注册表视图，供监控接口使用
func (s *SolarServer) Registry() inter.SessionRegistry {
	return (*registryView)(s)
}

// Run 启动监听并阻塞直到上下文取消。
// 取消后停止接纳新连接，等待存量会话冲刷退出。
func (s *SolarServer) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("接入服务监听 %s 失败: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", l.Addr().String()).
		Int64("max_connections", s.cfg.MaxConnections).
		Msg("接入服务已启动")

	// 上下文取消时关闭监听器，解除阻塞中的 Accept
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("接收连接失败")
			continue
		}

		// 并发上限：拿不到名额立即拒绝，绝不阻塞 Accept
		if !s.sem.TryAcquire(1) {
			s.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Msg("连接数已达上限，拒绝新连接")
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.logger.Info().Msg("停止接纳新连接，等待存量会话退出")
	s.wg.Wait()
	s.logger.Info().Msg("接入服务已停止")
	return nil
}

// serveConn 单连接生命周期。panic 只终结本连接，不拖垮进程。
func (s *SolarServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("remote", conn.RemoteAddr().String()).
				Msg("会话协程 panic，连接已终止")
			_ = conn.Close()
		}
	}()

	sess := session.New(conn, s.codec, s.decoder, s.deliverer, s.cfg.Session, s.logger)
	s.sessions.Store(sess, struct{}{})
	defer s.sessions.Delete(sess)

	sess.Run(ctx)
}

// registryView 把服务器的会话表适配成只读注册表
type registryView SolarServer

func (r *registryView) Snapshot() []inter.SessionSnapshot {
	out := make([]inter.SessionSnapshot, 0, 16)
	r.sessions.Range(func(key, _ any) bool {
		out = append(out, key.(*session.Session).Snapshot())
		return true
	})
	return out
}

func (r *registryView) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
