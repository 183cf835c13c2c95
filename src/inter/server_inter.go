package inter

import (
	"context"
	"time"
)

// SessionPhase 会话状态机的阶段
type SessionPhase int32

const (
	// PhaseAwaitingHello 等待握手帧绑定序列号
	PhaseAwaitingHello SessionPhase = iota
	// PhaseEstablished 序列号已绑定，进入稳态收发
	PhaseEstablished
	// PhaseClosing 会话收尾：冲刷在途写入，不再发送 ACK
	PhaseClosing
)

// String 返回阶段的可读名称
func (p SessionPhase) String() string {
	switch p {
	case PhaseAwaitingHello:
		return "awaiting_hello"
	case PhaseEstablished:
		return "established"
	case PhaseClosing:
		return "closing"
	}
	return "invalid"
}

// SessionSnapshot 会话的只读快照，供监控接口展示
type SessionSnapshot struct {
	Serial       uint32    `json:"serial"`
	RemoteAddr   string    `json:"remote_addr"`
	Phase        string    `json:"phase"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	// Records 已解码并入队的记录数
	Records uint64 `json:"records"`
	// Dropped 因队列满被丢弃的记录数
	Dropped uint64 `json:"dropped"`
	// DecodeFailures 累计解码失败次数
	DecodeFailures uint64 `json:"decode_failures"`
}

// SessionRegistry 在线会话登记表，监控接口的只读数据源
type SessionRegistry interface {
	// Snapshot 返回全部在线会话的快照
	Snapshot() []SessionSnapshot
	// Count 当前在线会话数
	Count() int
}

// Server 定义设备接入服务的接口：启动 TCP 监听并托管全部设备会话。
// 单个会话内的错误或 panic 不得波及监听循环与其他会话。
type Server interface {
	// Run 启动监听并阻塞，直到上下文取消后完成收尾
	Run(ctx context.Context) error
	// Registry 返回在线会话登记表
	Registry() SessionRegistry
}
