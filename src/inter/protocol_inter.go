package inter

import "errors"

// =============================================================================
// Goster-Solar 采集器协议常量与类型定义
// =============================================================================

const (
	// StartMarker 帧起始标记
	StartMarker uint16 = 0xAA55
	// EndMarker 帧结束标记
	EndMarker uint16 = 0x55AA
	// HeaderSize 固定头部大小 (起始标记2 + 长度2 + 控制码1 + 序列号SN4 + 帧序号2)
	HeaderSize = 11
	// FrameOverhead 除 Payload 外的固定开销 (头部11 + 校验和1 + 结束标记2)
	FrameOverhead = 14
	// MaxPayloadSize Payload 长度上限，超过即判定为长度非法
	MaxPayloadSize = 1024
)

// ControlCode 控制码类型别名
// 未在下方枚举中的取值按 Unknown 处理：记录日志后跳过，不中断会话
type ControlCode uint8

const (
	// CodeHello 握手帧，绑定设备序列号
	CodeHello ControlCode = 0x01
	// CodeHelloEnd 握手结束帧
	CodeHelloEnd ControlCode = 0x02
	// CodeHeartbeat 心跳帧，仅刷新空闲计时
	CodeHeartbeat ControlCode = 0x03
	// CodePrimaryUpdate 主上报帧：交流侧电网读数 + 各组串实时产出
	CodePrimaryUpdate ControlCode = 0x04
	// CodeSecondaryUpdate 次上报帧：运行时长、发电量累计 + 各组串累计
	CodeSecondaryUpdate ControlCode = 0x05
)

// Known 判断控制码是否为协议已定义的取值
func (c ControlCode) Known() bool {
	switch c {
	case CodeHello, CodeHelloEnd, CodeHeartbeat, CodePrimaryUpdate, CodeSecondaryUpdate:
		return true
	}
	return false
}

// String 返回控制码的可读名称，未知取值格式化为 unknown(0xXX)
func (c ControlCode) String() string {
	switch c {
	case CodeHello:
		return "hello"
	case CodeHelloEnd:
		return "hello_end"
	case CodeHeartbeat:
		return "heartbeat"
	case CodePrimaryUpdate:
		return "primary_update"
	case CodeSecondaryUpdate:
		return "secondary_update"
	}
	const hexdigits = "0123456789abcdef"
	return "unknown(0x" + string(hexdigits[c>>4]) + string(hexdigits[c&0x0F]) + ")"
}

// 帧解码相关的标准错误
var (
	// ErrTruncated 表示缓冲区尚不足一帧，需要继续读取。不是协议故障。
	ErrTruncated = errors.New("codec: 数据不足，等待后续字节")
	// ErrBadStartMarker 起始标记不匹配
	ErrBadStartMarker = errors.New("codec: 起始标记非法")
	// ErrBadEndMarker 结束标记不匹配
	ErrBadEndMarker = errors.New("codec: 结束标记非法")
	// ErrLengthMismatch 声明长度与实际不符或超出上限
	ErrLengthMismatch = errors.New("codec: 长度字段非法")
	// ErrChecksumMismatch 校验和不匹配
	ErrChecksumMismatch = errors.New("codec: 校验和不匹配")
)

// Frame 表示一个解码后的协议帧
//
// 二进制布局 (大端序)，总长 14 + N 字节:
//
//	[起始标记(2B)] [长度N(2B)] [控制码(1B)] [设备SN(4B)] [帧序号(2B)]
//	[Payload(N Bytes)] [校验和(1B)] [结束标记(2B)]
//
// 校验和为长度字段起、校验和止的全部字节的 8 位累加和。
type Frame struct {
	// Control 控制码 (保留原始字节，未知取值也完整保留)
	Control ControlCode
	// DeviceSerial 采集器设备序列号
	DeviceSerial uint32
	// Sequence 帧序号，用于 ACK 关联与重复检测
	Sequence uint16
	// Payload 业务数据
	Payload []byte
}

// FrameCodec 定义协议帧编解码的核心接口。实现必须是无状态纯函数。
type FrameCodec interface {
	// Decode 从累积缓冲区头部解析一帧。
	// 返回解码出的帧与消费的字节数；缓冲区不足一帧时返回 ErrTruncated。
	// 解码失败时 consumed 为应丢弃的字节数，调用方据此推进缓冲区。
	Decode(buf []byte) (frame *Frame, consumed int, err error)

	// Encode 将帧序列化为传输字节流 (测试与模拟器使用)
	Encode(frame *Frame) ([]byte, error)

	// EncodeAck 构造确认帧：与被确认帧同控制码、同帧序号、空 Payload。
	// 设备收不到合法 ACK 会停发或断连，ACK 构造是协议契约的一部分。
	EncodeAck(code ControlCode, serial uint32, seq uint16) []byte
}
