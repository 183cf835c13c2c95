package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/nhirsama/Goster-Solar/src/inter"
)

// SolarCodec 实现 inter.FrameCodec 接口。无状态，可并发使用。
type SolarCodec struct{}

// NewSolarCodec 创建一个新的编解码器实例
func NewSolarCodec() inter.FrameCodec {
	return &SolarCodec{}
}

// checksum8 对 data 做 8 位累加和。
// 覆盖范围：长度字段起、校验和字节止 (不含两端标记)。
func checksum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// Decode 从缓冲区头部解析一帧。
//
// 设备走 TCP 流，一次 Read 可能只拿到半帧，也可能粘了多帧。
// 调用方维护累积缓冲区并反复调用本方法：返回 ErrTruncated 时等待更多数据；
// 其余情况按 consumed 推进缓冲区。
// 故障判定次序：起始标记 → 长度上限 → 截断 → 校验和 → 结束标记。
func (c *SolarCodec) Decode(buf []byte) (*inter.Frame, int, error) {
	// 起始标记只需 2 字节即可判定，先于截断检查：
	// 对齐错误的流没必要等更多数据
	if len(buf) < 2 {
		return nil, 0, inter.ErrTruncated
	}
	if marker := binary.BigEndian.Uint16(buf[0:2]); marker != inter.StartMarker {
		// 丢弃 1 字节，让调用方向后寻找下一个可能的帧头
		return nil, 1, fmt.Errorf("%w: 0x%04X", inter.ErrBadStartMarker, marker)
	}

	if len(buf) < inter.HeaderSize {
		return nil, 0, inter.ErrTruncated
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if payloadLen > inter.MaxPayloadSize {
		// 长度非法时整个头部不可信，仅跳过起始标记重新同步
		return nil, 2, fmt.Errorf("%w: 声明长度 %d 超过上限 %d", inter.ErrLengthMismatch, payloadLen, inter.MaxPayloadSize)
	}

	total := inter.FrameOverhead + payloadLen
	if len(buf) < total {
		return nil, 0, inter.ErrTruncated
	}

	// 校验和覆盖 [2, 11+N)
	body := buf[2 : inter.HeaderSize+payloadLen]
	expected := buf[inter.HeaderSize+payloadLen]
	if actual := checksum8(body); actual != expected {
		return nil, total, fmt.Errorf("%w: 期望 0x%02X, 实际 0x%02X", inter.ErrChecksumMismatch, expected, actual)
	}

	if marker := binary.BigEndian.Uint16(buf[total-2 : total]); marker != inter.EndMarker {
		return nil, total, fmt.Errorf("%w: 0x%04X", inter.ErrBadEndMarker, marker)
	}

	frame := &inter.Frame{
		Control:      inter.ControlCode(buf[4]),
		DeviceSerial: binary.BigEndian.Uint32(buf[5:9]),
		Sequence:     binary.BigEndian.Uint16(buf[9:11]),
	}
	if payloadLen > 0 {
		// 拷贝出来，调用方推进缓冲区后帧仍然有效
		frame.Payload = make([]byte, payloadLen)
		copy(frame.Payload, buf[inter.HeaderSize:inter.HeaderSize+payloadLen])
	}

	return frame, total, nil
}

// Encode 将帧序列化为传输字节流
func (c *SolarCodec) Encode(frame *inter.Frame) ([]byte, error) {
	payloadLen := len(frame.Payload)
	if payloadLen > inter.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d 字节", inter.ErrLengthMismatch, payloadLen)
	}

	total := inter.FrameOverhead + payloadLen
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], inter.StartMarker)
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadLen))
	buf[4] = byte(frame.Control)
	binary.BigEndian.PutUint32(buf[5:9], frame.DeviceSerial)
	binary.BigEndian.PutUint16(buf[9:11], frame.Sequence)
	copy(buf[inter.HeaderSize:], frame.Payload)

	buf[inter.HeaderSize+payloadLen] = checksum8(buf[2 : inter.HeaderSize+payloadLen])
	binary.BigEndian.PutUint16(buf[total-2:total], inter.EndMarker)

	return buf, nil
}

// EncodeAck 构造确认帧：同控制码、同帧序号、空 Payload。
// 空 Payload 的 Encode 不会失败，这里直接吞掉错误分支。
func (c *SolarCodec) EncodeAck(code inter.ControlCode, serial uint32, seq uint16) []byte {
	buf, _ := c.Encode(&inter.Frame{
		Control:      code,
		DeviceSerial: serial,
		Sequence:     seq,
	})
	return buf
}
