package inter

import (
	"errors"
	"time"
)

// 遥测解码相关的标准错误
var (
	// ErrUnknownControlCode 控制码无对应布局。仅作跳过信号，不判定为故障。
	ErrUnknownControlCode = errors.New("telemetry: 未知控制码，无对应布局")
	// ErrPayloadTooShort Payload 长度不足布局声明的最小长度
	ErrPayloadTooShort = errors.New("telemetry: payload 长度不足")
	// ErrPayloadCRC 寄存器区内嵌 CRC16 校验失败
	ErrPayloadCRC = errors.New("telemetry: 寄存器区 CRC16 校验失败")
)

// RecordKind 测量记录类型
type RecordKind string

const (
	// RecordUptime 运行时长计数
	RecordUptime RecordKind = "uptime"
	// RecordYield 发电量累计 (当日/总计)
	RecordYield RecordKind = "yield"
	// RecordGrid 交流侧电网读数
	RecordGrid RecordKind = "grid"
	// RecordStringProduction 单组串实时产出
	RecordStringProduction RecordKind = "string_production"
	// RecordStringYield 单组串发电量累计
	RecordStringYield RecordKind = "string_yield"
)

// MeasurementRecord 一条解码后的测量记录。解码后不可变，
// 由上游写入方消费一次后即丢弃。
type MeasurementRecord struct {
	Kind RecordKind `json:"kind"`
	// DeviceSerial 采集器序列号，即租户路由键
	DeviceSerial uint32 `json:"device_serial"`
	// InverterSerial 逆变器序列号 (0 表示 payload 未携带)
	InverterSerial uint32 `json:"inverter_serial,omitempty"`
	// StringIndex 组串编号，从 1 起；整机记录为 0
	StringIndex int       `json:"string_index,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	// Fields 字段名到物理量的映射，已按布局表完成定点数换算
	Fields map[string]float64 `json:"fields"`
	// Clamped 被钳位修正过的字段名。设备上电瞬间会发出瞬态垃圾值，
	// 越界值钳位并标记，而不是整帧拒绝。
	Clamped []string `json:"clamped,omitempty"`
}

// TelemetryDecoder 将帧的控制码与 Payload 映射为测量记录。纯函数、确定性。
// 一帧可产出多条记录 (如 PrimaryUpdate = 1 条 Grid + N 条 StringProduction)。
type TelemetryDecoder interface {
	DecodePayload(code ControlCode, serial uint32, payload []byte) ([]MeasurementRecord, error)
}
