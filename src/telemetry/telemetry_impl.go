package telemetry

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
	"github.com/sigurn/crc16"
	"gopkg.in/yaml.v3"
)

// 布局参照表随二进制内嵌。字段偏移与缩放因子来自设备固件协议参考，
// 属于外部版本化资料，修订时只改 layouts.yaml 不动代码。
//
//go:embed layouts.yaml
var embeddedLayouts []byte

// Modbus CRC16 表，用于校验 payload 内嵌的寄存器区 CRC
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// now 可在测试中替换以固定时间戳
var now = time.Now

// =============================================================================
// 布局表结构
// =============================================================================

// fieldDef 单个字段的布局定义
type fieldDef struct {
	Name   string   `yaml:"name"`
	Record string   `yaml:"record"` // 仅 fixed 字段使用
	Offset int      `yaml:"offset"`
	Size   int      `yaml:"size"` // 2 或 4 字节
	Signed bool     `yaml:"signed"`
	Divide float64  `yaml:"divide"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

// stringBlock 重复组串块的布局定义
type stringBlock struct {
	Record string     `yaml:"record"`
	Base   int        `yaml:"base"`
	Stride int        `yaml:"stride"`
	Fields []fieldDef `yaml:"fields"`
}

// layoutDef 一个控制码对应的完整布局
type layoutDef struct {
	InverterSerialOffset *int         `yaml:"inverter_serial_offset"`
	Fixed                []fieldDef   `yaml:"fixed"`
	StringCountOffset    *int         `yaml:"string_count_offset"`
	Strings              *stringBlock `yaml:"strings"`
}

// layoutFile layouts.yaml 的顶层结构
type layoutFile struct {
	Version int                  `yaml:"version"`
	Layouts map[string]layoutDef `yaml:"layouts"`
}

// =============================================================================
// 解码器实现
// =============================================================================

// SolarDecoder 实现 inter.TelemetryDecoder。纯函数、并发安全。
type SolarDecoder struct {
	layouts map[inter.ControlCode]*layoutDef
	version int
	logger  zerolog.Logger
}

// NewSolarDecoder 加载内嵌布局表并创建解码器实例
func NewSolarDecoder(logger zerolog.Logger) (inter.TelemetryDecoder, error) {
	var file layoutFile
	if err := yaml.Unmarshal(embeddedLayouts, &file); err != nil {
		return nil, fmt.Errorf("布局表解析失败: %w", err)
	}
	if len(file.Layouts) == 0 {
		return nil, fmt.Errorf("布局表为空")
	}

	// 布局名到控制码的绑定
	nameToCode := map[string]inter.ControlCode{
		"primary_update":   inter.CodePrimaryUpdate,
		"secondary_update": inter.CodeSecondaryUpdate,
	}

	layouts := make(map[inter.ControlCode]*layoutDef, len(file.Layouts))
	for name, def := range file.Layouts {
		code, ok := nameToCode[name]
		if !ok {
			return nil, fmt.Errorf("布局表包含未知布局: %s", name)
		}
		d := def
		layouts[code] = &d
	}

	return &SolarDecoder{
		layouts: layouts,
		version: file.Version,
		logger:  logger.With().Str("component", "telemetry").Int("layout_version", file.Version).Logger(),
	}, nil
}

// recordKindFromName 布局表中的记录名到 RecordKind 的映射
func recordKindFromName(name string) inter.RecordKind {
	switch name {
	case "grid":
		return inter.RecordGrid
	case "uptime":
		return inter.RecordUptime
	case "yield":
		return inter.RecordYield
	case "string_production":
		return inter.RecordStringProduction
	case "string_yield":
		return inter.RecordStringYield
	}
	return inter.RecordKind(name)
}

// DecodePayload 将控制码与 Payload 映射为测量记录。
// 无布局的控制码返回 ErrUnknownControlCode，调用方记录后跳过即可。
func (d *SolarDecoder) DecodePayload(code inter.ControlCode, serial uint32, payload []byte) ([]inter.MeasurementRecord, error) {
	// Hello / HelloEnd / Heartbeat 不携带测量数据
	switch code {
	case inter.CodeHello, inter.CodeHelloEnd, inter.CodeHeartbeat:
		return nil, nil
	}

	layout, ok := d.layouts[code]
	if !ok {
		return nil, fmt.Errorf("%w: %v", inter.ErrUnknownControlCode, code)
	}

	// 寄存器区末尾 2 字节为 CRC16 (Modbus, 小端序)，先验后解
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: %d 字节", inter.ErrPayloadTooShort, len(payload))
	}
	regs := payload[:len(payload)-2]
	expected := binary.LittleEndian.Uint16(payload[len(payload)-2:])
	if actual := crc16.Checksum(regs, modbusTable); actual != expected {
		return nil, fmt.Errorf("%w: 期望 0x%04X, 实际 0x%04X", inter.ErrPayloadCRC, expected, actual)
	}

	ts := now().UTC()

	var inverterSerial uint32
	if layout.InverterSerialOffset != nil {
		off := *layout.InverterSerialOffset
		if off+4 > len(regs) {
			return nil, fmt.Errorf("%w: 逆变器序列号越界", inter.ErrPayloadTooShort)
		}
		inverterSerial = binary.BigEndian.Uint32(regs[off : off+4])
	}

	var records []inter.MeasurementRecord

	// --- 固定字段：按记录类型分组，保持布局表中的出现顺序 ---
	var order []string
	grouped := make(map[string]*inter.MeasurementRecord)
	for _, f := range layout.Fixed {
		raw, err := extractField(regs, f)
		if err != nil {
			return nil, err
		}
		rec, exists := grouped[f.Record]
		if !exists {
			rec = &inter.MeasurementRecord{
				Kind:           recordKindFromName(f.Record),
				DeviceSerial:   serial,
				InverterSerial: inverterSerial,
				Timestamp:      ts,
				Fields:         make(map[string]float64),
			}
			grouped[f.Record] = rec
			order = append(order, f.Record)
		}
		applyField(rec, f, raw)
	}
	for _, name := range order {
		records = append(records, *grouped[name])
	}

	// --- 组串重复块 ---
	if layout.Strings != nil && layout.StringCountOffset != nil {
		off := *layout.StringCountOffset
		if off+2 > len(regs) {
			return nil, fmt.Errorf("%w: 组串数量字段越界", inter.ErrPayloadTooShort)
		}
		count := int(binary.BigEndian.Uint16(regs[off : off+2]))

		blk := layout.Strings
		need := blk.Base + blk.Stride*count
		if need > len(regs) {
			return nil, fmt.Errorf("%w: 声明 %d 组串需要 %d 字节，实际 %d", inter.ErrPayloadTooShort, count, need, len(regs))
		}

		for i := 0; i < count; i++ {
			rec := inter.MeasurementRecord{
				Kind:           recordKindFromName(blk.Record),
				DeviceSerial:   serial,
				InverterSerial: inverterSerial,
				StringIndex:    i + 1,
				Timestamp:      ts,
				Fields:         make(map[string]float64),
			}
			base := blk.Base + blk.Stride*i
			for _, f := range blk.Fields {
				shifted := f
				shifted.Offset = base + f.Offset
				raw, err := extractField(regs, shifted)
				if err != nil {
					return nil, err
				}
				applyField(&rec, f, raw)
			}
			records = append(records, rec)
		}
	}

	for i := range records {
		if len(records[i].Clamped) > 0 {
			d.logger.Debug().
				Uint32("serial", serial).
				Str("kind", string(records[i].Kind)).
				Strs("clamped", records[i].Clamped).
				Msg("字段越界，已钳位修正")
		}
	}

	return records, nil
}

// extractField 从寄存器区取出一个原始定点数值
func extractField(regs []byte, f fieldDef) (float64, error) {
	end := f.Offset + f.Size
	if f.Offset < 0 || end > len(regs) {
		return 0, fmt.Errorf("%w: 字段 %s 越界 [%d:%d]", inter.ErrPayloadTooShort, f.Name, f.Offset, end)
	}

	var raw float64
	switch f.Size {
	case 2:
		v := binary.BigEndian.Uint16(regs[f.Offset:end])
		if f.Signed {
			raw = float64(int16(v))
		} else {
			raw = float64(v)
		}
	case 4:
		v := binary.BigEndian.Uint32(regs[f.Offset:end])
		if f.Signed {
			raw = float64(int32(v))
		} else {
			raw = float64(v)
		}
	default:
		return 0, fmt.Errorf("布局表字段 %s 的 size 非法: %d", f.Name, f.Size)
	}
	return raw, nil
}

// applyField 完成缩放与钳位后写入记录。
// 越界值钳位到区间边界并在 Clamped 中标记，设备上电瞬间的
// 瞬态垃圾值不应导致整帧被拒。
func applyField(rec *inter.MeasurementRecord, f fieldDef, raw float64) {
	value := raw
	if f.Divide > 0 && f.Divide != 1 {
		value = raw / f.Divide
	}

	clamped := false
	if f.Min != nil && value < *f.Min {
		value = *f.Min
		clamped = true
	}
	if f.Max != nil && value > *f.Max {
		value = *f.Max
		clamped = true
	}
	if clamped {
		rec.Clamped = append(rec.Clamped, f.Name)
	}

	rec.Fields[f.Name] = value
}
