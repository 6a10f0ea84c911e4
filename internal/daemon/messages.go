package daemon

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the rblnservices messages consumed by the exporter.
const (
	deviceNameField  protowire.Number = 1
	deviceUUIDField  protowire.Number = 2
	deviceDevIDField protowire.Number = 3

	hwTemperatureField protowire.Number = 1
	hwWattField        protowire.Number = 2

	memTotalField protowire.Number = 1
	memUsedField  protowire.Number = 2

	utilUtilizationField protowire.Number = 1

	statusUUIDField      protowire.Number = 1
	statusErrStatusField protowire.Number = 2

	versionDriverField   protowire.Number = 1
	versionFirmwareField protowire.Number = 2
	versionSMCField      protowire.Number = 3
)

// message is implemented by every payload exchanged with the daemon.
type message interface {
	marshal() []byte
	unmarshal(data []byte) error
}

// Device identifies a single accelerator as reported by the daemon.
type Device struct {
	// InternalID is the vendor model code (dev_id), used to resolve the card family.
	InternalID string `json:"dev_id"`
	UUID       string `json:"uuid"`
	Name       string `json:"name"`

	// raw keeps the encoding received from the daemon so per-device
	// requests carry fields the exporter does not model.
	raw []byte
}

// HardwareInfo carries thermal and power readings.
type HardwareInfo struct {
	Temperature float32 `json:"temperature"`
	Watt        float32 `json:"watt"`
}

// MemoryInfo carries DRAM capacity and usage as reported by the daemon.
type MemoryInfo struct {
	TotalMem float32 `json:"total_mem"`
	UsedMem  float32 `json:"used_mem"`
}

// Utilization carries the device busy percentage.
type Utilization struct {
	Utilization float32 `json:"utilization"`
}

// DeviceStatus is one entry of the daemon's total info stream. ErrStatus
// is zero for a healthy device.
type DeviceStatus struct {
	UUID      string `json:"uuid"`
	ErrStatus int64  `json:"err_status"`
}

// VersionInfo carries the software stack installed for a device.
type VersionInfo struct {
	DriverVersion   string `json:"drv_version"`
	FirmwareVersion string `json:"fw_version"`
	SMCVersion      string `json:"smc_version"`
}

type empty struct{}

func (empty) marshal() []byte { return nil }

func (empty) unmarshal(data []byte) error {
	return walkFields(data, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return -1, nil
	})
}

func (d *Device) marshal() []byte {
	if len(d.raw) > 0 {
		return d.raw
	}
	var b []byte
	b = appendString(b, deviceNameField, d.Name)
	b = appendString(b, deviceUUIDField, d.UUID)
	b = appendString(b, deviceDevIDField, d.InternalID)
	return b
}

func (d *Device) unmarshal(data []byte) error {
	*d = Device{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case deviceNameField:
			return consumeString(typ, b, &d.Name)
		case deviceUUIDField:
			return consumeString(typ, b, &d.UUID)
		case deviceDevIDField:
			return consumeString(typ, b, &d.InternalID)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode device: %w", err)
	}
	d.raw = append([]byte(nil), data...)
	return nil
}

func (h *HardwareInfo) marshal() []byte {
	var b []byte
	b = appendFloat(b, hwTemperatureField, h.Temperature)
	b = appendFloat(b, hwWattField, h.Watt)
	return b
}

func (h *HardwareInfo) unmarshal(data []byte) error {
	*h = HardwareInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case hwTemperatureField:
			return consumeFloat(typ, b, &h.Temperature)
		case hwWattField:
			return consumeFloat(typ, b, &h.Watt)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode hw info: %w", err)
	}
	return nil
}

func (m *MemoryInfo) marshal() []byte {
	var b []byte
	b = appendFloat(b, memTotalField, m.TotalMem)
	b = appendFloat(b, memUsedField, m.UsedMem)
	return b
}

func (m *MemoryInfo) unmarshal(data []byte) error {
	*m = MemoryInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case memTotalField:
			return consumeFloat(typ, b, &m.TotalMem)
		case memUsedField:
			return consumeFloat(typ, b, &m.UsedMem)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode memory info: %w", err)
	}
	return nil
}

func (u *Utilization) marshal() []byte {
	return appendFloat(nil, utilUtilizationField, u.Utilization)
}

func (u *Utilization) unmarshal(data []byte) error {
	*u = Utilization{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == utilUtilizationField {
			return consumeFloat(typ, b, &u.Utilization)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode utilization: %w", err)
	}
	return nil
}

func (d *DeviceStatus) marshal() []byte {
	b := appendString(nil, statusUUIDField, d.UUID)
	if d.ErrStatus != 0 {
		b = protowire.AppendTag(b, statusErrStatusField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.ErrStatus))
	}
	return b
}

func (d *DeviceStatus) unmarshal(data []byte) error {
	*d = DeviceStatus{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case statusUUIDField:
			return consumeString(typ, b, &d.UUID)
		case statusErrStatusField:
			return consumeInt(typ, b, &d.ErrStatus)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode device info: %w", err)
	}
	return nil
}

func (v *VersionInfo) marshal() []byte {
	var b []byte
	b = appendString(b, versionDriverField, v.DriverVersion)
	b = appendString(b, versionFirmwareField, v.FirmwareVersion)
	b = appendString(b, versionSMCField, v.SMCVersion)
	return b
}

func (v *VersionInfo) unmarshal(data []byte) error {
	*v = VersionInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case versionDriverField:
			return consumeString(typ, b, &v.DriverVersion)
		case versionFirmwareField:
			return consumeString(typ, b, &v.FirmwareVersion)
		case versionSMCField:
			return consumeString(typ, b, &v.SMCVersion)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decode version info: %w", err)
	}
	return nil
}

// walkFields iterates over the top-level fields of an encoded message.
// visit returns the number of value bytes it consumed, or -1 to skip the field.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		consumed, err := visit(num, typ, data)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if consumed < 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(consumed))
			}
		}
		data = data[consumed:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d for string", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

// consumeInt decodes an int32 or int64 varint. Negative int32 values are
// sign-extended on the wire, so both widths decode the same way.
func consumeInt(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d for integer", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = int64(v)
	return n, nil
}

// consumeFloat accepts float (fixed32) and double (fixed64) encodings.
func consumeFloat(typ protowire.Type, b []byte, dst *float32) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = math.Float32frombits(v)
		return n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = float32(math.Float64frombits(v))
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected wire type %d for float", typ)
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}
