package inverterdrv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// Plant-level slave address and register map, adapted from
// sigenergy.SigenModbusClient (Section 5.1/5.2 of the vendor's Modbus
// protocol): input registers 30000+ report PlantRunningInfo, holding
// registers 40000+ accept plant control writes.
const (
	plantSlaveAddress = 247

	regPlantRunningInfo = 30000
	regPlantRunningLen  = 52

	regPVMaxPowerLimit = 40036
	regEnableRemoteEMS = 40029
	regRemoteEMSMode   = 40031
)

// Remote EMS control modes (Section 5.2): mode 2 is the plant's normal
// self-consumption behaviour; standby effectively zeroes plant export.
const (
	remoteEMSModeStandby         = 1
	remoteEMSModeSelfConsumption = 2
)

// ModbusDriver drives a Sigenergy-compatible plant controller directly
// over Modbus-TCP, for sites reached on the local network rather than
// through the vendor's cloud API.
type ModbusDriver struct {
	client   modbus.Client
	setSlave func(byte)
	close    func() error
}

// NewModbusDriver wraps an already-connected TCP handler. Callers own the
// handler's lifetime; Close tears it down.
func NewModbusDriver(handler *modbus.TCPClientHandler) *ModbusDriver {
	return &ModbusDriver{
		client:   modbus.NewClient(handler),
		setSlave: func(id byte) { handler.SlaveId = id },
		close:    handler.Close,
	}
}

// DialModbusDriver connects to a plant controller at address (host:port).
func DialModbusDriver(address string, timeout time.Duration) (*ModbusDriver, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = plantSlaveAddress
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("inverterdrv: modbus connect %s: %w", address, err)
	}
	return NewModbusDriver(handler), nil
}

func (d *ModbusDriver) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func (d *ModbusDriver) Status(ctx context.Context) (DriverStatus, error) {
	d.setSlave(plantSlaveAddress)
	data, err := d.client.ReadInputRegisters(regPlantRunningInfo, regPlantRunningLen)
	if err != nil {
		return DriverStatus{}, fmt.Errorf("inverterdrv: read plant running info: %w", err)
	}
	if len(data) < 78 {
		return DriverStatus{}, fmt.Errorf("inverterdrv: short plant running info read: %d bytes", len(data))
	}

	emsWorkMode := bytesToU16(data[6:8])
	photovoltaicPowerKW := float64(bytesToS32(data[70:74])) / 1000.0
	essPowerKW := float64(bytesToS32(data[74:78])) / 1000.0
	gridPowerKW := float64(bytesToS32(data[10:14])) / 1000.0

	return DriverStatus{
		SolarPowerKW:   photovoltaicPowerKW,
		BatteryPowerKW: essPowerKW,
		GridPowerKW:    gridPowerKW,
		Curtailed:      emsWorkMode == remoteEMSModeStandby,
	}, nil
}

// Curtail caps PV export by pinning the plant's max power limit to
// limitKW and forcing remote EMS standby. There is no register that
// expresses "never export" directly; zeroing the PV limit is the
// closest the register map offers.
func (d *ModbusDriver) Curtail(ctx context.Context, limitKW float64) error {
	d.setSlave(plantSlaveAddress)
	if _, err := d.client.WriteSingleRegister(regEnableRemoteEMS, 1); err != nil {
		return fmt.Errorf("inverterdrv: enable remote ems: %w", err)
	}
	if _, err := d.client.WriteSingleRegister(regRemoteEMSMode, remoteEMSModeStandby); err != nil {
		return fmt.Errorf("inverterdrv: set standby mode: %w", err)
	}
	value := uint32(limitKW * 1000)
	if _, err := d.client.WriteMultipleRegisters(regPVMaxPowerLimit, 2, u32ToBytes(value)); err != nil {
		return fmt.Errorf("inverterdrv: set pv max power limit: %w", err)
	}
	return nil
}

// Restore releases remote EMS control back to the plant's own
// self-consumption logic.
func (d *ModbusDriver) Restore(ctx context.Context) error {
	d.setSlave(plantSlaveAddress)
	if _, err := d.client.WriteSingleRegister(regRemoteEMSMode, remoteEMSModeSelfConsumption); err != nil {
		return fmt.Errorf("inverterdrv: set self-consumption mode: %w", err)
	}
	if _, err := d.client.WriteSingleRegister(regEnableRemoteEMS, 0); err != nil {
		return fmt.Errorf("inverterdrv: disable remote ems: %w", err)
	}
	return nil
}

var _ Driver = (*ModbusDriver)(nil)

func bytesToU16(data []byte) uint16 { return binary.BigEndian.Uint16(data) }
func bytesToS32(data []byte) int32  { return int32(binary.BigEndian.Uint32(data)) }

func u32ToBytes(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}
