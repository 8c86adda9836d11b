package inverterdrv

import (
	"context"
	"testing"

	"github.com/goburrow/modbus"
)

// fakeModbusClient implements modbus.Client over an in-memory register
// map, just enough of the protocol to exercise ModbusDriver's register
// math without a live plant controller.
type fakeModbusClient struct {
	input   map[uint16][]byte
	holding map[uint16][]byte
	writes  []writeCall
}

type writeCall struct {
	address uint16
	value   []byte
}

func newFakeModbusClient() *fakeModbusClient {
	return &fakeModbusClient{input: map[uint16][]byte{}, holding: map[uint16][]byte{}}
}

func (f *fakeModbusClient) ReadCoils(address, quantity uint16) ([]byte, error)              { return nil, nil }
func (f *fakeModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error)      { return nil, nil }
func (f *fakeModbusClient) WriteSingleCoil(address, value uint16) ([]byte, error)            { return nil, nil }
func (f *fakeModbusClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	data, ok := f.input[address]
	if !ok {
		data = make([]byte, int(quantity)*2)
	}
	return data, nil
}
func (f *fakeModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	data, ok := f.holding[address]
	if !ok {
		data = make([]byte, int(quantity)*2)
	}
	return data, nil
}
func (f *fakeModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.writes = append(f.writes, writeCall{address, u16ToBytesLocal(value)})
	return nil, nil
}
func (f *fakeModbusClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.writes = append(f.writes, writeCall{address, value})
	return nil, nil
}
func (f *fakeModbusClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func u16ToBytesLocal(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

var _ modbus.Client = (*fakeModbusClient)(nil)

func newTestDriver(fc *fakeModbusClient) *ModbusDriver {
	return &ModbusDriver{
		client:   fc,
		setSlave: func(byte) {},
		close:    func() error { return nil },
	}
}

func TestModbusDriver_StatusParsesPlantRunningInfo(t *testing.T) {
	fc := newFakeModbusClient()
	data := make([]byte, regPlantRunningLen*2)
	putS32(data, 10, -1500)  // GridSensorActivePower = -1.5 kW
	putS32(data, 70, 4200)   // PhotovoltaicPower = 4.2 kW
	putS32(data, 74, -800)   // ESSPower = -0.8 kW (discharging)
	putU16(data, 6, 2)       // EMSWorkMode = self-consumption (not curtailed)
	fc.input[regPlantRunningInfo] = data

	d := newTestDriver(fc)
	status, err := d.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.SolarPowerKW != 4.2 {
		t.Errorf("SolarPowerKW = %v, want 4.2", status.SolarPowerKW)
	}
	if status.BatteryPowerKW != -0.8 {
		t.Errorf("BatteryPowerKW = %v, want -0.8", status.BatteryPowerKW)
	}
	if status.GridPowerKW != -1.5 {
		t.Errorf("GridPowerKW = %v, want -1.5", status.GridPowerKW)
	}
	if status.Curtailed {
		t.Error("Curtailed = true, want false")
	}
}

func TestModbusDriver_CurtailWritesStandbyAndLimit(t *testing.T) {
	fc := newFakeModbusClient()
	d := newTestDriver(fc)

	if err := d.Curtail(context.Background(), 0); err != nil {
		t.Fatalf("Curtail() error = %v", err)
	}

	found := map[uint16]bool{}
	for _, w := range fc.writes {
		found[w.address] = true
	}
	if !found[regEnableRemoteEMS] || !found[regRemoteEMSMode] || !found[regPVMaxPowerLimit] {
		t.Errorf("writes = %+v, want registers %d, %d, %d touched", fc.writes, regEnableRemoteEMS, regRemoteEMSMode, regPVMaxPowerLimit)
	}
}

func TestModbusDriver_RestoreReleasesRemoteEMS(t *testing.T) {
	fc := newFakeModbusClient()
	d := newTestDriver(fc)

	if err := d.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(fc.writes) != 2 {
		t.Fatalf("len(writes) = %d, want 2", len(fc.writes))
	}
	if fc.writes[0].address != regRemoteEMSMode {
		t.Errorf("first write address = %d, want %d", fc.writes[0].address, regRemoteEMSMode)
	}
	if fc.writes[1].address != regEnableRemoteEMS {
		t.Errorf("second write address = %d, want %d", fc.writes[1].address, regEnableRemoteEMS)
	}
}

func putS32(data []byte, offset int, v int32) {
	u := uint32(v)
	data[offset] = byte(u >> 24)
	data[offset+1] = byte(u >> 16)
	data[offset+2] = byte(u >> 8)
	data[offset+3] = byte(u)
}

func putU16(data []byte, offset int, v uint16) {
	data[offset] = byte(v >> 8)
	data[offset+1] = byte(v)
}
