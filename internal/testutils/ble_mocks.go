package testutils

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAddr is a testify mock of ble.Addr
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	return m.Called().String(0)
}

// MockAdvertisement is a testify mock of ble.Advertisement
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	v, _ := m.Called().Get(0).([]byte)
	return v
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	v, _ := m.Called().Get(0).([]ble.ServiceData)
	return v
}

func (m *MockAdvertisement) Services() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	v, _ := m.Called().Get(0).(ble.Addr)
	return v
}

// ScanFunc replays advertisements to a scan handler. It stands in for
// ble.Device.Scan in tests that should not touch a radio.
type ScanFunc func(ctx context.Context, allowDup bool, h ble.AdvHandler) error

// ReplayScan returns a ScanFunc that delivers ads in order and then blocks
// until ctx ends, like a real scan.
func ReplayScan(ads ...ble.Advertisement) ScanFunc {
	return func(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
		for _, adv := range ads {
			h(adv)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}
