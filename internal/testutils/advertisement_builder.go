package testutils

import "github.com/go-ble/ble"

// AdvertisementBuilder builds mocked BLE advertisements for testing.
// It provides a fluent API for configuring MockAdvertisement instances.
// Unset fields answer with zero values, so code that reads every field of
// an advertisement never trips an unexpected mock call.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	txPower     int
	connectable bool
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder.
// The builder starts with connectable=true, rssi -50 and the BLE "unavailable" tx power.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		serviceData: make(map[string][]byte),
		connectable: true,
		rssi:        -50,
		txPower:     127,
	}
}

// CreateMockAdvertisement is shorthand for the common name/address/rssi case
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// Build creates a MockAdvertisement that implements ble.Advertisement.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}

	var bleServices []ble.UUID
	for _, s := range b.services {
		bleServices = append(bleServices, ble.MustParse(s))
	}

	var bleServiceData []ble.ServiceData
	for uuid, data := range b.serviceData {
		bleServiceData = append(bleServiceData, ble.ServiceData{
			UUID: ble.MustParse(uuid),
			Data: data,
		})
	}

	addr := &MockAddr{}
	addr.On("String").Return(b.address).Maybe()

	adv.On("Addr").Return(addr).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("ManufacturerData").Return(b.manufData).Maybe()
	adv.On("ServiceData").Return(bleServiceData).Maybe()
	adv.On("Services").Return(bleServices).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("SolicitedService").Return([]ble.UUID(nil)).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	adv.On("TxPowerLevel").Return(b.txPower).Maybe()

	return adv
}

// BuildAll builds one advertisement per builder, as a slice ready for ReplayScan
func BuildAll(builders ...*AdvertisementBuilder) []ble.Advertisement {
	out := make([]ble.Advertisement, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.Build())
	}
	return out
}
