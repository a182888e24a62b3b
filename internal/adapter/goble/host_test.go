package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertAdvertisement(t *testing.T) {
	adv := testutils.NewAdvertisementBuilder().
		WithName("HeartRate").
		WithAddress("11:22:33:44:55:66").
		WithRSSI(-61).
		WithServices("180D").
		WithServiceData("180F", []byte{90}).
		WithManufacturerData([]byte{0x4c, 0x00}).
		Build()

	got := ConvertAdvertisement(adv)
	assert.Equal(t, "HeartRate", got.LocalName)
	assert.Equal(t, "11:22:33:44:55:66", got.Address)
	assert.Equal(t, -61, got.RSSI)
	assert.Equal(t, []string{"180d"}, got.Services)
	assert.True(t, got.HasService("0x180D"))
	assert.Equal(t, []adapter.ServiceData{{UUID: "180f", Data: []byte{90}}}, got.ServiceData)
	assert.Equal(t, 0, got.TxPowerLevel, "MUST treat 127 as absent")
	assert.NotEmpty(t, got.Bytes())
}

func TestHostScanDeliversAdvertisements(t *testing.T) {
	h := NewHost(logrus.New())
	ads := testutils.BuildAll(
		testutils.CreateMockAdvertisement("A", "AA:AA:AA:AA:AA:AA", -40),
		testutils.CreateMockAdvertisement("B", "BB:BB:BB:BB:BB:BB", -70),
	)
	h.scan = func(ctx context.Context, allowDup bool, handler ble.AdvHandler) error {
		return testutils.ReplayScan(ads...)(ctx, allowDup, handler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var names []string
	err := h.Scan(ctx, false, func(adv adapter.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, adv.LocalName)
	})
	require.NoError(t, err, "MUST treat the end of the scan window as success")
	assert.Equal(t, []string{"A", "B"}, names)
}

func TestHostScanError(t *testing.T) {
	h := NewHost(nil)
	h.scan = func(ctx context.Context, allowDup bool, handler ble.AdvHandler) error {
		return errors.New("device not connected")
	}
	err := h.Scan(context.Background(), false, func(adapter.Advertisement) {})
	assert.Equal(t, device.NotConnected, device.ReasonOf(err))
}

func TestHostDeviceFactoryFailure(t *testing.T) {
	orig := DeviceFactory
	t.Cleanup(func() { DeviceFactory = orig })
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("can't init hci: no devices available")
	}

	h := NewHost(nil)
	handler := newRecordingHandler()
	tr, err := h.NewTransport(testAddress, handler)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(testAddress))

	select {
	case ev := <-handler.events:
		assert.Equal(t, adapter.LinkFailed, ev.Type)
		assert.ErrorIs(t, ev.Err, ErrBluetoothOff)
	case <-time.After(waitTimeout):
		t.Fatal("no link event")
	}

	assert.NoError(t, h.Close())
}

func TestHostRejectsNilHandler(t *testing.T) {
	_, err := NewHost(nil).NewTransport(testAddress, nil)
	assert.Equal(t, device.InvalidArgument, device.ReasonOf(err))
}
