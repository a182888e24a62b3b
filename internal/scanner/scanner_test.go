package scanner_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/adapter/goble"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/peripheral"
	"github.com/srg/gattq/internal/registry"
	"github.com/srg/gattq/internal/scanner"
	"github.com/srg/gattq/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// replayScanner adapts a testutils.ScanFunc to adapter.Scanner
type replayScanner struct {
	scan testutils.ScanFunc
	err  error
}

func (r *replayScanner) Scan(ctx context.Context, allowDuplicates bool, handler func(adapter.Advertisement)) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
		handler(goble.ConvertAdvertisement(adv))
	})
}

type ScannerTestSuite struct {
	testutils.FakeTransportSuite

	reg              *registry.Registry
	adv1, adv2, adv3 ble.Advertisement
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.FakeTransportSuite.SetupTest()
	suite.reg = registry.New(suite.Dialer, peripheral.Options{Logger: suite.Logger})

	suite.adv1 = testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Test Device 1").
		WithRSSI(-45).
		WithServices("180F", "1800").
		WithTxPower(11).
		Build()

	suite.adv2 = testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("Test Device 2").
		WithRSSI(-67).
		WithServices("1801").
		Build()

	// matches none of the filters below
	suite.adv3 = testutils.NewAdvertisementBuilder().
		WithAddress("99:88:77:66:55:44").
		WithName("Test Device 3").
		WithRSSI(-80).
		WithServices("1802").
		WithConnectable(false).
		Build()
}

func (suite *ScannerTestSuite) TearDownTest() {
	suite.reg.Close()
}

func (suite *ScannerTestSuite) newScanner(ads ...ble.Advertisement) *scanner.Scanner {
	return scanner.NewScanner(&replayScanner{scan: testutils.ReplayScan(ads...)}, suite.reg, suite.Logger)
}

func (suite *ScannerTestSuite) scan(s *scanner.Scanner, opts *scanner.ScanOptions) map[string]adapter.Advertisement {
	if opts.Duration == 0 {
		opts.Duration = 50 * time.Millisecond
	}
	devices, err := s.Scan(context.Background(), opts, nil)
	suite.Require().NoError(err, "MUST treat the scan deadline as normal completion")
	return devices
}

func keys(m map[string]adapter.Advertisement) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (suite *ScannerTestSuite) TestScanRegistersDevices() {
	// GOAL: every advertisement becomes a Scanning peripheral in the registry
	//
	// TEST SCENARIO: replay three ads → three results → three registered peripherals with scan metadata

	s := suite.newScanner(suite.adv1, suite.adv2, suite.adv3)

	var phases []string
	devices, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 50 * time.Millisecond}, func(phase string) {
		phases = append(phases, phase)
	})
	suite.Require().NoError(err)

	suite.Equal([]string{"11:22:33:44:55:66", "99:88:77:66:55:44", "AA:BB:CC:DD:EE:FF"}, keys(devices))
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
	suite.Equal(3, suite.reg.Len())

	p, ok := suite.reg.Get("aa:bb:cc:dd:ee:ff")
	suite.Require().True(ok, "MUST register scanned peripheral")
	suite.Equal(device.Scanning, p.State())
	suite.Equal(-45, p.RSSI())
	suite.Equal(devices["AA:BB:CC:DD:EE:FF"].Bytes(), p.Advertisement(), "MUST store the re-encoded advertisement")
	suite.Equal("Test Device 1", devices["AA:BB:CC:DD:EE:FF"].LocalName)
	suite.True(devices["AA:BB:CC:DD:EE:FF"].Connectable)
	suite.False(devices["99:88:77:66:55:44"].Connectable)
}

func (suite *ScannerTestSuite) TestFilters() {
	suite.Run("service filter", func() {
		devices := suite.scan(suite.newScanner(suite.adv1, suite.adv2, suite.adv3), &scanner.ScanOptions{
			ServiceUUIDs: []string{"180f"},
		})
		suite.Equal([]string{"AA:BB:CC:DD:EE:FF"}, keys(devices))
	})

	suite.Run("allow list", func() {
		devices := suite.scan(suite.newScanner(suite.adv1, suite.adv2, suite.adv3), &scanner.ScanOptions{
			AllowList: []string{"11:22:33:44:55:66"},
		})
		suite.Equal([]string{"11:22:33:44:55:66"}, keys(devices))
	})

	suite.Run("block list wins over allow list", func() {
		devices := suite.scan(suite.newScanner(suite.adv1, suite.adv2, suite.adv3), &scanner.ScanOptions{
			AllowList: []string{"11:22:33:44:55:66", "aa:bb:cc:dd:ee:ff"},
			BlockList: []string{"AA:BB:CC:DD:EE:FF"},
		})
		suite.Equal([]string{"11:22:33:44:55:66"}, keys(devices))
	})

	suite.Run("invalid filter entries", func() {
		s := suite.newScanner()
		_, err := s.Scan(context.Background(), &scanner.ScanOptions{AllowList: []string{"nope"}}, nil)
		suite.ErrorIs(err, device.ErrInvalidAddress)

		_, err = s.Scan(context.Background(), &scanner.ScanOptions{ServiceUUIDs: []string{"xyz"}}, nil)
		suite.Error(err)
	})
}

func (suite *ScannerTestSuite) TestEvents() {
	// GOAL: first sighting emits EventNew, repeats emit EventUpdated
	//
	// TEST SCENARIO: replay adv1, adv1 → New then Updated

	s := suite.newScanner(suite.adv1, suite.adv1)
	suite.scan(s, &scanner.ScanOptions{AllowDuplicates: true})

	var events []scanner.DeviceEvent
	for len(events) < 2 {
		select {
		case ev := <-s.Events():
			events = append(events, ev)
		case <-time.After(time.Second):
			suite.FailNow("MUST emit two events")
		}
	}
	suite.Equal(scanner.EventNew, events[0].Type)
	suite.Equal(scanner.EventUpdated, events[1].Type)
	suite.Equal("AA:BB:CC:DD:EE:FF", events[1].Advertisement.Address)
	suite.Zero(s.DroppedEvents())
}

func (suite *ScannerTestSuite) TestScanEvictsStalePeripherals() {
	// GOAL: a sweep starts from a clean registry, except for live links
	//
	// TEST SCENARIO: scan adv2 → connect adv1 → rescan with adv3 only → adv2 evicted, adv1 retained

	suite.scan(suite.newScanner(suite.adv2), &scanner.ScanOptions{})
	suite.Equal(1, suite.reg.Len())

	_, _, err := suite.reg.Connect("AA:BB:CC:DD:EE:FF")
	suite.Require().NoError(err)

	suite.scan(suite.newScanner(suite.adv3), &scanner.ScanOptions{})

	_, ok := suite.reg.Get("11:22:33:44:55:66")
	suite.False(ok, "MUST evict idle peripheral from previous sweep")
	p, ok := suite.reg.Get("AA:BB:CC:DD:EE:FF")
	suite.Require().True(ok, "MUST keep connecting peripheral")
	suite.Equal(device.Connecting, p.State())
	_, ok = suite.reg.Get("99:88:77:66:55:44")
	suite.True(ok)
}

func (suite *ScannerTestSuite) TestScanError() {
	s := scanner.NewScanner(&replayScanner{err: errors.New("hci down")}, suite.reg, suite.Logger)
	_, err := s.Scan(context.Background(), nil, nil)
	suite.Require().Error(err)
	suite.Contains(err.Error(), "scan failed")
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
