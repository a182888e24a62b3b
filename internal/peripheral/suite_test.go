package peripheral

import (
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils"
)

const (
	testAddress = "AA:BB:CC:DD:EE:FF"
	batterySvc  = "180f"
	batteryChr  = "2a19"
	heartSvc    = "180d"
	heartChr    = "2a37"
)

// peripheralSuite wires a Peripheral to a FakeTransport
type peripheralSuite struct {
	testutils.FakeTransportSuite

	opts Options
}

func (s *peripheralSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()
	s.opts = Options{Logger: s.Logger}
}

func (s *peripheralSuite) newPeripheral() (*Peripheral, *testutils.FakeTransport) {
	p, err := New(testAddress, s.Dialer, &s.opts)
	s.Require().NoError(err)
	ft := s.Dialer.Transport(testAddress)
	s.Require().NotNil(ft)
	return p, ft
}

// connected returns a peripheral that is Connected with services discovered
func (s *peripheralSuite) connected() (*Peripheral, *testutils.FakeTransport) {
	p, ft := s.newPeripheral()
	fut := p.Connect()
	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err := fut.Wait(s.Ctx())
	s.Require().NoError(err, "MUST connect")
	s.Require().True(p.IsConnected())
	return p, ft
}

func (s *peripheralSuite) target(svc, chr string) device.Target {
	t, err := device.NewTarget(svc, chr)
	s.Require().NoError(err)
	return t
}

func (s *peripheralSuite) requireReason(err error, reason device.Reason, msgAndArgs ...interface{}) {
	s.Require().Error(err, msgAndArgs...)
	s.Require().Equal(reason, device.ReasonOf(err), msgAndArgs...)
}

func pending[T any](f *Future[T]) bool {
	_, _, ok := f.Result()
	return !ok
}
