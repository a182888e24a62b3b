package peripheral

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type StateMachineTestSuite struct {
	peripheralSuite
}

func (s *StateMachineTestSuite) TestNewValidatesAddress() {
	_, err := New("not-an-address", s.Dialer, &s.opts)
	s.requireReason(err, device.InvalidAddress)
	s.Equal(0, s.Dialer.Created(), "MUST NOT create a transport for an invalid address")

	p, err := New("aa:bb:cc:dd:ee:ff", s.Dialer, nil)
	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:FF", p.Address())
	s.Equal(device.Unscanned, p.State())
	s.Equal(DefaultMTU, p.MTU())
}

func (s *StateMachineTestSuite) TestNewFailsWhenDialerFails() {
	s.Dialer.Err = errors.New("adapter powered off")
	_, err := New(testAddress, s.Dialer, &s.opts)
	s.requireReason(err, device.TransportFailure)
}

func (s *StateMachineTestSuite) TestConnectLifecycle() {
	// GOAL: Verify the Connecting → Connected transition is gated on service discovery
	//
	// TEST SCENARIO: Connect → link up → not ready → services discovered → connect future resolves
	p, ft := s.newPeripheral()

	fut := p.Connect()
	s.Equal(device.Connecting, p.State())
	s.Len(ft.CallsOf(testutils.MethodConnect), 1)

	ft.LinkUp()
	s.Equal(device.Connected, p.State())
	s.False(p.IsConnected(), "MUST NOT be ready before discovery")
	s.True(pending(fut))
	s.Len(ft.CallsOf(testutils.MethodDiscoverServices), 1)

	ft.ServicesDiscovered(nil)
	_, err := fut.Wait(s.Ctx())
	s.NoError(err)
	s.True(p.IsConnected())
}

func (s *StateMachineTestSuite) TestDoubleConnectIsIdempotent() {
	// GOAL: Verify a second Connect joins the running attempt
	//
	// TEST SCENARIO: Connect twice → one transport connect → same future; Connect after connected → resolved future
	p, ft := s.newPeripheral()

	a := p.Connect()
	b := p.Connect()
	s.Same(a, b)
	s.Len(ft.CallsOf(testutils.MethodConnect), 1, "MUST start exactly one transport connect")

	ft.LinkUp()
	ft.ServicesDiscovered(nil)

	c := p.Connect()
	_, err := c.Wait(s.Ctx())
	s.NoError(err)
	s.Len(ft.CallsOf(testutils.MethodConnect), 1)
}

func (s *StateMachineTestSuite) TestConnectRefusedByTransport() {
	p, ft := s.newPeripheral()
	ft.FailWith(testutils.MethodConnect, errors.New("no adapter"))

	_, err := p.Connect().Wait(s.Ctx())
	s.requireReason(err, device.TransportFailure)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestConnectFailure() {
	// GOAL: Verify a connect that never comes up fails the connect and queued requests
	//
	// TEST SCENARIO: Connect → enqueue read → link failed → connect TransportFailure, read Disconnected
	p, ft := s.newPeripheral()
	conn := p.Connect()
	read := p.EnqueueRead(batterySvc, batteryChr)

	ft.LinkFailed(errors.New("page timeout"))

	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.TransportFailure)
	_, err = read.Wait(s.Ctx())
	s.requireReason(err, device.ReasonDisconnected)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestConnectTimeout() {
	// GOAL: Verify a connect that neither succeeds nor fails is aborted after the deadline
	//
	// TEST SCENARIO: Connect with 20ms timeout → no events → Timeout → queued read fails → link closed
	p, ft := s.newPeripheral()
	conn := p.Connect(WithConnectTimeout(20 * time.Millisecond))
	read := p.EnqueueRead(batterySvc, batteryChr)

	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.Timeout)
	_, err = read.Wait(s.Ctx())
	s.requireReason(err, device.ReasonDisconnected)
	s.Equal(device.Disconnected, p.State())
	s.True(testutils.WaitFor(func() bool {
		return len(ft.CallsOf(testutils.MethodDisconnect)) == 1
	}, testutils.DefaultTestTimeout), "MUST cancel the pending platform connect")

	ft.LinkUp()
	s.Equal(device.Disconnected, p.State(), "MUST ignore a link that comes up after the timeout")
}

func (s *StateMachineTestSuite) TestLateLinkUpIsClosedAndFailureLogged() {
	// GOAL: Verify a link that comes up after its attempt was abandoned is closed, and a failed close is logged
	//
	// TEST SCENARIO: connect times out → transport Disconnect starts failing → late link up
	//   → Disconnect attempted again → debug entry carries the error
	hook := logtest.NewLocal(s.Logger)
	p, ft := s.newPeripheral()
	conn := p.Connect(WithConnectTimeout(20 * time.Millisecond))
	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.Timeout)

	closeErr := errors.New("no such connection")
	ft.FailWith(testutils.MethodDisconnect, closeErr)
	ft.LinkUp()

	s.Len(ft.CallsOf(testutils.MethodDisconnect), 2, "MUST close the abandoned link")
	s.Equal(device.Disconnected, p.State())

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Failed to close abandoned link" && entry.Level == logrus.DebugLevel {
			s.Equal(closeErr, entry.Data["error"])
			logged = true
		}
	}
	s.True(logged, "MUST log the failed close")
}

func (s *StateMachineTestSuite) TestConnectTimeoutCoversDiscovery() {
	p, ft := s.newPeripheral()
	conn := p.Connect(WithConnectTimeout(20 * time.Millisecond))
	ft.LinkUp()

	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.Timeout)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestServiceDiscoveryFailure() {
	// GOAL: Verify discovery failure fails the connect and every queued request with ServiceDiscoveryFailed
	//
	// TEST SCENARIO: Connect → enqueue 2 reads → link up → discovery error → all fail → link closed
	p, ft := s.newPeripheral()
	conn := p.Connect()
	r1 := p.EnqueueRead(batterySvc, batteryChr)
	r2 := p.EnqueueRead(heartSvc, heartChr)

	ft.LinkUp()
	ft.ServicesDiscovered(errors.New("gatt error 129"))

	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.ServiceDiscoveryFailed)
	for _, f := range []*Future[[]byte]{r1, r2} {
		_, err = f.Wait(s.Ctx())
		s.requireReason(err, device.ServiceDiscoveryFailed)
	}
	s.Equal(device.Disconnected, p.State())
	s.Len(ft.CallsOf(testutils.MethodDisconnect), 1)
	s.Empty(ft.Operations())
}

func (s *StateMachineTestSuite) TestDisconnectPurgesAndClearsSubscriptions() {
	// GOAL: Verify a requested disconnect fails outstanding work and drops subscriptions
	//
	// TEST SCENARIO: Subscribe → 2 reads → Disconnect → link down → reads Disconnected, no subscriptions
	p, ft := s.connected()

	sub := p.Subscribe(heartSvc, heartChr, SinkFunc(func(Notification) {}))
	ft.CompleteLast(nil, nil)
	_, err := sub.Wait(s.Ctx())
	s.Require().NoError(err)
	s.Len(p.Subscriptions(), 1)

	r1 := p.EnqueueRead(batterySvc, batteryChr)
	r2 := p.EnqueueRead(batterySvc, batteryChr)

	disc := p.Disconnect()
	s.Equal(device.Disconnecting, p.State())
	s.Len(ft.CallsOf(testutils.MethodDisconnect), 1)
	s.True(pending(disc))

	_, err = p.EnqueueRead(batterySvc, batteryChr).Wait(s.Ctx())
	s.requireReason(err, device.NotConnected, "MUST refuse new requests while disconnecting")

	ft.LinkDown(nil)

	_, err = disc.Wait(s.Ctx())
	s.NoError(err)
	for _, f := range []*Future[[]byte]{r1, r2} {
		_, err = f.Wait(s.Ctx())
		s.requireReason(err, device.ReasonDisconnected)
	}
	s.Empty(p.Subscriptions())
	s.Equal(device.Disconnected, p.State())
	s.Equal(0, p.QueueLen())
}

func (s *StateMachineTestSuite) TestUnexpectedLinkLoss() {
	p, ft := s.connected()
	read := p.EnqueueRead(batterySvc, batteryChr)

	ft.LinkDown(errors.New("supervision timeout"))

	_, err := read.Wait(s.Ctx())
	s.requireReason(err, device.ReasonDisconnected)
	s.True(errors.Is(err, device.ErrDisconnected))
	s.Equal(device.Disconnected, p.State())
	s.False(p.IsConnected())
}

func (s *StateMachineTestSuite) TestDisconnectWhenIdle() {
	p, ft := s.newPeripheral()
	_, err := p.Disconnect().Wait(s.Ctx())
	s.NoError(err)
	s.Empty(ft.Calls(), "MUST NOT touch the transport when there is no link")
}

func (s *StateMachineTestSuite) TestDisconnectWhileConnecting() {
	// GOAL: Verify Disconnect aborts a running connect attempt
	//
	// TEST SCENARIO: Connect → Disconnect → connect Cancelled → link failed → Disconnected
	p, ft := s.newPeripheral()
	conn := p.Connect()
	disc := p.Disconnect()

	_, err := conn.Wait(s.Ctx())
	s.requireReason(err, device.Cancelled)
	s.Equal(device.Disconnecting, p.State())

	ft.LinkFailed(errors.New("connection cancelled"))
	_, err = disc.Wait(s.Ctx())
	s.NoError(err)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestConnectTimerStopsWhenDisconnectAbortsConnect() {
	// GOAL: Verify an aborted connect's deadline cannot end a disconnect the transport has not confirmed
	//
	// TEST SCENARIO: 50ms connect timeout → Connect → Disconnect → deferred Connect → wait past the deadline
	//   → still Disconnecting, one transport connect → link failed → deferred connect starts and succeeds
	s.opts.ConnectTimeout = 50 * time.Millisecond
	p, ft := s.newPeripheral()

	first := p.Connect()
	disc := p.Disconnect()
	deferred := p.Connect()

	time.Sleep(120 * time.Millisecond)

	s.Equal(device.Disconnecting, p.State(), "MUST wait for the transport to confirm the disconnect")
	s.True(pending(disc), "MUST NOT release disconnect waiters early")
	s.True(pending(deferred), "MUST NOT resolve the deferred connect")
	s.Len(ft.CallsOf(testutils.MethodConnect), 1)
	s.Len(ft.CallsOf(testutils.MethodDisconnect), 1)

	_, err := first.Wait(s.Ctx())
	s.requireReason(err, device.Cancelled)

	ft.LinkFailed(errors.New("connection cancelled"))
	_, err = disc.Wait(s.Ctx())
	s.NoError(err)
	s.Len(ft.CallsOf(testutils.MethodConnect), 2, "MUST start the deferred connect")

	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err = deferred.Wait(s.Ctx())
	s.NoError(err)
	s.True(p.IsConnected())
	s.Len(ft.CallsOf(testutils.MethodDisconnect), 1, "MUST NOT cancel the new attempt")
}

func (s *StateMachineTestSuite) TestDestroyIfIdle() {
	// GOAL: Verify conditional teardown spares live connection attempts
	//
	// TEST SCENARIO: scanned peripheral destroyed → Connect fails Cancelled;
	//   connecting peripheral kept → connect still completes
	idle, _ := s.newPeripheral()
	idle.UpdateScan(-60, nil)
	s.True(idle.DestroyIfIdle())
	_, err := idle.Connect().Wait(s.Ctx())
	s.requireReason(err, device.Cancelled)

	busy, ft := s.newPeripheral()
	conn := busy.Connect()
	s.False(busy.DestroyIfIdle(), "MUST NOT destroy a connecting peripheral")

	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err = conn.Wait(s.Ctx())
	s.NoError(err)
	s.False(busy.DestroyIfIdle(), "MUST NOT destroy a connected peripheral")
	s.True(busy.IsConnected())
}

func (s *StateMachineTestSuite) TestDisconnectTimeoutForcesState() {
	s.opts.DisconnectTimeout = 20 * time.Millisecond
	p, _ := s.connected()

	_, err := p.Disconnect().Wait(s.Ctx())
	s.NoError(err, "MUST complete without a link down event")
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestDisconnectTransportError() {
	p, ft := s.connected()
	ft.FailWith(testutils.MethodDisconnect, errors.New("already gone"))
	read := p.EnqueueRead(batterySvc, batteryChr)

	_, err := p.Disconnect().Wait(s.Ctx())
	s.NoError(err)
	_, err = read.Wait(s.Ctx())
	s.requireReason(err, device.ReasonDisconnected)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestConnectWhileDisconnectingIsDeferred() {
	// GOAL: Verify Connect during Disconnecting starts only once the link is fully down
	//
	// TEST SCENARIO: Connected → Disconnect → Connect → no transport connect → link down → connect starts → succeeds
	p, ft := s.connected()

	disc := p.Disconnect()
	conn := p.Connect()
	again := p.Connect()
	s.Same(conn, again)
	s.Len(ft.CallsOf(testutils.MethodConnect), 1)

	ft.LinkDown(nil)
	_, err := disc.Wait(s.Ctx())
	s.NoError(err)
	s.Equal(device.Connecting, p.State())
	s.Len(ft.CallsOf(testutils.MethodConnect), 2)

	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err = conn.Wait(s.Ctx())
	s.NoError(err)
	s.True(p.IsConnected())
}

func (s *StateMachineTestSuite) TestReconnectResetsMtu() {
	p, ft := s.connected()
	mtu := p.EnqueueRequestMtu(200)
	call, _ := ft.LastOperation()
	ft.Complete(adapter.Completion{ID: call.ID, Int: 200})
	_, err := mtu.Wait(s.Ctx())
	s.Require().NoError(err)
	s.Equal(200, p.MTU())

	ft.LinkDown(nil)
	conn := p.Connect()
	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err = conn.Wait(s.Ctx())
	s.Require().NoError(err)
	s.Equal(DefaultMTU, p.MTU())
}

func (s *StateMachineTestSuite) TestAutoLinkRoundTrip() {
	s.Dialer.AutoLink = true
	p, _ := s.newPeripheral()

	_, err := p.Connect().Wait(s.Ctx())
	s.Require().NoError(err)
	s.True(p.IsConnected())

	_, err = p.Disconnect().Wait(s.Ctx())
	s.NoError(err)
	s.Equal(device.Disconnected, p.State())
}

func (s *StateMachineTestSuite) TestUpdateScan() {
	p, ft := s.newPeripheral()

	p.UpdateScan(-70, []byte{0x02, 0x01, 0x06})
	s.Equal(device.Scanning, p.State())
	s.Equal(-70, p.RSSI())
	s.Equal([]byte{0x02, 0x01, 0x06}, p.Advertisement())
	s.False(p.LastSeen().IsZero())

	conn := p.Connect()
	ft.LinkUp()
	ft.ServicesDiscovered(nil)
	_, err := conn.Wait(s.Ctx())
	s.Require().NoError(err)

	p.UpdateScan(-40, []byte{0xff})
	s.Equal(-70, p.RSSI(), "MUST NOT update scan data while connected")
	s.Equal(device.Connected, p.State())
}

func (s *StateMachineTestSuite) TestDestroy() {
	// GOAL: Verify Destroy cancels everything, closes the link and refuses further use
	//
	// TEST SCENARIO: Connected with 2 reads → Destroy → reads Cancelled → link closed → new work refused
	p, ft := s.connected()
	r1 := p.EnqueueRead(batterySvc, batteryChr)
	r2 := p.EnqueueRead(batterySvc, batteryChr)

	p.Destroy()
	p.Destroy()

	for _, f := range []*Future[[]byte]{r1, r2} {
		_, err := f.Wait(s.Ctx())
		s.requireReason(err, device.Cancelled)
	}
	s.Len(ft.CallsOf(testutils.MethodDisconnect), 1)

	_, err := p.EnqueueRead(batterySvc, batteryChr).Wait(s.Ctx())
	s.requireReason(err, device.NotConnected)
	_, err = p.Connect().Wait(s.Ctx())
	s.requireReason(err, device.Cancelled)

	s.NotPanics(func() { ft.LinkDown(nil) })
}

func TestStateMachineTestSuite(t *testing.T) {
	suite.Run(t, new(StateMachineTestSuite))
}
