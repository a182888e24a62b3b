package testutils

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeTransportSuite is the base suite for code driven through adapter.Dialer.
// Every test gets a fresh FakeDialer and a debug logger.
//
//	type QueueSuite struct {
//	    testutils.FakeTransportSuite
//	}
//
//	func (s *QueueSuite) TestRead() {
//	    p, _ := peripheral.New("AA:BB:CC:DD:EE:FF", s.Dialer, &peripheral.Options{Logger: s.Logger})
//	    ft := s.Dialer.Transport("AA:BB:CC:DD:EE:FF")
//	    ...
//	}
type FakeTransportSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	Dialer *FakeDialer
}

// SetupTest resets the dialer and logger
func (s *FakeTransportSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Dialer = NewFakeDialer()
}

// Ctx returns a context bounded by DefaultTestTimeout
func (s *FakeTransportSuite) Ctx() context.Context {
	return s.Helper.Context()
}
