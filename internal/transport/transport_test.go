package transport

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ocfble/internal/bleuuid"
	"github.com/srg/ocfble/internal/host"
	"github.com/srg/ocfble/internal/host/mock"
)

const (
	testServiceUUID  = "0000fff0-0000-1000-8000-00805f9b34fb"
	testRequestUUID  = "0000fff1-0000-1000-8000-00805f9b34fb"
	testResponseUUID = "0000fff2-0000-1000-8000-00805f9b34fb"
	testAddress      = "AA:BB:CC:DD:EE:FF"
)

// TransportTestSuite exercises the send orchestrator against the in-memory
// mock.Adapter.
type TransportTestSuite struct {
	suite.Suite
	adapter   *mock.Adapter
	transport *Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.adapter = mock.New()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s.transport = New(s.adapter, logger,
		WithTargetUUIDs(testServiceUUID, testRequestUUID, testResponseUUID),
		WithScanRetry(2, 50*time.Millisecond, 10*time.Millisecond),
		WithTimeouts(200*time.Millisecond, 200*time.Millisecond, 0),
	)
	s.Require().NoError(s.transport.Initialize())
}

func (s *TransportTestSuite) TearDownTest() {
	_ = s.transport.Terminate()
}

// advertise makes the mock adapter report a discovery immediately, so the
// peer is already visible when the send's scan wait begins.
func (s *TransportTestSuite) advertise(address string) {
	s.adapter.Advertise(host.Advertisement{Address: address, RSSI: -40, Services: []string{testServiceUUID}})
}

func (s *TransportTestSuite) TestColdUnicastDeliversAndEnablesCCCD() {
	s.advertise(testAddress)

	err := s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01, 0x02, 0x03})
	s.Require().NoError(err)

	s.Require().Len(s.adapter.Writes, 1)
	s.Equal(testAddress, s.adapter.Writes[0].Address)
	s.Equal([]byte{0x01, 0x02, 0x03}, s.adapter.Writes[0].Data)

	peer, ok := s.transport.orch.registry.Get(testAddress)
	s.Require().True(ok)
	s.Equal(ServiceConnected, peer.ConnState())
	s.Equal(Idle, peer.SendState())
	s.True(s.transport.orch.registry.CCCDEnabled(testAddress, bleuuid.Normalize(testResponseUUID)))
}

func (s *TransportTestSuite) TestWarmUnicastSkipsDiscoveryAndCCCD() {
	s.advertise(testAddress)
	s.Require().NoError(s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01}))
	s.Require().Len(s.adapter.Connects, 1)

	s.Require().NoError(s.transport.SendUnicast(context.Background(), testAddress, []byte{0x02}))

	s.Equal(1, len(s.adapter.Connects), "warm send must not reconnect")
	s.Require().Len(s.adapter.Writes, 2)
	s.Equal([]byte{0x02}, s.adapter.Writes[1].Data)
}

func (s *TransportTestSuite) TestMulticastPartialFailureStillOk() {
	addrA, addrB := "AA:AA:AA:AA:AA:AA", "BB:BB:BB:BB:BB:BB"
	s.advertise(addrA)
	s.advertise(addrB)
	s.adapter.ConnectErr[addrB] = context.DeadlineExceeded

	var errAddr string
	var errCalled bool
	s.transport.SetErrorCB(func(address string, data []byte, err error) {
		errCalled = true
		errAddr = address
	})

	err := s.transport.SendMulticast(context.Background(), []byte{0x09})
	s.Require().NoError(err, "at least one peer succeeded")
	s.True(errCalled)
	s.Equal(addrB, errAddr)
}

func (s *TransportTestSuite) TestNoPeersReturnsNoPeersResult() {
	err := s.transport.SendUnicast(context.Background(), "00:00:00:00:00:00", []byte{0x01})
	s.Require().Error(err)
	s.True(IsResult(err, ErrNoPeers))
}

func (s *TransportTestSuite) TestInvalidParamRejectsEmptyPayload() {
	s.advertise(testAddress)
	err := s.transport.SendUnicast(context.Background(), testAddress, nil)
	s.Require().Error(err)
	s.True(IsResult(err, ErrInvalidParam))
}

func (s *TransportTestSuite) TestMTUFailureYieldsSendFailedAndDefaultMTU() {
	s.advertise(testAddress)
	s.adapter.MTUStatus[testAddress] = host.StatusFailure

	err := s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01})
	s.Require().Error(err)
	s.True(IsResult(err, ErrSendFailed))

	peer, ok := s.transport.orch.registry.Get(testAddress)
	s.Require().True(ok)
	s.Equal(uint16(host.DefaultMTU), peer.MTU())
}

func (s *TransportTestSuite) TestSendToPeerStuckShortOfServiceConnectedFailsFast() {
	s.advertise(testAddress)
	// First bring the peer to ServiceConnected with a normal send.
	s.Require().NoError(s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01}))

	peer, ok := s.transport.orch.registry.Get(testAddress)
	s.Require().True(ok)
	peer.setConnState(Connected) // simulate a mid-flight disconnect/reconnect race

	done := make(chan error, 1)
	go func() {
		done <- s.transport.SendUnicast(context.Background(), testAddress, []byte{0x02})
	}()

	select {
	case err := <-done:
		s.Require().Error(err)
	case <-time.After(500 * time.Millisecond):
		s.Fail("send did not complete promptly after forced non-ServiceConnected state")
	}
}

func (s *TransportTestSuite) TestSendAfterTerminateReturnsNotSupported() {
	// No peers ever advertise, so ensure_peer_available would otherwise
	// block for the full scan-retry window; after Terminate, a send must
	// return NotSupported promptly instead.
	s.Require().NoError(s.transport.Terminate())

	err := s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01})
	s.Require().Error(err)
	s.True(IsResult(err, ErrNotSupported))
}

func (s *TransportTestSuite) TestSetTargetUUIDsTriggersFreshCCCDWrite() {
	s.advertise(testAddress)
	s.Require().NoError(s.transport.SendUnicast(context.Background(), testAddress, []byte{0x01}))

	newResponse := "0000fff9-0000-1000-8000-00805f9b34fb"
	s.transport.SetTargetUUIDs(testServiceUUID, testRequestUUID, newResponse)

	s.Require().NoError(s.transport.SendUnicast(context.Background(), testAddress, []byte{0x02}))
	s.True(s.transport.orch.registry.CCCDEnabled(testAddress, bleuuid.Normalize(newResponse)))
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
