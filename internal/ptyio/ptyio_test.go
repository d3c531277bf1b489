package ptyio

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PortTestSuite struct {
	suite.Suite
	port  Port
	slave *os.File
}

func (s *PortTestSuite) SetupTest() {
	p, err := OpenPort(&Options{PollTimeoutMs: 5})
	require.NoError(s.T(), err, "MUST open a PTY pair")
	s.port = p

	// Open our own handle on the slave so tests can speak for the tty side.
	slave, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(s.T(), err, "MUST open the slave tty")
	s.slave = slave
}

func (s *PortTestSuite) TearDownTest() {
	_ = s.slave.Close()
	_ = s.port.Close()
}

// GOAL: Verify that bytes written to the Port come out of the tty slave.
//
// TEST SCENARIO: Write a payload through the Port, then read the slave
// until the full payload arrives.
func (s *PortTestSuite) TestWriteReachesSlave() {
	payload := []byte("uart->tty\n")
	n, err := s.port.Write(payload)
	s.Require().NoError(err, "Write MUST succeed")
	s.Require().Equal(len(payload), n, "Write MUST queue the full payload")

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		rn, rerr := s.slave.Read(buf)
		if rn > 0 {
			got = append(got, buf[:rn]...)
		}
		if rerr != nil {
			break
		}
	}
	s.Require().Equal(payload, got, "slave MUST receive the exact bytes")
}

// GOAL: Verify that bytes typed into the slave are buffered and readable
// through the non-blocking Read.
//
// TEST SCENARIO: Write to the slave, then poll Port.Read until data shows
// up; EAGAIN is expected while the read loop has not picked it up yet.
func (s *PortTestSuite) TestReadFromSlave() {
	payload := []byte("tty->uart")
	_, err := s.slave.Write(payload)
	s.Require().NoError(err)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	s.Require().Eventually(func() bool {
		n, rerr := s.port.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if rerr != nil && !errors.Is(rerr, syscall.EAGAIN) {
			return false
		}
		return len(got) >= len(payload)
	}, 2*time.Second, 2*time.Millisecond, "Port MUST buffer slave input")
	s.Require().Equal(payload, got)
}

// GOAL: Verify push delivery via SetReadCallback.
//
// TEST SCENARIO: Register a callback, write to the slave and await the
// callback with the payload. The callback must not retain the slice, so it
// copies before handing off.
func (s *PortTestSuite) TestReadCallback() {
	var mu sync.Mutex
	var got []byte
	s.port.SetReadCallback(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	payload := []byte("notify me")
	_, err := s.slave.Write(payload)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= len(payload)
	}, 2*time.Second, 2*time.Millisecond, "callback MUST receive slave input")

	mu.Lock()
	defer mu.Unlock()
	s.Require().Equal(payload, got)
}

// GOAL: Verify Stats counters track traffic in both directions.
func (s *PortTestSuite) TestStatsCountTraffic() {
	_, err := s.port.Write([]byte("abcd"))
	s.Require().NoError(err)
	_, err = s.slave.Write([]byte("ef"))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		st := s.port.Stats()
		return st.WriteBytesTotal >= 4 && st.ReadBytesTotal >= 2
	}, 2*time.Second, 2*time.Millisecond, "Stats MUST reflect transferred bytes")

	st := s.port.Stats()
	s.Require().Zero(st.DroppedReadCount, "no read bytes should be dropped")
	s.Require().Zero(st.DroppedWriteCount, "no write bytes should be dropped")
}

// GOAL: Verify Close is idempotent and fails subsequent I/O with ErrClosed.
func (s *PortTestSuite) TestCloseSemantics() {
	s.Require().NoError(s.port.Close())
	s.Require().NoError(s.port.Close(), "second Close MUST be a no-op")

	_, err := s.port.Write([]byte("x"))
	s.Require().ErrorIs(err, os.ErrClosed, "Write after Close MUST fail")
	_, err = s.port.Read(make([]byte, 8))
	s.Require().ErrorIs(err, os.ErrClosed, "Read after Close MUST fail")
}

func (s *PortTestSuite) TestTTYNameLooksLikeDevice() {
	s.Require().NotEmpty(s.port.TTYName())
	_, err := os.Stat(s.port.TTYName())
	s.Require().NoError(err, "TTYName MUST point at an existing device")
}

func TestPortSuite(t *testing.T) {
	suite.Run(t, new(PortTestSuite))
}

// GOAL: Verify zero-length I/O follows the io.Reader/io.Writer contracts.
func TestZeroLengthIO(t *testing.T) {
	p, err := OpenPort(nil)
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	n, err := p.Write(nil)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = p.Read(nil)
	require.NoError(t, err, "zero-length Read MUST return (0, nil)")
	require.Zero(t, n)
}
