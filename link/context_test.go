package link_test

import (
	"testing"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/link"
	"github.com/stretchr/testify/suite"
)

type ContextTestSuite struct {
	suite.Suite

	ctx *link.Context
}

func (suite *ContextTestSuite) SetupTest() {
	suite.ctx = link.NewContext()
}

func (suite *ContextTestSuite) TestInitialState() {
	suite.Equal(link.StateIdle, suite.ctx.State())
	suite.False(suite.ctx.IsUARTReady())
	suite.False(suite.ctx.IsHubReady())
	suite.False(suite.ctx.IsConnected())
	suite.False(suite.ctx.HasDiscoveryHandles())

	_, ok := suite.ctx.Conn()
	suite.False(ok, "connection handle MUST start unset")
	_, _, ok = suite.ctx.Address()
	suite.False(ok, "address MUST start unset")
}

func (suite *ContextTestSuite) TestSetConnectionInfo() {
	// GOAL: Verify partial updates never erase previously stored address data
	//
	// TEST SCENARIO: Set handle with address -> update handle without address
	// -> address survives

	suite.Run("stores handle and address", func() {
		addrType := btlink.AddrRandom
		suite.ctx.SetConnectionInfo(64, &addrType, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})

		conn, ok := suite.ctx.Conn()
		suite.Require().True(ok)
		suite.Equal(btlink.ConnHandle(64), conn)

		at, addr, ok := suite.ctx.Address()
		suite.Require().True(ok)
		suite.Equal(btlink.AddrRandom, at)
		suite.Equal([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, addr)
	})

	suite.Run("absent address does not clear stored address", func() {
		addrType := btlink.AddrPublic
		suite.ctx.SetConnectionInfo(64, &addrType, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})

		suite.ctx.SetConnectionInfo(65, nil, nil)

		conn, ok := suite.ctx.Conn()
		suite.Require().True(ok)
		suite.Equal(btlink.ConnHandle(65), conn, "handle MUST always update")

		at, addr, ok := suite.ctx.Address()
		suite.Require().True(ok, "address MUST survive a partial update")
		suite.Equal(btlink.AddrPublic, at)
		suite.Equal([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, addr)
	})

	suite.Run("owns a copy of the address buffer", func() {
		buf := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
		suite.ctx.SetConnectionInfo(1, nil, buf)

		buf[0] = 0xFF

		_, addr, ok := suite.ctx.Address()
		suite.Require().True(ok)
		suite.Equal(byte(0x10), addr[0], "stored address MUST NOT alias the caller's buffer")
	})
}

func (suite *ContextTestSuite) TestReadiness() {
	suite.Run("uart ready only after both handles supplied", func() {
		suite.False(suite.ctx.IsUARTReady())

		suite.ctx.SetUARTHandles(12, 14)

		suite.True(suite.ctx.IsUARTReady(), "MUST be ready after SetUARTHandles")
		rx, tx, ok := suite.ctx.UARTHandles()
		suite.Require().True(ok)
		suite.Equal(btlink.ValueHandle(12), rx)
		suite.Equal(btlink.ValueHandle(14), tx)
	})

	suite.Run("hub ready after handle supplied", func() {
		suite.False(suite.ctx.IsHubReady())

		suite.ctx.SetHubHandle(17)

		suite.True(suite.ctx.IsHubReady())
	})

	suite.Run("connected requires handle and connected state", func() {
		suite.ctx.SetConnectionInfo(2, nil, nil)
		suite.False(suite.ctx.IsConnected(), "handle alone MUST NOT mean connected")

		suite.ctx.SetState(link.StateConnected)
		suite.True(suite.ctx.IsConnected())
	})

	suite.Run("discovery handles", func() {
		suite.ctx.SetDiscoveryHandles(9, 21)

		suite.True(suite.ctx.HasDiscoveryHandles())
		start, end, ok := suite.ctx.DiscoveryRange()
		suite.Require().True(ok)
		suite.Equal(btlink.ValueHandle(9), start)
		suite.Equal(btlink.ValueHandle(21), end)
	})
}

func (suite *ContextTestSuite) TestDiscoveryData() {
	suite.ctx.SetDiscoveryData(0, "Hub42", nil)

	suite.Equal("Hub42", suite.ctx.Name())
	suite.NotNil(suite.ctx.Services(), "nil services MUST be stored as an empty list")
	suite.Empty(suite.ctx.Services())
}

func (suite *ContextTestSuite) TestReset() {
	addrType := btlink.AddrPublic
	suite.ctx.SetConnectionInfo(3, &addrType, []byte{1, 2, 3, 4, 5, 6})
	suite.ctx.SetUARTHandles(12, 14)
	suite.ctx.SetHubHandle(17)
	suite.ctx.SetDiscoveryHandles(9, 21)
	suite.ctx.SetDiscoveryData(0, "robot", []string{"180f"})
	suite.ctx.SetState(link.StateConnected)

	suite.ctx.Reset()

	suite.Equal(link.StateIdle, suite.ctx.State())
	suite.False(suite.ctx.IsUARTReady(), "UART readiness MUST be wiped by Reset")
	suite.False(suite.ctx.IsHubReady())
	suite.False(suite.ctx.HasDiscoveryHandles())
	suite.Empty(suite.ctx.Name(), "Reset MUST wipe discovery data")
	_, ok := suite.ctx.Conn()
	suite.False(ok)
	_, _, ok = suite.ctx.Address()
	suite.False(ok)
}

func (suite *ContextTestSuite) TestClearConnection() {
	// GOAL: Verify the narrow wipe on disconnect preserves discovered identity
	//
	// TEST SCENARIO: Full connection state -> ClearConnection -> handle and
	// state reset, name/address intact

	addrType := btlink.AddrPublic
	suite.ctx.SetConnectionInfo(3, &addrType, []byte{1, 2, 3, 4, 5, 6})
	suite.ctx.SetHubHandle(17)
	suite.ctx.SetDiscoveryData(0, "Hub42", []string{"1623"})
	suite.ctx.SetState(link.StateConnected)

	suite.ctx.ClearConnection()

	_, ok := suite.ctx.Conn()
	suite.False(ok, "connection handle MUST be unset")
	suite.Equal(link.StateIdle, suite.ctx.State())
	suite.False(suite.ctx.IsConnected())

	suite.Equal("Hub42", suite.ctx.Name(), "discovered name MUST survive disconnect")
	_, addr, ok := suite.ctx.Address()
	suite.True(ok, "discovered address MUST survive disconnect")
	suite.Equal([]byte{1, 2, 3, 4, 5, 6}, addr)
	suite.True(suite.ctx.IsHubReady(), "hub handle survives the narrow wipe")
}

func (suite *ContextTestSuite) TestString() {
	suite.ctx.SetUARTHandles(12, 14)
	suite.ctx.SetConnectionInfo(5, nil, nil)
	suite.ctx.SetDiscoveryData(0, "robot", nil)

	s := suite.ctx.String()

	suite.Contains(s, "conn=5")
	suite.Contains(s, "uart=READY")
	suite.Contains(s, "hub=pending")
	suite.Contains(s, `name="robot"`)
}

func TestContextTestSuite(t *testing.T) {
	suite.Run(t, new(ContextTestSuite))
}
