package discovery_test

import (
	"bytes"
	"testing"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/discovery"
	"github.com/stretchr/testify/suite"
)

const (
	uartUUID = "6e400001b5a3f393e0a9e50e24dcca9e"
	hubUUID  = "1623"
)

type DiscoveryTestSuite struct {
	suite.Suite

	mgr *discovery.Manager
}

func (suite *DiscoveryTestSuite) SetupTest() {
	suite.mgr = discovery.NewManager(nil)
}

func adv(addrType btlink.AddrType, addr []byte, name string, services ...string) btlink.Advertisement {
	return btlink.Advertisement{
		AddrType: addrType,
		Addr:     addr,
		Name:     name,
		Services: services,
	}
}

func (suite *DiscoveryTestSuite) TestModeTransitions() {
	suite.Equal(discovery.ModeNone, suite.mgr.Mode())
	suite.False(suite.mgr.IsDiscovering())

	suite.mgr.StartUARTDiscovery("robot", nil, nil)
	suite.Equal(discovery.ModeUART, suite.mgr.Mode())
	suite.True(suite.mgr.IsDiscovering())

	suite.mgr.StartHubDiscovery(nil, nil)
	suite.Equal(discovery.ModeHub, suite.mgr.Mode(), "starting a new session overwrites the previous one")

	suite.mgr.StopDiscovery()
	suite.Equal(discovery.ModeNone, suite.mgr.Mode())
	suite.False(suite.mgr.IsDiscovering())
}

func (suite *DiscoveryTestSuite) TestUARTMatching() {
	// GOAL: Verify UART matching requires name equality AND the UART service
	//
	// TEST SCENARIO: Session for "robot" -> matching/non-matching
	// advertisements -> only the exact combination matches

	addr := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	suite.Run("match on name and service", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)

		matched := suite.mgr.OnScanResult(adv(btlink.AddrRandom, addr, "robot", uartUUID), uartUUID, hubUUID)

		suite.True(matched, "advertisement with search name and UART service MUST match")
		at, got, ok := suite.mgr.DiscoveredAddress()
		suite.Require().True(ok)
		suite.Equal(btlink.AddrRandom, at)
		suite.Equal(addr, got)
	})

	suite.Run("no match on wrong name", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)

		matched := suite.mgr.OnScanResult(adv(btlink.AddrRandom, addr, "other", uartUUID), uartUUID, hubUUID)

		suite.False(matched, "wrong name MUST NOT match even with the UART service")
		_, _, ok := suite.mgr.DiscoveredAddress()
		suite.False(ok, "no address MUST be recorded")
	})

	suite.Run("no match without uart service", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)

		matched := suite.mgr.OnScanResult(adv(btlink.AddrRandom, addr, "robot", "180f"), uartUUID, hubUUID)

		suite.False(matched, "right name without the UART service MUST NOT match")
	})

	suite.Run("owns a copy of the matched address", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)
		buf := append([]byte(nil), addr...)
		suite.mgr.OnScanResult(adv(btlink.AddrRandom, buf, "robot", uartUUID), uartUUID, hubUUID)

		buf[0] = 0xFF

		_, got, ok := suite.mgr.DiscoveredAddress()
		suite.Require().True(ok)
		suite.Equal(byte(0x01), got[0], "stored address MUST NOT alias the scan buffer")
	})
}

func (suite *DiscoveryTestSuite) TestHubMatching() {
	// GOAL: Verify hub matching ignores the name and is first-match-wins
	hubAddr := bytes.Repeat([]byte{0xAA}, 6)

	suite.Run("matches any name with hub service", func() {
		suite.mgr.StartHubDiscovery(nil, nil)

		matched := suite.mgr.OnScanResult(adv(btlink.AddrPublic, hubAddr, "AnyName", hubUUID), uartUUID, hubUUID)

		suite.True(matched, "hub service MUST match regardless of name")
		at, got, ok := suite.mgr.DiscoveredAddress()
		suite.Require().True(ok)
		suite.Equal(btlink.AddrPublic, at)
		suite.Equal(hubAddr, got)
		suite.Equal("AnyName", suite.mgr.DiscoveredName())
		suite.Equal([]string{hubUUID}, suite.mgr.DiscoveredServices())
	})

	suite.Run("first match wins", func() {
		suite.mgr.StartHubDiscovery(nil, nil)
		suite.mgr.OnScanResult(adv(btlink.AddrPublic, hubAddr, "FirstHub", hubUUID), uartUUID, hubUUID)

		matched := suite.mgr.OnScanResult(
			adv(btlink.AddrPublic, bytes.Repeat([]byte{0xBB}, 6), "SecondHub", hubUUID), uartUUID, hubUUID)

		suite.False(matched, "a later hub advertisement MUST NOT replace the first match")
		_, got, _ := suite.mgr.DiscoveredAddress()
		suite.Equal(hubAddr, got)
		suite.Equal("FirstHub", suite.mgr.DiscoveredName())
	})

	suite.Run("no match without hub service", func() {
		suite.mgr.StartHubDiscovery(nil, nil)

		matched := suite.mgr.OnScanResult(adv(btlink.AddrPublic, hubAddr, "Hub", "180f"), uartUUID, hubUUID)

		suite.False(matched)
	})
}

func (suite *DiscoveryTestSuite) TestResultCallbackSeesAllTraffic() {
	var seen []string
	suite.mgr.StartUARTDiscovery("robot", func(a btlink.Advertisement) {
		seen = append(seen, a.Name)
	}, nil)

	suite.mgr.OnScanResult(adv(0, []byte{1, 2, 3, 4, 5, 6}, "other", "180f"), uartUUID, hubUUID)
	suite.mgr.OnScanResult(adv(0, []byte{1, 2, 3, 4, 5, 6}, "robot", uartUUID), uartUUID, hubUUID)

	suite.Equal([]string{"other", "robot"}, seen,
		"result callback MUST observe every advertisement, not just matches")
}

func (suite *DiscoveryTestSuite) TestOnScanDone() {
	suite.Run("uart found reports search name", func() {
		var doneFound *bool
		suite.mgr.StartUARTDiscovery("robot", nil, func(found bool) { doneFound = &found })
		suite.mgr.OnScanResult(adv(1, []byte{1, 2, 3, 4, 5, 6}, "robot", uartUUID), uartUUID, hubUUID)

		found, info := suite.mgr.OnScanDone()

		suite.True(found)
		suite.Equal("robot", info, "UART info MUST be the search name")
		suite.Require().NotNil(doneFound, "done callback MUST be invoked")
		suite.True(*doneFound)
	})

	suite.Run("hub found reports advertised name", func() {
		suite.mgr.StartHubDiscovery(nil, nil)
		suite.mgr.OnScanResult(adv(0, bytes.Repeat([]byte{0xAA}, 6), "Hub42", hubUUID), uartUUID, hubUUID)

		found, info := suite.mgr.OnScanDone()

		suite.True(found)
		suite.Equal("Hub42", info, "hub info MUST be the discovered name")
	})

	suite.Run("nothing found", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)

		found, info := suite.mgr.OnScanDone()

		suite.False(found)
		suite.Empty(info)
	})
}

func (suite *DiscoveryTestSuite) TestResolvedSignal() {
	// GOAL: Verify the session resolution channel contract
	//
	// TEST SCENARIO: No session -> already closed; active session -> open
	// until StopDiscovery closes it exactly once

	suite.Run("closed when no session active", func() {
		select {
		case <-suite.mgr.Resolved():
		default:
			suite.Fail("Resolved MUST be closed when no session is active")
		}
	})

	suite.Run("open during a session, closed by stop", func() {
		suite.mgr.StartUARTDiscovery("robot", nil, nil)

		select {
		case <-suite.mgr.Resolved():
			suite.Fail("Resolved MUST be open while a session is active")
		default:
		}

		resolved := suite.mgr.Resolved()
		suite.mgr.StopDiscovery()
		suite.mgr.StopDiscovery() // second stop is a no-op

		select {
		case <-resolved:
		default:
			suite.Fail("StopDiscovery MUST close the session's Resolved channel")
		}
	})
}

func (suite *DiscoveryTestSuite) TestOverwrittenSessionResolves() {
	// GOAL: Verify that starting a new session wakes waiters of the session
	// it replaces
	//
	// TEST SCENARIO: Active UART session with a held Resolved channel ->
	// a hub session starts over it -> the old channel is closed while the
	// new session's channel stays open

	suite.mgr.StartUARTDiscovery("robot", nil, nil)
	overwritten := suite.mgr.Resolved()

	suite.mgr.StartHubDiscovery(nil, nil)

	select {
	case <-overwritten:
	default:
		suite.Fail("replacing an active session MUST close its Resolved channel")
	}

	select {
	case <-suite.mgr.Resolved():
		suite.Fail("the new session's Resolved channel MUST still be open")
	default:
	}
}

func (suite *DiscoveryTestSuite) TestStopPreservesMatchResults() {
	suite.mgr.StartHubDiscovery(nil, nil)
	suite.mgr.OnScanResult(adv(0, bytes.Repeat([]byte{0xAA}, 6), "Hub42", hubUUID), uartUUID, hubUUID)

	suite.mgr.StopDiscovery()

	_, _, ok := suite.mgr.DiscoveredAddress()
	suite.True(ok, "match results MUST survive StopDiscovery for the caller to read")
	suite.Equal("Hub42", suite.mgr.DiscoveredName())
}

func TestDiscoveryTestSuite(t *testing.T) {
	suite.Run(t, new(DiscoveryTestSuite))
}
