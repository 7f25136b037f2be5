// Package lanmgr implements the LAN manager: bring-up of the IP interface
// (DHCP with static fallback), liveness checks, and hold-off.
package lanmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/report"
)

// Status values returned by CheckOK, mirroring lan_check_ok()'s return
// codes.
type Status int

const (
	StatusOK Status = iota
	StatusEthDown
	StatusIfDown
	StatusDHCPDown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEthDown:
		return "EthDown"
	case StatusIfDown:
		return "IfDown"
	case StatusDHCPDown:
		return "DhcpDown"
	default:
		return "Unknown"
	}
}

const (
	maxRetries    = 5
	backOffPeriod = 17 * time.Second
	holdOffPeriod = 120 * time.Second
)

// Interface abstracts the platform IP-interface bring-up the original
// performed through Dynamic C's ifconfig()/pd_havelink()/ifpending() calls.
// The production implementation (NetIface, netiface.go) drives the
// platform's `ip` tool and a DHCP client binary; tests use a fake.
type Interface interface {
	// LinkUp reports whether the physical link is active.
	LinkUp() bool

	// IfUp reports whether the interface itself is administratively
	// enabled, independent of physical link state.
	IfUp() bool

	// BringUpDHCP starts DHCP, falling back to the supplied static
	// config on failure if fallback is true. It blocks (subject to ctx)
	// until the interface is up or has definitively failed.
	BringUpDHCP(ctx context.Context, fallback bool, fallbackCfg paramstore.LANConfig) error

	// BringUpStatic configures the interface statically.
	BringUpStatic(ctx context.Context, cfg paramstore.LANConfig) error

	// BringDown takes the interface down between retries.
	BringDown() error

	// DHCPLeaseOK reports whether the most recent DHCP lease (if any) is
	// still valid. Always true when DHCP was not used.
	DHCPLeaseOK() bool

	// UsedFallback reports whether the most recent bring-up fell back to
	// static configuration after a DHCP failure.
	UsedFallback() bool

	// LocalIP returns the interface's current IPv4 address, matching
	// lan_get_network_ip().
	LocalIP() [4]byte
}

// Manager drives LAN bring-up and liveness checks.
type Manager struct {
	iface  Interface
	store  paramstore.PageStore
	sink   *report.Sink
	active bool
}

// NewManager returns a Manager.
func NewManager(iface Interface, store paramstore.PageStore, sink *report.Sink) *Manager {
	return &Manager{iface: iface, store: store, sink: sink}
}

func (m *Manager) reportf(sev report.Severity, raw bool, format string, args ...interface{}) {
	m.sink.Reportf(report.SourceLAN, sev, raw, format, args...)
}

// Start brings the LAN interface up, waiting forever for physical link
// (matching the original's busy-wait) and then retrying bring-up up to
// maxRetries times with a back-off between attempts, mirroring lan_start().
func (m *Manager) Start(ctx context.Context) error {
	m.active = false

	for m.iface.LinkUp() == false {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	m.reportf(report.SeverityDetail, false, "Ethernet connection is active")

	cfg, valid, _ := paramstore.ReadLAN(m.store)
	if !valid {
		m.reportf(report.SeverityProblem, false, "EEPROM parameters for LAN are invalid")
		return fmt.Errorf("lanmgr: LAN EEPROM parameters invalid")
	}

	retriesLeft := maxRetries
	for {
		var err error
		if cfg.UseStatic {
			err = m.iface.BringUpStatic(ctx, cfg)
		} else {
			lastAttempt := retriesLeft == 1
			err = m.iface.BringUpDHCP(ctx, lastAttempt, cfg)
		}

		if err == nil {
			break
		}

		retriesLeft--
		if retriesLeft == 0 {
			m.reportf(report.SeverityProblem, false, "Maximum retries exceeded")
			return fmt.Errorf("lanmgr: bring-up failed after %d attempts: %w", maxRetries, err)
		}

		m.reportf(report.SeverityInfo, false, "Retrying in %s...", backOffPeriod)
		if bErr := m.iface.BringDown(); bErr != nil {
			m.reportf(report.SeverityProblem, false, "ifconfig(DOWN) failed: %v", bErr)
			return bErr
		}

		deadline := time.Now().Add(backOffPeriod)
		for time.Now().Before(deadline) {
			if !m.iface.LinkUp() {
				m.reportf(report.SeverityDetail, false, "Ethernet connection has gone down")
				return fmt.Errorf("lanmgr: link dropped during back-off")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	if m.iface.UsedFallback() {
		m.reportf(report.SeverityProblem, false, "DHCP failed -- LAN interface in fallback mode")
	} else {
		m.reportf(report.SeverityDetail, false, "Started LAN interface okay")
	}

	m.active = true
	return nil
}

// CheckOK mirrors lan_check_ok(): checked on every supervisor idle tick.
func (m *Manager) CheckOK() Status {
	if !m.iface.LinkUp() {
		m.active = false
		m.reportf(report.SeverityProblem, false, "Ethernet interface has gone down")
		return StatusEthDown
	}

	if !m.iface.IfUp() {
		m.active = false
		m.reportf(report.SeverityProblem, false, "LAN interface is administratively down")
		return StatusIfDown
	}

	if !m.iface.DHCPLeaseOK() {
		m.active = false
		m.reportf(report.SeverityProblem, false, "DHCP lease has expired")
		return StatusDHCPDown
	}

	return StatusOK
}

// Active reports whether the LAN connection is currently considered up.
func (m *Manager) Active() bool { return m.active }

// LocalIP returns the interface's current IPv4 address.
func (m *Manager) LocalIP() [4]byte { return m.iface.LocalIP() }

// HoldOff waits for the hold-off period or until the link drops, whichever
// comes first, matching lan_hold_off().
func (m *Manager) HoldOff(ctx context.Context) {
	deadline := time.Now().Add(holdOffPeriod)
	for time.Now().Before(deadline) {
		if !m.iface.LinkUp() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
