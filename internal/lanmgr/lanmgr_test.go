package lanmgr

import (
	"context"
	"testing"

	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/report"
)

type fakeIface struct {
	linkUp       bool
	ifDown       bool
	dhcpFailures int
	leaseOK      bool
	fellBack     bool
	bringDowns   int
}

func (f *fakeIface) LinkUp() bool { return f.linkUp }
func (f *fakeIface) IfUp() bool   { return !f.ifDown }

func (f *fakeIface) BringUpDHCP(ctx context.Context, fallback bool, fallbackCfg paramstore.LANConfig) error {
	if f.dhcpFailures > 0 {
		f.dhcpFailures--
		return errTest
	}
	if fallback {
		f.fellBack = true
	}
	f.leaseOK = true
	return nil
}

func (f *fakeIface) BringUpStatic(ctx context.Context, cfg paramstore.LANConfig) error {
	f.leaseOK = true
	return nil
}

func (f *fakeIface) BringDown() error {
	f.bringDowns++
	return nil
}

func (f *fakeIface) DHCPLeaseOK() bool  { return f.leaseOK }
func (f *fakeIface) UsedFallback() bool { return f.fellBack }
func (f *fakeIface) LocalIP() [4]byte   { return [4]byte{192, 168, 0, 100} }

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

var errTest = &testErr{"simulated DHCP failure"}

func newSink() *report.Sink {
	return report.NewSink(func() report.Mode { return report.ModeTerse })
}

func TestStartFailsOnInvalidEEPROM(t *testing.T) {
	store := paramstore.NewMemPageStore()
	iface := &fakeIface{linkUp: true}
	mgr := NewManager(iface, store, newSink())

	if err := mgr.Start(context.Background()); err == nil {
		t.Fatalf("Start() succeeded with invalid LAN EEPROM block, want error")
	}
}

func TestStartSucceedsWithValidDHCPConfig(t *testing.T) {
	store := paramstore.NewMemPageStore()
	if err := paramstore.WriteLAN(store, paramstore.DefaultLANConfig()); err != nil {
		t.Fatalf("WriteLAN() error: %v", err)
	}

	iface := &fakeIface{linkUp: true}
	mgr := NewManager(iface, store, newSink())

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !mgr.Active() {
		t.Errorf("Active() = false after successful start")
	}
	if mgr.CheckOK() != StatusOK {
		t.Errorf("CheckOK() = %v, want StatusOK", mgr.CheckOK())
	}
}

func TestCheckOKReportsEthDown(t *testing.T) {
	store := paramstore.NewMemPageStore()
	paramstore.WriteLAN(store, paramstore.DefaultLANConfig())

	iface := &fakeIface{linkUp: true}
	mgr := NewManager(iface, store, newSink())
	mgr.Start(context.Background())

	iface.linkUp = false
	if got := mgr.CheckOK(); got != StatusEthDown {
		t.Errorf("CheckOK() = %v, want StatusEthDown", got)
	}
	if mgr.Active() {
		t.Errorf("Active() = true after link dropped")
	}
}

func TestCheckOKReportsIfDown(t *testing.T) {
	store := paramstore.NewMemPageStore()
	paramstore.WriteLAN(store, paramstore.DefaultLANConfig())

	iface := &fakeIface{linkUp: true}
	mgr := NewManager(iface, store, newSink())
	mgr.Start(context.Background())

	iface.ifDown = true
	if got := mgr.CheckOK(); got != StatusIfDown {
		t.Errorf("CheckOK() = %v, want StatusIfDown", got)
	}
	if mgr.Active() {
		t.Errorf("Active() = true after interface taken down")
	}
}
