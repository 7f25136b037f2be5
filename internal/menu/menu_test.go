package menu

import (
	"testing"

	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/report"
	"golang.org/x/crypto/bcrypt"
)

func newTestSink() *report.Sink {
	return report.NewSink(func() report.Mode { return report.ModeTerse })
}

func newHandler(t *testing.T) (*Handler, paramstore.PageStore) {
	t.Helper()
	store := paramstore.NewMemPageStore()
	paramstore.WriteLAN(store, paramstore.DefaultLANConfig())
	paramstore.WriteUnit(store, paramstore.UnitConfig{IDBase: 42, ReportMode: 1, UpdateSecs: 300})

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error: %v", err)
	}
	return NewHandler(store, newTestSink(), hash), store
}

func TestCommandsRejectedBeforeAuth(t *testing.T) {
	h, _ := newHandler(t)
	if got := h.HandleLine("L"); got != "ERR not authenticated" {
		t.Errorf("HandleLine(L) before auth = %q", got)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	h, _ := newHandler(t)
	if h.Authenticate("wrong") {
		t.Errorf("Authenticate() succeeded with wrong password")
	}
	if h.Authenticated() {
		t.Errorf("Authenticated() = true after failed auth")
	}
}

func TestAuthenticateAndReadLAN(t *testing.T) {
	h, _ := newHandler(t)
	if !h.Authenticate("secret") {
		t.Fatalf("Authenticate() failed with correct password")
	}

	got := h.HandleLine("L")
	if got[:2] != "OK" {
		t.Errorf("HandleLine(L) = %q, want OK-prefixed response", got)
	}
}

func TestWriteLANRoundTrip(t *testing.T) {
	h, store := newHandler(t)
	h.Authenticate("secret")

	resp := h.HandleLine("LW true 10.0.0.5 255.255.255.0 10.0.0.1 10.0.0.2")
	if resp != "OK LAN updated" {
		t.Fatalf("HandleLine(LW ...) = %q", resp)
	}

	cfg, valid, err := paramstore.ReadLAN(store)
	if err != nil || !valid {
		t.Fatalf("ReadLAN() after write: valid=%v err=%v", valid, err)
	}
	if !cfg.UseStatic || cfg.IP != [4]byte{10, 0, 0, 5} {
		t.Errorf("ReadLAN() = %+v, want static IP 10.0.0.5", cfg)
	}
}

func TestUnitWriteRequiresHighPrivilege(t *testing.T) {
	h, _ := newHandler(t)
	h.Authenticate("secret")
	h.level = UserTech // downgrade below UserHigh

	resp := h.HandleLine("UW 1 1 60")
	if resp != "ERR insufficient privilege" {
		t.Errorf("HandleLine(UW ...) = %q, want privilege error", resp)
	}
}

func TestLogout(t *testing.T) {
	h, _ := newHandler(t)
	h.Authenticate("secret")
	h.Logout()
	if h.Authenticated() {
		t.Errorf("Authenticated() = true after Logout()")
	}
}
