package udpconsole

import (
	"testing"

	"github.com/chapmip/wxappliance/internal/menu"
	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/report"
	"golang.org/x/crypto/bcrypt"
)

func newTestSink() *report.Sink {
	return report.NewSink(func() report.Mode { return report.ModeTerse })
}

// TestHandlerSharedVocabulary checks that the Server carries the
// menu.Handler it was built with and that commands sent through it get the
// handler's own responses; OnTraffic itself is not exercised here.
func TestHandlerSharedVocabulary(t *testing.T) {
	store := paramstore.NewMemPageStore()
	paramstore.WriteLAN(store, paramstore.DefaultLANConfig())

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error: %v", err)
	}
	h := menu.NewHandler(store, newTestSink(), hash)
	srv := NewServer("udp://:0", h, newTestSink())

	if srv.handler.HandleLine("L") != "ERR not authenticated" {
		t.Fatalf("expected unauthenticated rejection to flow through from menu.Handler")
	}
	if !srv.handler.Authenticate("secret") {
		t.Fatalf("Authenticate() failed with correct password")
	}
	if got := srv.handler.HandleLine("L"); got[:2] != "OK" {
		t.Errorf("HandleLine(L) after auth = %q, want OK-prefixed", got)
	}
}
