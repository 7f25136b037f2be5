package appconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chapmip/wxappliance/internal/paramstore"
)

const sampleYAML = `
write_defaults: true
lan:
  use_static: true
  ip: 192.168.1.50
  netmask: 255.255.255.0
  dns: 192.168.1.1
  router: 192.168.1.1
unit:
  id_base: 42
  report_mode: 1
  update_secs: 60
post:
  host: weather.example.com
  port: 80
  path: /report
  use_proxy: false
console:
  password_hash: "$2a$04$abc"
  diagnostics_addr: ":8090"
  udp_console_addr: ":8091"
  udp_console_enabled: true
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeSample(t)

	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !b.WriteDefaults {
		t.Errorf("WriteDefaults = false, want true")
	}
	if b.LAN.IP != "192.168.1.50" {
		t.Errorf("LAN.IP = %q, want 192.168.1.50", b.LAN.IP)
	}
	if b.Unit.IDBase != 42 {
		t.Errorf("Unit.IDBase = %d, want 42", b.Unit.IDBase)
	}
	if b.Console.DiagnosticsAddr != ":8090" {
		t.Errorf("Console.DiagnosticsAddr = %q, want :8090", b.Console.DiagnosticsAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("Load() on missing file: want error, got nil")
	}
}

func TestInstallIfInvalidWritesAllBlocksWhenEmpty(t *testing.T) {
	path := writeSample(t)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	store := paramstore.NewMemPageStore()
	if err := b.InstallIfInvalid(store); err != nil {
		t.Fatalf("InstallIfInvalid() error: %v", err)
	}

	lan, valid, err := paramstore.ReadLAN(store)
	if err != nil || !valid {
		t.Fatalf("ReadLAN() after install = valid=%v err=%v, want valid", valid, err)
	}
	if lan.IP != [4]byte{192, 168, 1, 50} {
		t.Errorf("LAN.IP = %v, want 192.168.1.50", lan.IP)
	}

	unit, valid, err := paramstore.ReadUnit(store)
	if err != nil || !valid {
		t.Fatalf("ReadUnit() after install = valid=%v err=%v, want valid", valid, err)
	}
	if unit.IDBase != 42 {
		t.Errorf("Unit.IDBase = %d, want 42", unit.IDBase)
	}

	parms, err := paramstore.ReadPostParms(store)
	if err != nil || !parms.Valid {
		t.Fatalf("ReadPostParms() after install = valid=%v err=%v, want valid", parms.Valid, err)
	}
	if parms.Host != "weather.example.com" {
		t.Errorf("Post host = %q, want weather.example.com", parms.Host)
	}
}

func TestInstallIfInvalidSkipsAlreadyValidBlocks(t *testing.T) {
	path := writeSample(t)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	store := paramstore.NewMemPageStore()
	existing := paramstore.LANConfig{
		UseStatic: false,
		IP:        [4]byte{10, 0, 0, 1},
		Netmask:   [4]byte{255, 0, 0, 0},
		DNS:       [4]byte{10, 0, 0, 2},
		Router:    [4]byte{10, 0, 0, 2},
	}
	if err := paramstore.WriteLAN(store, existing); err != nil {
		t.Fatalf("WriteLAN() error: %v", err)
	}

	if err := b.InstallIfInvalid(store); err != nil {
		t.Fatalf("InstallIfInvalid() error: %v", err)
	}

	lan, valid, err := paramstore.ReadLAN(store)
	if err != nil || !valid {
		t.Fatalf("ReadLAN() after install = valid=%v err=%v, want valid", valid, err)
	}
	if lan != existing {
		t.Errorf("ReadLAN() = %+v, want unchanged %+v", lan, existing)
	}
}

func TestInstallIfInvalidNoopWhenWriteDefaultsDisabled(t *testing.T) {
	path := writeSample(t)
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	b.WriteDefaults = false

	store := paramstore.NewMemPageStore()
	if err := b.InstallIfInvalid(store); err != nil {
		t.Fatalf("InstallIfInvalid() error: %v", err)
	}

	if _, valid, _ := paramstore.ReadLAN(store); valid {
		t.Errorf("ReadLAN() valid = true, want false since write_defaults is disabled")
	}
}

func TestParseIPv4Rejects(t *testing.T) {
	if _, err := parseIPv4("not-an-ip"); err == nil {
		t.Fatal("parseIPv4() on invalid input: want error, got nil")
	}
}
