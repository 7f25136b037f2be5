package paramstore

import "testing"

func TestLANWriteReadRoundTrip(t *testing.T) {
	store := NewMemPageStore()
	c := LANConfig{
		UseStatic: true,
		IP:        [4]byte{10, 0, 0, 5},
		Netmask:   [4]byte{255, 255, 255, 0},
		DNS:       [4]byte{10, 0, 0, 1},
		Router:    [4]byte{10, 0, 0, 1},
	}

	if err := WriteLAN(store, c); err != nil {
		t.Fatalf("WriteLAN() error: %v", err)
	}

	got, valid, err := ReadLAN(store)
	if err != nil || !valid {
		t.Fatalf("ReadLAN() valid=%v err=%v", valid, err)
	}
	if got != c {
		t.Errorf("ReadLAN() = %+v, want %+v", got, c)
	}
}

func TestSingleByteFlipInvalidatesBlock(t *testing.T) {
	store := NewMemPageStore().(*memPageStore)
	if err := WriteLAN(store, DefaultLANConfig()); err != nil {
		t.Fatalf("WriteLAN() error: %v", err)
	}

	store.pages[pageLANInfo][5] ^= 0xFF

	_, valid, err := ReadLAN(store)
	if valid {
		t.Fatalf("ReadLAN() valid = true after byte flip, want false")
	}
	if err != ErrBadCRC && err != ErrBadMarker {
		t.Errorf("ReadLAN() err = %v, want ErrBadCRC or ErrBadMarker", err)
	}
}

func TestUnwrittenBlockIsInvalid(t *testing.T) {
	store := NewMemPageStore()

	_, valid, err := ReadLAN(store)
	if valid {
		t.Fatalf("fresh store reports LAN block valid, want false")
	}
	if err != ErrBadMarker {
		t.Errorf("err = %v, want ErrBadMarker", err)
	}
}

func TestPostParmsCompositeValidity(t *testing.T) {
	store := NewMemPageStore()

	if err := WritePostInfo(store, PostInfo{UseProxy: true, HostPort: 80, ProxyPort: 8080}); err != nil {
		t.Fatalf("WritePostInfo() error: %v", err)
	}
	if err := WritePostString(store, pagePOSTHost, "weather.example.com"); err != nil {
		t.Fatalf("WritePostString(host) error: %v", err)
	}
	if err := WritePostString(store, pagePOSTPath, "/upload"); err != nil {
		t.Fatalf("WritePostString(path) error: %v", err)
	}

	parms, err := ReadPostParms(store)
	if err != nil {
		t.Fatalf("ReadPostParms() error: %v", err)
	}
	if parms.Valid {
		t.Errorf("Valid = true without a proxy string block written, want false (use_proxy is set)")
	}

	if err := WritePostString(store, pagePOSTProxy, "proxy.example.com"); err != nil {
		t.Fatalf("WritePostString(proxy) error: %v", err)
	}

	parms, err = ReadPostParms(store)
	if err != nil {
		t.Fatalf("ReadPostParms() error: %v", err)
	}
	if !parms.Valid {
		t.Errorf("Valid = false once all required blocks (incl. proxy) are written, want true")
	}
	if parms.Host != "weather.example.com" || parms.Path != "/upload" || parms.ProxyHost != "proxy.example.com" {
		t.Errorf("unexpected decoded strings: %+v", parms)
	}
}

func TestInstallLANDefaultsIfInvalid(t *testing.T) {
	store := NewMemPageStore()

	valid, err := InstallLANDefaultsIfInvalid(store, false)
	if err != nil {
		t.Fatalf("InstallLANDefaultsIfInvalid() error: %v", err)
	}
	if valid {
		t.Errorf("defaults installed with DIP switch off, want untouched/invalid")
	}

	valid, err = InstallLANDefaultsIfInvalid(store, true)
	if err != nil {
		t.Fatalf("InstallLANDefaultsIfInvalid() error: %v", err)
	}
	if !valid {
		t.Errorf("defaults not installed with DIP switch on and block invalid")
	}

	c := DefaultLANConfig()
	c.UseStatic = true
	if err := WriteLAN(store, c); err != nil {
		t.Fatalf("WriteLAN() error: %v", err)
	}

	valid, err = InstallLANDefaultsIfInvalid(store, true)
	if err != nil {
		t.Fatalf("InstallLANDefaultsIfInvalid() error: %v", err)
	}
	if !valid {
		t.Fatalf("previously valid block reported invalid")
	}
	got, _, _ := ReadLAN(store)
	if !got.UseStatic {
		t.Errorf("previously-valid block was overwritten with defaults at boot, want preserved")
	}
}
