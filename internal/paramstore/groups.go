package paramstore

import "encoding/binary"

// Page indices for each logical block.
const (
	pageLANInfo   = 0
	pagePOSTInfo  = 1
	pagePOSTHost  = 2  // 4 pages reserved
	pagePOSTPath  = 6  // 4 pages reserved
	pagePOSTProxy = 10 // 4 pages reserved
	pageUnitInfo  = 14
)

// PostStrMaxLen is the maximum length of a POST string block's content.
const PostStrMaxLen = 64

// LANConfig is the LAN parameter group.
type LANConfig struct {
	UseStatic bool
	IP        [4]byte
	Netmask   [4]byte
	DNS       [4]byte
	Router    [4]byte
}

func (c LANConfig) marshal() []byte {
	buf := make([]byte, 17)
	if c.UseStatic {
		buf[0] = 1
	}
	copy(buf[1:5], c.IP[:])
	copy(buf[5:9], c.Netmask[:])
	copy(buf[9:13], c.DNS[:])
	copy(buf[13:17], c.Router[:])
	return buf
}

func unmarshalLAN(buf []byte) LANConfig {
	var c LANConfig
	c.UseStatic = buf[0] != 0
	copy(c.IP[:], buf[1:5])
	copy(c.Netmask[:], buf[5:9])
	copy(c.DNS[:], buf[9:13])
	copy(c.Router[:], buf[13:17])
	return c
}

// DefaultLANConfig mirrors the original's LAN_DEF_* fallback constants.
func DefaultLANConfig() LANConfig {
	return LANConfig{
		UseStatic: false,
		IP:        [4]byte{192, 168, 0, 100},
		Netmask:   [4]byte{255, 255, 255, 0},
		DNS:       [4]byte{192, 168, 0, 254},
		Router:    [4]byte{192, 168, 0, 254},
	}
}

// ReadLAN reads and validates the LAN config block.
func ReadLAN(store PageStore) (LANConfig, bool, error) {
	payload, valid, err := readBlock(store, pageLANInfo, 17)
	if !valid {
		return LANConfig{}, false, err
	}
	return unmarshalLAN(payload), true, nil
}

// WriteLAN writes the LAN config block.
func WriteLAN(store PageStore, c LANConfig) error {
	return writeBlock(store, pageLANInfo, c.marshal())
}

// PostInfo is the POST connection parameter group (host/path/proxy are
// separate string blocks, see below).
type PostInfo struct {
	UseProxy  bool
	HostPort  uint16
	ProxyPort uint16
}

func (p PostInfo) marshal() []byte {
	buf := make([]byte, 5)
	if p.UseProxy {
		buf[0] = 1
	}
	binary.BigEndian.PutUint16(buf[1:3], p.HostPort)
	binary.BigEndian.PutUint16(buf[3:5], p.ProxyPort)
	return buf
}

func unmarshalPostInfo(buf []byte) PostInfo {
	return PostInfo{
		UseProxy:  buf[0] != 0,
		HostPort:  binary.BigEndian.Uint16(buf[1:3]),
		ProxyPort: binary.BigEndian.Uint16(buf[3:5]),
	}
}

// ReadPostInfo reads and validates the POST info block.
func ReadPostInfo(store PageStore) (PostInfo, bool, error) {
	payload, valid, err := readBlock(store, pagePOSTInfo, 5)
	if !valid {
		return PostInfo{}, false, err
	}
	return unmarshalPostInfo(payload), true, nil
}

// WritePostInfo writes the POST info block.
func WritePostInfo(store PageStore, p PostInfo) error {
	return writeBlock(store, pagePOSTInfo, p.marshal())
}

// ReadPostString reads and validates one of the three POST string blocks
// (host, path, proxy host). The returned string is always null-terminated
// and zero-padded in storage, and trimmed of trailing zero bytes here for
// callers.
func ReadPostString(store PageStore, startPage int) (string, bool, error) {
	payload, valid, err := readBlock(store, startPage, PostStrMaxLen+1)
	if !valid {
		return "", false, err
	}
	n := 0
	for n < len(payload) && payload[n] != 0 {
		n++
	}
	return string(payload[:n]), true, nil
}

// WritePostString writes one of the three POST string blocks, zero-padding
// and guaranteeing a null terminator.
func WritePostString(store PageStore, startPage int, s string) error {
	if len(s) > PostStrMaxLen {
		s = s[:PostStrMaxLen]
	}
	buf := make([]byte, PostStrMaxLen+1)
	copy(buf, s)
	return writeBlock(store, startPage, buf)
}

// UnitConfig is the unit parameter group.
type UnitConfig struct {
	IDBase     uint16
	ReportMode uint16
	UpdateSecs uint16
	Reserved   uint16
}

func (u UnitConfig) marshal() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], u.IDBase)
	binary.BigEndian.PutUint16(buf[2:4], u.ReportMode)
	binary.BigEndian.PutUint16(buf[4:6], u.UpdateSecs)
	binary.BigEndian.PutUint16(buf[6:8], u.Reserved)
	return buf
}

func unmarshalUnit(buf []byte) UnitConfig {
	return UnitConfig{
		IDBase:     binary.BigEndian.Uint16(buf[0:2]),
		ReportMode: binary.BigEndian.Uint16(buf[2:4]),
		UpdateSecs: binary.BigEndian.Uint16(buf[4:6]),
		Reserved:   binary.BigEndian.Uint16(buf[6:8]),
	}
}

// ReadUnit reads and validates the unit config block.
func ReadUnit(store PageStore) (UnitConfig, bool, error) {
	payload, valid, err := readBlock(store, pageUnitInfo, 8)
	if !valid {
		return UnitConfig{}, false, err
	}
	return unmarshalUnit(payload), true, nil
}

// WriteUnit writes the unit config block.
func WriteUnit(store PageStore, u UnitConfig) error {
	return writeBlock(store, pageUnitInfo, u.marshal())
}

// PostParms bundles the POST info block with its three string blocks and
// a composite validity flag: valid iff the info, host, and path blocks
// are all valid, and -- only if UseProxy -- the proxy string block is
// also valid.
type PostParms struct {
	Info      PostInfo
	Host      string
	Path      string
	ProxyHost string
	Valid     bool
}

// ReadPostParms reads the POST info block and its three string blocks and
// computes the composite validity flag. A marker or CRC mismatch shows up
// only as Valid=false; the returned error is the first page transport
// error, and only when the composite is invalid.
func ReadPostParms(store PageStore) (PostParms, error) {
	info, infoValid, infoErr := ReadPostInfo(store)
	host, hostValid, hostErr := ReadPostString(store, pagePOSTHost)
	path, pathValid, pathErr := ReadPostString(store, pagePOSTPath)
	proxy, proxyValid, proxyErr := ReadPostString(store, pagePOSTProxy)

	valid := infoValid && hostValid && pathValid
	if info.UseProxy {
		valid = valid && proxyValid
	}

	var firstErr error
	for _, e := range []error{infoErr, hostErr, pathErr, proxyErr} {
		if e == ErrBadMarker || e == ErrBadCRC {
			continue
		}
		if e != nil && firstErr == nil {
			firstErr = e
		}
	}
	if valid {
		firstErr = nil
	}

	return PostParms{Info: info, Host: host, Path: path, ProxyHost: proxy, Valid: valid}, firstErr
}

// WriteLANDefaults writes the LAN defaults and re-reads validity, matching
// the original's ee_write_lan_defaults (write then refresh validity flag).
func WriteLANDefaults(store PageStore) (bool, error) {
	if err := WriteLAN(store, DefaultLANConfig()); err != nil {
		return false, err
	}
	_, valid, err := ReadLAN(store)
	return valid, err
}

// PostHostPage, PostPathPage, and PostProxyPage expose the starting page
// indices of the three POST string blocks to callers outside this package
// (appconfig's bootstrap installer) that need to read or write them via
// ReadPostString/WritePostString directly.
func PostHostPage() int  { return pagePOSTHost }
func PostPathPage() int  { return pagePOSTPath }
func PostProxyPage() int { return pagePOSTProxy }

// InstallLANDefaultsIfInvalid applies the default-installation rule:
// defaults are written only when writeDefaultsEnabled (the "write
// defaults" DIP switch) is on AND the block is currently invalid. A block
// previously valid is never overwritten at boot.
func InstallLANDefaultsIfInvalid(store PageStore, writeDefaultsEnabled bool) (bool, error) {
	_, valid, _ := ReadLAN(store)
	if valid || !writeDefaultsEnabled {
		return valid, nil
	}
	return WriteLANDefaults(store)
}
