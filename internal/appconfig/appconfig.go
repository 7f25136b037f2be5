// Package appconfig implements the appliance's bootstrap configuration: a
// YAML file standing in for the DIP-switch "write defaults" selection in
// eeprom.c, installed into the paramstore parameter blocks only when they
// are not already valid -- a previously valid block is never overwritten
// at boot, per paramstore.InstallLANDefaultsIfInvalid's rule. It also
// carries the purely operational settings (listen addresses, serial
// device, self-update schedule) that have no EEPROM-block analogue in the
// original firmware at all.
package appconfig

import (
	"fmt"
	"net"
	"os"

	"github.com/chapmip/wxappliance/internal/paramstore"
	"gopkg.in/yaml.v3"
)

// Bootstrap is the YAML-decoded bootstrap configuration file.
type Bootstrap struct {
	WriteDefaults bool `yaml:"write_defaults"`

	// FastCollect mirrors the "fast collection interval" DIP switch
	// tasks_run consults only when update_secs itself is out of range
	// (see Supervisor.Tick/setNextCollectionTime) -- a fixed process
	// flag, not something read back from a parameter-store block.
	FastCollect bool `yaml:"fast_collect"`

	LAN struct {
		UseStatic bool   `yaml:"use_static"`
		IP        string `yaml:"ip"`
		Netmask   string `yaml:"netmask"`
		DNS       string `yaml:"dns"`
		Router    string `yaml:"router"`
	} `yaml:"lan"`

	Unit struct {
		IDBase     uint16 `yaml:"id_base"`
		ReportMode uint16 `yaml:"report_mode"`
		UpdateSecs uint16 `yaml:"update_secs"`
		// ElevationFt has no parameter-store block of its own (the
		// original firmware read it from a DIP-switch-selected
		// constant table, not EEPROM). It is handed to the supervisor at
		// construction (supervisor.Config.ElevFeet), which stores it; no
		// supervisor path issues a barometer-set command, so the value is
		// not used further. It stays a plain bootstrap field instead of
		// growing UnitConfig.
		ElevationFt int `yaml:"elevation_ft"`
	} `yaml:"unit"`

	Post struct {
		Host      string `yaml:"host"`
		Port      uint16 `yaml:"port"`
		Path      string `yaml:"path"`
		UseProxy  bool   `yaml:"use_proxy"`
		ProxyHost string `yaml:"proxy_host"`
		ProxyPort uint16 `yaml:"proxy_port"`
	} `yaml:"post"`

	Console struct {
		// PasswordHash is a pre-computed bcrypt hash -- the plaintext
		// password never appears in this file or in memory beyond the
		// operator's own bcrypt.GenerateFromPassword invocation when the
		// file was authored.
		PasswordHash      string `yaml:"password_hash"`
		DiagnosticsAddr   string `yaml:"diagnostics_addr"`
		UDPConsoleAddr    string `yaml:"udp_console_addr"`
		UDPConsoleEnabled bool   `yaml:"udp_console_enabled"`
	} `yaml:"console"`

	Serial struct {
		Device   string `yaml:"device"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"serial"`

	SelfUpdate struct {
		Enabled   bool   `yaml:"enabled"`
		Host      string `yaml:"host"`
		Path      string `yaml:"path"`
		CheckCron string `yaml:"check_cron"`
	} `yaml:"self_update"`

	Watchdog struct {
		DevicePath string `yaml:"device_path"`
		ExitCode   int    `yaml:"exit_code"`
	} `yaml:"watchdog"`

	DiagStore struct {
		// DSN is a Postgres connection string. Left empty, the fleet-wide
		// diagnostics fan-out is disabled entirely -- every appliance
		// still logs locally regardless.
		DSN string `yaml:"dsn"`
	} `yaml:"diag_store"`
}

// Load reads and parses a Bootstrap from a YAML file at path.
func Load(path string) (Bootstrap, error) {
	var b Bootstrap
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("appconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	return b, nil
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	if s == "" {
		return out, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("appconfig: %q is not an IPv4 address", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("appconfig: %q is not an IPv4 address", s)
	}
	copy(out[:], v4)
	return out, nil
}

func (b Bootstrap) lanConfig() (paramstore.LANConfig, error) {
	ip, err := parseIPv4(b.LAN.IP)
	if err != nil {
		return paramstore.LANConfig{}, err
	}
	mask, err := parseIPv4(b.LAN.Netmask)
	if err != nil {
		return paramstore.LANConfig{}, err
	}
	dns, err := parseIPv4(b.LAN.DNS)
	if err != nil {
		return paramstore.LANConfig{}, err
	}
	router, err := parseIPv4(b.LAN.Router)
	if err != nil {
		return paramstore.LANConfig{}, err
	}
	return paramstore.LANConfig{UseStatic: b.LAN.UseStatic, IP: ip, Netmask: mask, DNS: dns, Router: router}, nil
}

// InstallIfInvalid installs every parameter-store block this Bootstrap
// describes, but only where the existing block is currently invalid. It
// never touches a block that already reads back valid, even if the YAML
// file disagrees with it -- the file is a bootstrap seed, not an
// authoritative source the running unit resyncs against.
func (b Bootstrap) InstallIfInvalid(store paramstore.PageStore) error {
	if !b.WriteDefaults {
		return nil
	}

	if _, valid, _ := paramstore.ReadLAN(store); !valid {
		cfg, err := b.lanConfig()
		if err != nil {
			return err
		}
		if err := paramstore.WriteLAN(store, cfg); err != nil {
			return fmt.Errorf("appconfig: install LAN defaults: %w", err)
		}
	}

	if _, valid, _ := paramstore.ReadUnit(store); !valid {
		unit := paramstore.UnitConfig{
			IDBase:     b.Unit.IDBase,
			ReportMode: b.Unit.ReportMode,
			UpdateSecs: b.Unit.UpdateSecs,
		}
		if err := paramstore.WriteUnit(store, unit); err != nil {
			return fmt.Errorf("appconfig: install Unit defaults: %w", err)
		}
	}

	if parms, err := paramstore.ReadPostParms(store); err != nil || !parms.Valid {
		info := paramstore.PostInfo{UseProxy: b.Post.UseProxy, HostPort: b.Post.Port, ProxyPort: b.Post.ProxyPort}
		if err := paramstore.WritePostInfo(store, info); err != nil {
			return fmt.Errorf("appconfig: install POST info defaults: %w", err)
		}
		if err := paramstore.WritePostString(store, paramstore.PostHostPage(), b.Post.Host); err != nil {
			return fmt.Errorf("appconfig: install POST host default: %w", err)
		}
		if err := paramstore.WritePostString(store, paramstore.PostPathPage(), b.Post.Path); err != nil {
			return fmt.Errorf("appconfig: install POST path default: %w", err)
		}
		if err := paramstore.WritePostString(store, paramstore.PostProxyPage(), b.Post.ProxyHost); err != nil {
			return fmt.Errorf("appconfig: install POST proxy host default: %w", err)
		}
	}

	return nil
}
