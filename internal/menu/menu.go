// Package menu implements the data-mutation contract behind the
// password-gated configuration console, mirroring the original's
// top-level command-letter dispatch table (LAN/proxy/POST/unit
// sub-menus). The console's keystroke handling is thin; this package
// specifies and enforces only what each command letter is allowed to
// read or mutate in paramstore, so both the serial menu and the UDP
// console transport can share one command handler.
package menu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/report"
	"golang.org/x/crypto/bcrypt"
)

// UserLevel mirrors menu.c's USER_TECH/USER_ADMIN/USER_MAINT bitmask,
// gating which commands a session may invoke once authenticated.
type UserLevel uint8

const (
	UserNone  UserLevel = 0
	UserTech  UserLevel = 0x01
	UserAdmin UserLevel = 0x02
	UserMaint UserLevel = 0x04
	UserHigh            = UserAdmin | UserMaint
	UserAll             = UserTech | UserAdmin | UserMaint
)

// Handler dispatches one command line at a time, matching the original's
// single-command-letter menu items ('1'..'0' for sub-menus, 'M'/'I'/'N'/...
// for individual fields). One Handler instance is shared by both console
// transports; it is not safe for concurrent use from more than one session
// at a time, matching the original's single-console assumption.
type Handler struct {
	store        paramstore.PageStore
	sink         *report.Sink
	passwordHash []byte
	level        UserLevel
}

// NewHandler returns a Handler gated by passwordHash, a bcrypt hash of the
// console password (taken from the bootstrap file's console
// password_hash field). The HTTP
// diagnostics surface's mutating endpoints check Basic Auth against the
// same hash rather than keeping a second secret.
func NewHandler(store paramstore.PageStore, sink *report.Sink, passwordHash []byte) *Handler {
	return &Handler{store: store, sink: sink, passwordHash: passwordHash}
}

func (h *Handler) reportf(sev report.Severity, format string, args ...interface{}) {
	h.sink.Reportf(report.SourceMain, sev, false, format, args...)
}

// Authenticate checks password against the configured bcrypt hash and, on
// success, grants UserAll for the remainder of the session -- the original
// menu supports per-level passwords; this package sticks to a single
// shared password.
func (h *Handler) Authenticate(password string) bool {
	if bcrypt.CompareHashAndPassword(h.passwordHash, []byte(password)) != nil {
		h.reportf(report.SeverityProblem, "Console authentication failed")
		h.level = UserNone
		return false
	}
	h.level = UserAll
	h.reportf(report.SeverityDetail, "Console authenticated")
	return true
}

// Authenticated reports whether the session has passed Authenticate.
func (h *Handler) Authenticated() bool { return h.level != UserNone }

// Logout clears the session's authenticated level.
func (h *Handler) Logout() { h.level = UserNone }

// HandleLine dispatches one command line and returns the text response,
// matching the shape of menu.c's per-item handler return value rendered
// to a line of output instead of driving a local echo/redraw loop.
func (h *Handler) HandleLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	if !h.Authenticated() && cmd != "PASSWORD" {
		return "ERR not authenticated"
	}

	switch cmd {
	case "PASSWORD":
		if len(args) != 1 {
			return "ERR PASSWORD requires one argument"
		}
		if h.Authenticate(args[0]) {
			return "OK authenticated"
		}
		return "ERR bad password"

	case "LOGOUT":
		h.Logout()
		return "OK logged out"

	case "L": // show LAN config, matching open_lan_menu's status screen
		cfg, valid, err := paramstore.ReadLAN(h.store)
		if err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		if !valid {
			return "ERR LAN block invalid"
		}
		return fmt.Sprintf("OK static=%v ip=%v mask=%v gw=%v dns=%v",
			cfg.UseStatic, cfg.IP, cfg.Netmask, cfg.Router, cfg.DNS)

	case "LW": // write LAN config; args: static ip mask gw dns (dotted quads)
		if h.level&UserAll == 0 {
			return "ERR insufficient privilege"
		}
		if len(args) != 5 {
			return "ERR LW requires 5 arguments: static ip mask gw dns"
		}
		useStatic, err := strconv.ParseBool(args[0])
		if err != nil {
			return "ERR bad static flag"
		}
		ip, err1 := parseIPv4(args[1])
		mask, err2 := parseIPv4(args[2])
		gw, err3 := parseIPv4(args[3])
		dns, err4 := parseIPv4(args[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return "ERR bad dotted-quad address"
		}
		cfg := paramstore.LANConfig{UseStatic: useStatic, IP: ip, Netmask: mask, Router: gw, DNS: dns}
		if err := paramstore.WriteLAN(h.store, cfg); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK LAN updated"

	case "P": // show POST server config, matching open_post_menu
		parms, err := paramstore.ReadPostParms(h.store)
		if err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		if !parms.Valid {
			return "ERR POST block invalid"
		}
		return fmt.Sprintf("OK host=%s path=%s proxy=%v proxy_host=%s proxy_port=%d",
			parms.Host, parms.Path, parms.Info.UseProxy, parms.ProxyHost, parms.Info.ProxyPort)

	case "U": // show unit config, matching open_unit_menu
		unit, valid, err := paramstore.ReadUnit(h.store)
		if err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		if !valid {
			return "ERR Unit block invalid"
		}
		return fmt.Sprintf("OK id_base=%d report_mode=%d update_secs=%d",
			unit.IDBase, unit.ReportMode, unit.UpdateSecs)

	case "UW": // write unit config; args: id_base report_mode update_secs
		if h.level&UserHigh == 0 {
			return "ERR insufficient privilege"
		}
		if len(args) != 3 {
			return "ERR UW requires 3 arguments: id_base report_mode update_secs"
		}
		idBase, err1 := strconv.Atoi(args[0])
		reportMode, err2 := strconv.Atoi(args[1])
		update, err3 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return "ERR bad numeric argument"
		}
		unit := paramstore.UnitConfig{
			IDBase:     uint16(idBase),
			ReportMode: uint16(reportMode),
			UpdateSecs: uint16(update),
		}
		if err := paramstore.WriteUnit(h.store, unit); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK Unit updated"

	case "9": // reset_defaults
		if h.level&UserHigh == 0 {
			return "ERR insufficient privilege"
		}
		if _, err := paramstore.WriteLANDefaults(h.store); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK defaults restored"

	case "?", "HELP":
		return "OK commands: PASSWORD LOGOUT L LW P U UW 9 HELP"

	default:
		return "ERR unrecognized command"
	}
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("menu: %q is not a dotted quad", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, fmt.Errorf("menu: %q is not a dotted quad", s)
		}
		out[i] = byte(n)
	}
	return out, nil
}
