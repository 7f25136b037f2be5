package lanmgr

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/chapmip/wxappliance/internal/paramstore"
)

// NetIface is the production Interface, driving the named Linux network
// device through the `ip` command-line tool and a DHCP client binary --
// shelling out to the platform's own configuration tool rather than
// reimplementing netlink, via os/exec.Command.
type NetIface struct {
	name       string
	dhcpClient string

	leaseOK  bool
	fellBack bool
}

// NewNetIface returns an Interface driving the named device (e.g. "eth0")
// via dhcpClient (e.g. "dhclient" or "udhcpc").
func NewNetIface(name, dhcpClient string) *NetIface {
	return &NetIface{name: name, dhcpClient: dhcpClient}
}

// LinkUp reports whether the named interface's carrier is up, read from
// net.Interfaces' flags.
func (n *NetIface) LinkUp() bool {
	iface, err := net.InterfaceByName(n.name)
	if err != nil {
		return false
	}
	return iface.Flags&net.FlagRunning != 0
}

// IfUp reports whether the interface is administratively enabled,
// independent of whether a carrier is currently detected.
func (n *NetIface) IfUp() bool {
	iface, err := net.InterfaceByName(n.name)
	if err != nil {
		return false
	}
	return iface.Flags&net.FlagUp != 0
}

func (n *NetIface) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lanmgr: %s %v: %w (%s)", name, args, err, out)
	}
	return nil
}

// BringUpDHCP starts the configured DHCP client against the interface,
// falling back to a static address if it fails and fallback is true.
func (n *NetIface) BringUpDHCP(ctx context.Context, fallback bool, fallbackCfg paramstore.LANConfig) error {
	n.fellBack = false
	n.leaseOK = false

	if err := n.run(ctx, "ip", "link", "set", n.name, "up"); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := n.run(dctx, n.dhcpClient, "-1", n.name); err != nil {
		if !fallback {
			return err
		}
		if sErr := n.BringUpStatic(ctx, fallbackCfg); sErr != nil {
			return sErr
		}
		n.fellBack = true
		return nil
	}

	n.leaseOK = true
	return nil
}

// BringUpStatic assigns cfg's address/mask and default route directly via
// `ip addr`/`ip route`.
func (n *NetIface) BringUpStatic(ctx context.Context, cfg paramstore.LANConfig) error {
	if err := n.run(ctx, "ip", "link", "set", n.name, "up"); err != nil {
		return err
	}
	cidr := fmt.Sprintf("%s/%d", ipString(cfg.IP), maskBits(cfg.Netmask))
	if err := n.run(ctx, "ip", "addr", "replace", cidr, "dev", n.name); err != nil {
		return err
	}
	if err := n.run(ctx, "ip", "route", "replace", "default", "via", ipString(cfg.Router), "dev", n.name); err != nil {
		return err
	}
	n.leaseOK = true
	return nil
}

// BringDown releases the DHCP lease (if any) and takes the link down.
func (n *NetIface) BringDown() error {
	_ = exec.Command(n.dhcpClient, "-r", n.name).Run()
	n.leaseOK = false
	return exec.Command("ip", "link", "set", n.name, "down").Run()
}

// DHCPLeaseOK reports whether the most recent bring-up succeeded.
func (n *NetIface) DHCPLeaseOK() bool { return n.leaseOK }

// UsedFallback reports whether the most recent DHCP attempt fell back to
// static configuration.
func (n *NetIface) UsedFallback() bool { return n.fellBack }

// LocalIP returns the interface's current IPv4 address.
func (n *NetIface) LocalIP() [4]byte {
	iface, err := net.InterfaceByName(n.name)
	if err != nil {
		return [4]byte{}
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return [4]byte{}
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			var out [4]byte
			copy(out[:], v4)
			return out
		}
	}
	return [4]byte{}
}

func ipString(ip [4]byte) string {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
}

// maskBits converts a dotted-quad netmask into its CIDR prefix length.
func maskBits(mask [4]byte) int {
	ones, _ := net.IPv4Mask(mask[0], mask[1], mask[2], mask[3]).Size()
	return ones
}
