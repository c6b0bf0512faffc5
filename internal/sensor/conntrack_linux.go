//go:build linux

package sensor

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
)

// NewConntrackSource creates a source polling the kernel conntrack table.
func NewConntrackSource(interval time.Duration, logger *slog.Logger) *ConntrackSource {
	return newConntrackSource(interval, listConntrack, logger)
}

func listConntrack() ([]Flow, error) {
	flows4, err4 := netlink.ConntrackTableList(netlink.ConntrackTable, netlink.InetFamily(syscall.AF_INET))
	flows6, err6 := netlink.ConntrackTableList(netlink.ConntrackTable, netlink.InetFamily(syscall.AF_INET6))
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("conntrack netlink read failed: %v %v", err4, err6)
	}

	out := make([]Flow, 0, len(flows4)+len(flows6))
	for _, f := range append(flows4, flows6...) {
		if f.Forward.SrcIP == nil || f.Forward.DstIP == nil {
			continue
		}
		var proto Protocol
		switch f.Forward.Protocol {
		case syscall.IPPROTO_TCP:
			proto = ProtoTCP
		case syscall.IPPROTO_UDP:
			proto = ProtoUDP
		default:
			continue
		}
		out = append(out, Flow{
			Proto:   proto,
			SrcIP:   f.Forward.SrcIP.String(),
			DstIP:   f.Forward.DstIP.String(),
			SrcPort: int(f.Forward.SrcPort),
			DstPort: int(f.Forward.DstPort),
		})
	}
	return out, nil
}
