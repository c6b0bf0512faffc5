package sensor

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrNotNetfilter marks kernel lines that are not packet LOG records.
var ErrNotNetfilter = errors.New("not a netfilter log line")

// ParseKernelLog parses a netfilter LOG record such as
//
//	GHOSTWALL: IN=eth0 OUT= MAC=.. SRC=10.0.0.5 DST=10.0.0.1 PROTO=TCP SPT=51000 DPT=22 SYN
//	GHOSTWALL-ARP: IN=eth0 OUT= ARP HTYPE=1 PTYPE=0x0800 OPCODE=1 MACSRC=.. IPSRC=10.0.0.5 MACDST=.. IPDST=10.0.0.1
//
// Lines without an IN= field return ErrNotNetfilter. When prefix is
// non-empty, records with a different log prefix also return
// ErrNotNetfilter. Any other error means a malformed record.
func ParseKernelLog(line, prefix string, at time.Time) (Observation, error) {
	idx := strings.Index(line, "IN=")
	if idx < 0 {
		return Observation{}, ErrNotNetfilter
	}

	head := strings.TrimSpace(line[:idx])
	// journald strips the kernel timestamp but syslog files keep it
	if i := strings.LastIndex(head, "] "); i >= 0 {
		head = strings.TrimSpace(head[i+2:])
	}
	head = strings.TrimSuffix(head, ":")
	if prefix != "" && !strings.HasPrefix(head, prefix) {
		return Observation{}, ErrNotNetfilter
	}

	obs := Observation{At: at, Prefix: head}
	fields := make(map[string]string)
	isARP := false
	for _, tok := range strings.Fields(line[idx:]) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			switch tok {
			case "SYN":
				obs.SYN = true
			case "ACK":
				obs.ACK = true
			case "FIN":
				obs.FIN = true
			case "RST":
				obs.RST = true
			case "ARP":
				isARP = true
			}
			continue
		}
		fields[k] = v
	}

	if isARP || fields["IPSRC"] != "" {
		return parseARP(obs, fields)
	}

	src, err := parseAddr(fields["SRC"])
	if err != nil {
		return Observation{}, fmt.Errorf("SRC: %w", err)
	}
	obs.SrcIP = src
	if dst, err := parseAddr(fields["DST"]); err == nil {
		obs.DstIP = dst
	}
	obs.SrcMAC = macFromHeader(fields["MAC"])

	switch strings.ToUpper(fields["PROTO"]) {
	case "TCP":
		obs.Proto = ProtoTCP
	case "UDP":
		obs.Proto = ProtoUDP
	case "ICMP", "ICMPV6":
		obs.Proto = ProtoICMP
		return obs, nil
	default:
		return Observation{}, fmt.Errorf("unsupported PROTO %q", fields["PROTO"])
	}

	if obs.SrcPort, err = parsePort(fields["SPT"]); err != nil {
		return Observation{}, fmt.Errorf("SPT: %w", err)
	}
	if obs.DstPort, err = parsePort(fields["DPT"]); err != nil {
		return Observation{}, fmt.Errorf("DPT: %w", err)
	}
	return obs, nil
}

func parseARP(obs Observation, fields map[string]string) (Observation, error) {
	obs.Proto = ProtoARP
	src, err := parseAddr(fields["IPSRC"])
	if err != nil {
		return Observation{}, fmt.Errorf("IPSRC: %w", err)
	}
	obs.SrcIP = src
	if dst, err := parseAddr(fields["IPDST"]); err == nil {
		obs.DstIP = dst
	}
	obs.SrcMAC = fields["MACSRC"]
	op, err := strconv.Atoi(fields["OPCODE"])
	if err != nil {
		return Observation{}, fmt.Errorf("OPCODE: %w", err)
	}
	obs.ARPOp = op
	return obs, nil
}

func parseAddr(s string) (string, error) {
	if s == "" {
		return "", errors.New("missing")
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	return addr.Unmap().String(), nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("missing")
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// macFromHeader extracts the source MAC from an iptables MAC= field, which
// holds the destination MAC, source MAC and ethertype as colon-separated bytes.
func macFromHeader(s string) string {
	parts := strings.Split(s, ":")
	if len(parts) < 12 {
		return ""
	}
	return strings.Join(parts[6:12], ":")
}
