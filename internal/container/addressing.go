package container

import (
	"encoding/binary"
	"fmt"
	"net"
)

// SSHPort returns the host port published for a slot.
func SSHPort(base, slot int) int {
	return base + slot
}

// SlotIP returns the address of a slot inside subnet: the network address
// offset by slot+2, skipping the network address and the gateway.
func SlotIP(subnet string, slot int) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("parsing subnet %q: %w", subnet, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("subnet %q is not IPv4", subnet)
	}

	ones, bits := ipnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	offset := uint32(slot) + 2
	if slot < 0 || offset >= size-1 {
		return "", fmt.Errorf("slot %d does not fit in subnet %q", slot, subnet)
	}

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, binary.BigEndian.Uint32(base)+offset)
	return ip.String(), nil
}
