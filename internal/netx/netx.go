// Package netx classifies the current network attachment. The pipeline
// uses the class to pick chunk sizes and to decide whether the
// cellular-restricted lane may run.
package netx

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Class is the coarse network type the engine cares about.
type Class string

const (
	ClassWifi     Class = "wifi"
	ClassEthernet Class = "ethernet"
	ClassCellular Class = "cellular"
	ClassOffline  Class = "offline"
)

// Metered reports whether transfers on this class consume a byte-capped
// plan.
func (c Class) Metered() bool {
	return c == ClassCellular
}

// Online reports whether any usable attachment exists.
func (c Class) Online() bool {
	return c != ClassOffline
}

// Monitor reports the current network class.
type Monitor interface {
	Class() Class
}

// StaticMonitor always reports a fixed class. Used in tests and on hosts
// where the attachment is known ahead of time.
type StaticMonitor struct {
	Value Class
}

func (s *StaticMonitor) Class() Class {
	return s.Value
}

// InterfaceMonitor inspects the host's network interfaces and caches the
// verdict briefly, since interface enumeration is a syscall per call site
// and the pipeline asks on every tick.
type InterfaceMonitor struct {
	// CacheFor bounds how long a verdict is reused. Zero means 5s.
	CacheFor time.Duration

	mu      sync.Mutex
	class   Class
	checked time.Time
}

func (m *InterfaceMonitor) Class() Class {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := m.CacheFor
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if !m.checked.IsZero() && time.Since(m.checked) < ttl {
		return m.class
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		m.class = ClassOffline
	} else {
		m.class = classify(ifaces)
	}
	m.checked = time.Now()
	return m.class
}

// classify picks the best attachment among the up, non-loopback interfaces
// that carry a routable address. Ethernet beats wifi beats cellular.
func classify(ifaces []net.Interface) Class {
	best := ClassOffline
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || !hasRoutableAddr(addrs) {
			continue
		}
		switch kind(iface.Name) {
		case ClassEthernet:
			return ClassEthernet
		case ClassWifi:
			best = ClassWifi
		case ClassCellular:
			if best == ClassOffline {
				best = ClassCellular
			}
		}
	}
	return best
}

func hasRoutableAddr(addrs []net.Addr) bool {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipNet.IP; !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

func kind(name string) Class {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "wwan"),
		strings.HasPrefix(name, "rmnet"),
		strings.HasPrefix(name, "pdp_ip"):
		return ClassCellular
	case strings.HasPrefix(name, "wl"),
		strings.HasPrefix(name, "wifi"),
		strings.HasPrefix(name, "ath"):
		return ClassWifi
	default:
		return ClassEthernet
	}
}
