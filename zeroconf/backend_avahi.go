package zeroconf

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	avahiService         = "org.freedesktop.Avahi"
	avahiServerPath      = "/"
	avahiServerIface     = "org.freedesktop.Avahi.Server"
	avahiEntryGroupIface = "org.freedesktop.Avahi.EntryGroup"

	avahiIfUnspec    = int32(-1)
	avahiProtoUnspec = int32(-1)
)

// AvahiRegistrar publishes the service through a running avahi-daemon over
// the system D-Bus, sharing the mDNS responder with the rest of the host.
type AvahiRegistrar struct {
	conn       *dbus.Conn
	entryGroup dbus.BusObject
	hostname   string
}

func NewAvahiRegistrar() (*AvahiRegistrar, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed connecting to system bus: %w", err)
	}

	var hostname string
	if err := conn.Object(avahiService, avahiServerPath).Call(avahiServerIface+".GetHostName", 0).Store(&hostname); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed contacting avahi-daemon: %w", err)
	}

	return &AvahiRegistrar{conn: conn, hostname: hostname}, nil
}

// Hostname returns the host name avahi-daemon publishes records for.
func (a *AvahiRegistrar) Hostname() string {
	return a.hostname
}

func (a *AvahiRegistrar) Register(name, serviceType, domain string, port int, txt []string) error {
	if port <= 0 || port > 0xffff {
		return fmt.Errorf("invalid port %d", port)
	}

	var groupPath dbus.ObjectPath
	if err := a.conn.Object(avahiService, avahiServerPath).Call(avahiServerIface+".EntryGroupNew", 0).Store(&groupPath); err != nil {
		return fmt.Errorf("failed creating entry group: %w", err)
	}

	a.entryGroup = a.conn.Object(avahiService, groupPath)

	// signature iiussssqaay
	if err := a.entryGroup.Call(avahiEntryGroupIface+".AddService", 0,
		avahiIfUnspec, avahiProtoUnspec, uint32(0),
		name, serviceType, domain, "",
		uint16(port), txtRecords(txt),
	).Err; err != nil {
		return fmt.Errorf("failed adding service: %w", err)
	}

	if err := a.entryGroup.Call(avahiEntryGroupIface+".Commit", 0).Err; err != nil {
		return fmt.Errorf("failed committing entry group: %w", err)
	}

	return nil
}

func (a *AvahiRegistrar) Shutdown() {
	if a.entryGroup != nil {
		_ = a.entryGroup.Call(avahiEntryGroupIface+".Free", 0).Err
		a.entryGroup = nil
	}

	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func txtRecords(txt []string) [][]byte {
	out := make([][]byte, len(txt))
	for i, t := range txt {
		out[i] = []byte(t)
	}

	return out
}
