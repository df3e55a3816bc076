package zeroconf

import (
	"fmt"
	"strconv"

	ctrstream "github.com/devgianlu/go-ctrstream"
)

const (
	ServiceType = "_ctrstream._tcp"
	Domain      = "local."
)

type Backend string

const (
	BackendNone    Backend = ""
	BackendBuiltin Backend = "builtin"
	BackendAvahi   Backend = "avahi"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendNone, BackendBuiltin, BackendAvahi:
		return b, nil
	default:
		return "", fmt.Errorf("unknown zeroconf backend: %s", s)
	}
}

// Advertisement describes the API server being published.
type Advertisement struct {
	Name string
	Port int
	TLS  bool
}

// Txt returns the TXT records clients use to reach the API.
func (a Advertisement) Txt() []string {
	return []string{
		"version=" + ctrstream.VersionNumberString(),
		"tls=" + strconv.FormatBool(a.TLS),
		"events=/events",
		"data=/stream/data",
	}
}

// Advertise publishes ad with the given backend. The returned registrar must
// be shut down to stop advertising.
func Advertise(log ctrstream.Logger, backend Backend, ad Advertisement) (ServiceRegistrar, error) {
	var reg ServiceRegistrar
	switch backend {
	case BackendBuiltin:
		reg = NewBuiltinRegistrar(nil)
	case BackendAvahi:
		avahi, err := NewAvahiRegistrar()
		if err != nil {
			return nil, err
		}

		log.Debugf("using avahi-daemon on %s", avahi.Hostname())
		reg = avahi
	default:
		return nil, fmt.Errorf("cannot advertise with backend %q", backend)
	}

	if err := reg.Register(ad.Name, ServiceType, Domain, ad.Port, ad.Txt()); err != nil {
		reg.Shutdown()
		return nil, fmt.Errorf("failed registering %s service: %w", ServiceType, err)
	}

	log.Infof("advertising %s as %s on port %d", ServiceType, ad.Name, ad.Port)
	return reg, nil
}
