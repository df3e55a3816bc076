package zeroconf

// ServiceRegistrar publishes a single service via mDNS.
type ServiceRegistrar interface {
	// Register publishes the service instance name of type serviceType
	// (e.g. "_ctrstream._tcp") in domain (e.g. "local.") on port with
	// the given TXT key=value records.
	Register(name, serviceType, domain string, port int, txt []string) error

	// Shutdown stops advertising the service and releases resources.
	Shutdown()
}
