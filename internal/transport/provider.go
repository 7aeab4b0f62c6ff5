package transport

// StaticProvider yields a fixed, compile-time-or-config-time list of
// "host:port" endpoints. It is the simplest possible stand-in for the
// dynamic server-set membership the original aperture balancer was built
// against (spec §4.7 leaves real discovery out of scope).
type StaticProvider struct {
	endpoints []string
}

// NewStaticProvider returns a StaticProvider serving endpoints verbatim.
func NewStaticProvider(endpoints []string) *StaticProvider {
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	return &StaticProvider{endpoints: cp}
}

// Endpoints returns the current endpoint set.
func (p *StaticProvider) Endpoints() []string {
	cp := make([]string, len(p.endpoints))
	copy(cp, p.endpoints)
	return cp
}
