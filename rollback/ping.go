package rollback

// Ping is a rolling round-trip estimate for one remote player. It is pure
// observability (SPEC_FULL.md §D.2, grounded on the ping-tracking mock in
// original_source/GGNoRe-CPP-API-IntegrationsTest): it never feeds the
// scheduler's decision order (spec §4.7) or any checksum, since that would
// make the deterministic path depend on wall-clock measurements that can
// differ host to host.
type Ping struct {
	emaMillis float64
	samples   int
}

const pingSmoothing = 0.2

func (p *Ping) record(rttMillis float64) {
	if p.samples == 0 {
		p.emaMillis = rttMillis
	} else {
		p.emaMillis += pingSmoothing * (rttMillis - p.emaMillis)
	}
	p.samples++
}

// Millis returns the current smoothed round-trip estimate, or 0 if no
// sample has ever been recorded.
func (p Ping) Millis() float64 {
	return p.emaMillis
}

// ReportPing feeds one fresh round-trip sample for playerID into its
// rolling estimate. Callers (a transport layer, a test harness) measure
// the sample; the core only smooths and stores it.
func (s *System) ReportPing(playerID uint16, rttMillis float64) {
	if s.pings == nil {
		s.pings = make(map[uint16]*Ping)
	}
	p, ok := s.pings[playerID]
	if !ok {
		p = &Ping{}
		s.pings[playerID] = p
	}
	p.record(rttMillis)
}

// PingFor returns the current smoothed round-trip estimate for playerID,
// and whether any sample has been recorded yet.
func (s *System) PingFor(playerID uint16) (float64, bool) {
	p, ok := s.pings[playerID]
	if !ok {
		return 0, false
	}
	return p.Millis(), true
}
