package control

import "github.com/esrf-bliss/areadet/internal/proto"

// cachedState is the authoritative mirror of the last values acknowledged
// by the server. It is mutated only while the Channel's mutex is held — see
// Channel.mu.
type cachedState struct {
	status Status

	exposure       float64
	exposurePeriod float64
	nbImages       int32
	triggerDelay   float64
	exposuresPerFrame int32
	threshold      int32
	gain           proto.Gain
	energy         float64 // -1 means unknown
	gapFill        bool

	imgpath     string
	filePattern string

	acquiredCount int32

	temperatures []float64
	humidities   []float64
	tempLimits   []float64
	humidityLimits []float64

	supportsSetEnergy bool
	lastError         string

	// probingEnergy is true while resync's capability probe is waiting on the
	// reply to an energy-setting command it issued speculatively. A reject
	// received while this is set only updates supportsSetEnergy; it is not a
	// sticky user-visible error.
	probingEnergy bool

	// resyncAcked is set once the resync burst's final "nimages" query has
	// been acknowledged, confirming the server is alive on this connection.
	resyncAcked bool
}

func newCachedState() *cachedState {
	return &cachedState{
		status:            Disconnected,
		nbImages:          1,
		exposuresPerFrame: 1,
		energy:            -1,
		filePattern:       "image_%.5d.cbf",
		supportsSetEnergy: true,
	}
}

// safetyOK reports whether every configured channel's temperature and
// humidity are strictly below their configured upper bound. A channel with
// no configured limit (zero value) is treated as unbounded.
func (c *cachedState) safetyOK() bool {
	for i, t := range c.temperatures {
		if i < len(c.tempLimits) && c.tempLimits[i] > 0 && t >= c.tempLimits[i] {
			return false
		}
	}
	for i, h := range c.humidities {
		if i < len(c.humidityLimits) && c.humidityLimits[i] > 0 && h >= c.humidityLimits[i] {
			return false
		}
	}
	return true
}
