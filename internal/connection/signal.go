package connection

// RSSI thresholds in dBm for the quality buckets shown to the user.
const (
	RSSIExcellent = -60
	RSSIGood      = -70
	RSSIFair      = -80
)

// Absolute RSSI delta thresholds between consecutive samples.
const (
	DeltaStable   = 5
	DeltaModerate = 10
)

type SignalQuality int

const (
	SignalPoor SignalQuality = iota
	SignalFair
	SignalGood
	SignalExcellent
)

func (q SignalQuality) String() string {
	switch q {
	case SignalExcellent:
		return "excellent"
	case SignalGood:
		return "good"
	case SignalFair:
		return "fair"
	default:
		return "poor"
	}
}

type SignalStability int

const (
	SignalUnstable SignalStability = iota
	SignalModerate
	SignalStable
)

func (s SignalStability) String() string {
	switch s {
	case SignalStable:
		return "stable"
	case SignalModerate:
		return "moderate"
	default:
		return "unstable"
	}
}

// DetermineSignalQuality buckets an RSSI sample. Higher (less negative)
// is stronger.
func DetermineSignalQuality(rssi int) SignalQuality {
	switch {
	case rssi >= RSSIExcellent:
		return SignalExcellent
	case rssi >= RSSIGood:
		return SignalGood
	case rssi >= RSSIFair:
		return SignalFair
	default:
		return SignalPoor
	}
}

// DetermineSignalStability buckets the absolute delta between two
// consecutive RSSI samples.
func DetermineSignalStability(delta int) SignalStability {
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= DeltaStable:
		return SignalStable
	case delta <= DeltaModerate:
		return SignalModerate
	default:
		return SignalUnstable
	}
}
