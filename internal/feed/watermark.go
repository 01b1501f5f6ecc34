package feed

import (
	"fmt"

	"marketfeed/models"
)

// Watermarks are the flow-control thresholds for one subscription queue:
// the producer suspends after pushing past High and is only re-armed once
// the buffered count has drained to Low or below. The gap between the two
// keeps the producer parked for a meaningful interval instead of
// oscillating around a single boundary.
type Watermarks struct {
	Low  int
	High int
}

// WatermarksFor selects the watermark pair for a resolution class. Finer
// resolutions carry small records at high rates and tolerate a deep buffer;
// snapshot subscriptions carry full order books per record and must stay
// shallow. An unrecognized resolution is a configuration bug and fails
// closed rather than defaulting.
func WatermarksFor(resolution models.Resolution) (Watermarks, error) {
	switch resolution {
	case models.ResolutionTick:
		return Watermarks{Low: 500, High: 10000}, nil
	case models.ResolutionSecond, models.ResolutionMinute, models.ResolutionHour, models.ResolutionDaily:
		return Watermarks{Low: 250, High: 5000}, nil
	case models.ResolutionSnapshot:
		return Watermarks{Low: 200, High: 500}, nil
	}
	return Watermarks{}, fmt.Errorf("no watermarks defined for resolution '%s'", resolution)
}
