// README: Driver intent: where a driver is, where they want to end up, and when.
package intent

import (
	"time"

	"freight/internal/types"
)

// DriverIntent is overwritten as a whole on every upsert.
type DriverIntent struct {
	DriverID            types.ID
	Current             *types.Point
	IntendedDest        types.Point
	IntendedDestAddress string
	AvailableFrom       time.Time
	AvailableTo         time.Time
	UpdatedAt           time.Time
}
