package filemon

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies change times, run times and lease expiries.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock in UTC, the zone every stored time uses.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator mints subscription job IDs.
type IDGenerator interface {
	New() string
}

// UUIDGenerator mints random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }
