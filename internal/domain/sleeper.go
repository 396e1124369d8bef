package domain

import "time"

// Sleeper is one person tracked by the vendor account. Each sleeper is an
// independent sync entity.
type Sleeper struct {
	ID        string
	AccountID string
	BedID     string
	FirstName string
	Email     string
	Active    bool
}

// Bed represents a vendor bed. Its timezone is the preferred timezone for
// the sleepers assigned to it.
type Bed struct {
	ID               string
	Name             string
	Timezone         string
	LeftSleeperID    string
	RightSleeperID   string
	RegistrationDate time.Time
}

// Location returns the bed timezone, or fallback when the bed has none or
// it cannot be loaded.
func (b Bed) Location(fallback *time.Location) *time.Location {
	if b.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}
