package types

import "time"

// CountryInfo is the persisted state of the country provider.
type CountryInfo struct {
	DBVersion              int
	UnsafeCtryFromAPI      string
	SafeCtry               string
	LastSuccessAt          time.Time
	LastAttemptAt          time.Time
	SkipAttemptsUntil      time.Time
	FailedAttemptsInARow   int
}
