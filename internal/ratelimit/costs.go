package ratelimit

// Fixed point costs per operation class. Callers classify their operations
// into these costs; inventing ad-hoc weights defeats cross-service
// comparability of the counters.
const (
	pointsPerRead       = 1
	pointsHistory       = 10
	pointsPerSearchPage = 20
	pointsWrite         = 100
)

// CostRead is 1 point per resource read.
func CostRead(count int) int {
	if count < 1 {
		count = 1
	}
	return pointsPerRead * count
}

// CostHistory is a flat 10 points per history page.
func CostHistory() int { return pointsHistory }

// CostSearch is 20 points per page of count results.
func CostSearch(count int) int {
	if count < 1 {
		count = 1
	}
	return pointsPerSearchPage * count
}

// CostWrite is a flat 100 points per mutation.
func CostWrite() int { return pointsWrite }
