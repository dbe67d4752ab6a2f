//go:build !unix

package filelock

import "testing"

func requireStrategy(t *testing.T, strategy Strategy) {
	t.Helper()
	if strategy == StrategyAdvisory {
		t.Skip("advisory locking requires flock")
	}
}
