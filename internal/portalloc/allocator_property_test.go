package portalloc

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any number of concurrent leases within the range size, all
// leased ports are distinct and inside the configured range.
func TestAllocatorDistinctPortsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("live leases never share a port", prop.ForAll(
		func(count int) bool {
			const minPort, maxPort = 43200, 43231
			if count < 1 {
				count = 1
			}
			if count > maxPort-minPort+1 {
				count = maxPort - minPort + 1
			}

			a, err := New(minPort, maxPort)
			if err != nil {
				return false
			}

			seen := make(map[int]bool)
			var leases []*Lease
			defer func() {
				for _, l := range leases {
					l.Release()
				}
			}()

			for i := 0; i < count; i++ {
				lease, err := a.Acquire()
				if err != nil {
					// An unrelated process may hold ports in the test range;
					// exhaustion before count is not a property violation as
					// long as no duplicate was handed out.
					return true
				}
				leases = append(leases, lease)
				if lease.Port < minPort || lease.Port > maxPort {
					return false
				}
				if seen[lease.Port] {
					return false
				}
				seen[lease.Port] = true
			}
			return true
		},
		gen.IntRange(1, 32),
	))

	properties.Property("release makes the port acquirable again", prop.ForAll(
		func(rounds int) bool {
			const minPort, maxPort = 43240, 43242
			if rounds < 1 {
				rounds = 1
			}

			a, err := New(minPort, maxPort)
			if err != nil {
				return false
			}

			// Acquire/release in a loop; the allocator must never wedge as
			// long as leases are returned.
			for i := 0; i < rounds; i++ {
				lease, err := a.Acquire()
				if err != nil {
					return false
				}
				lease.Release()
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
