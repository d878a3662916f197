package engine

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueHeavyCatalog(t *testing.T) Catalog {
	t.Helper()
	c := DefaultCatalog()
	var err error
	for _, task := range []string{"Open the safe", "Feed the fish", "Water the plant"} {
		c, err = c.AddTask("Office", task)
		require.NoError(t, err)
		c, err = c.SetTaskUnique("Office", task, true)
		require.NoError(t, err)
	}
	return c
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("P%d", i+1)
	}
	return out
}

func TestAssignStructure(t *testing.T) {
	catalog := uniqueHeavyCatalog(t)
	_, uniquePool := catalog.Pools()
	isUnique := map[TaskRef]bool{}
	for _, u := range uniquePool {
		isUnique[u] = true
	}

	for seed := uint64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*31))
		n := 4 + int(seed%7)
		traitors := 1 + int(seed%uint64(n-1))

		out, err := Assign(rng, names(n), traitors, 4, catalog)
		require.NoError(t, err)
		require.Len(t, out, n)

		gotTraitors := 0
		owners := map[TaskRef]string{}
		for name, a := range out {
			if a.Role == RoleTraitor {
				gotTraitors++
			}
			held := map[TaskRef]bool{}
			for _, task := range a.Tasks {
				assert.False(t, held[task], "seed %d: %s holds %v twice", seed, name, task)
				held[task] = true
				if isUnique[task] {
					assert.Equal(t, RoleAlly, a.Role, "seed %d: traitor %s got unique %v", seed, name, task)
					prev, taken := owners[task]
					assert.False(t, taken, "seed %d: unique %v dealt to %s and %s", seed, task, prev, name)
					owners[task] = name
				}
			}
			assert.LessOrEqual(t, len(a.Tasks), 4)
		}
		assert.Equal(t, traitors, gotTraitors, "seed %d", seed)
	}
}

func TestAssignIsDeterministicForASeed(t *testing.T) {
	a, err := Assign(rand.New(rand.NewPCG(9, 9)), names(6), 2, 4, DefaultCatalog())
	require.NoError(t, err)
	b, err := Assign(rand.New(rand.NewPCG(9, 9)), names(6), 2, 4, DefaultCatalog())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAssignSpreadsRooms(t *testing.T) {
	out, err := Assign(rand.New(rand.NewPCG(3, 4)), names(4), 1, 4, DefaultCatalog())
	require.NoError(t, err)
	for name, a := range out {
		rooms := map[string]bool{}
		for _, task := range a.Tasks {
			rooms[task.Room] = true
		}
		assert.Len(t, rooms, len(a.Tasks), "%s was sent to the same room twice while others were free", name)
	}
}

func TestAssignStopsEarlyWhenPoolIsSmall(t *testing.T) {
	c := Catalog{{Name: "Hall", Enabled: true, Tasks: []TaskDef{
		{Name: "one", Enabled: true},
		{Name: "two", Enabled: true},
		{Name: "off", Enabled: false},
	}}}
	out, err := Assign(rand.New(rand.NewPCG(1, 2)), names(3), 1, 5, c)
	require.NoError(t, err)
	for _, a := range out {
		assert.Len(t, a.Tasks, 2)
	}
}

func TestAssignRejectsBadCounts(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	cases := []struct {
		name     string
		players  []string
		traitors int
	}{
		{"no traitors", names(4), 0},
		{"all traitors", names(4), 4},
		{"duplicate names", []string{"Ann", "ann", "Bo"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assign(rng, tc.players, tc.traitors, 3, DefaultCatalog())
			assert.True(t, IsConfiguration(err), "err: %v", err)
		})
	}
}
