package engine

import (
	"math/rand/v2"
	"slices"
)

// UniqueTaskChance is the per-slot probability that an ally draws from the
// unique pool while it still has tasks.
const UniqueTaskChance = 0.3

type PlayerAssignment struct {
	Role  Role      `json:"role"`
	Tasks []TaskRef `json:"tasks"`
}

// Assignment is keyed by the player names passed to Assign.
type Assignment map[string]PlayerAssignment

// Assign picks traitorCount traitors uniformly from names and deals each
// player up to tasksPerPlayer tasks from the enabled part of catalog.
//
// Unique tasks go to allies only and to at most one of them. Common tasks
// may be shared between players but never repeat inside one player's list;
// a player is steered toward rooms it has not been sent to yet. When no
// task qualifies the player simply gets fewer tasks.
func Assign(rng *rand.Rand, names []string, traitorCount, tasksPerPlayer int, catalog Catalog) (Assignment, error) {
	n := len(names)
	if traitorCount < 1 || traitorCount >= n {
		return nil, configErr("traitor_count", "need 1 <= traitors < players (%d), got %d", n, traitorCount)
	}
	if tasksPerPlayer < 0 {
		return nil, configErr("tasks_per_player", "cannot be negative")
	}
	seen := make(map[string]bool, n)
	for _, name := range names {
		key := NameKey(name)
		if key == "" || seen[key] {
			return nil, configErr("roster", "duplicate or empty player name %q", name)
		}
		seen[key] = true
	}

	traitors := make(map[string]bool, traitorCount)
	for _, i := range rng.Perm(n)[:traitorCount] {
		traitors[names[i]] = true
	}

	common, unique := catalog.Pools()
	out := make(Assignment, n)

	// Deal in random order so early names get no edge on the unique pool.
	for _, i := range rng.Perm(n) {
		name := names[i]
		role := RoleAlly
		if traitors[name] {
			role = RoleTraitor
		}

		held := make(map[TaskRef]bool, tasksPerPlayer)
		rooms := make(map[string]bool, tasksPerPlayer)
		tasks := make([]TaskRef, 0, tasksPerPlayer)

		for len(tasks) < tasksPerPlayer {
			var pick TaskRef
			var ok bool
			if role == RoleAlly && len(unique) > 0 && rng.Float64() < UniqueTaskChance {
				j := rng.IntN(len(unique))
				pick, ok = unique[j], true
				unique = slices.Delete(unique, j, j+1)
			} else {
				pick, ok = drawTask(rng, common, func(t TaskRef) bool { return !held[t] && !rooms[t.Room] })
				if !ok {
					pick, ok = drawTask(rng, common, func(t TaskRef) bool { return !held[t] })
				}
			}
			if !ok {
				break
			}
			tasks = append(tasks, pick)
			held[pick] = true
			rooms[pick.Room] = true
		}

		out[name] = PlayerAssignment{Role: role, Tasks: tasks}
	}
	return out, nil
}

func drawTask(rng *rand.Rand, pool []TaskRef, keep func(TaskRef) bool) (TaskRef, bool) {
	var candidates []TaskRef
	for _, t := range pool {
		if keep(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return TaskRef{}, false
	}
	return candidates[rng.IntN(len(candidates))], true
}
