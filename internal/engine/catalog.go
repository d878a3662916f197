package engine

import (
	"slices"
	"strings"
)

type TaskDef struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Unique  bool   `json:"unique"`
}

type Room struct {
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	Tasks   []TaskDef `json:"tasks"`
}

// Catalog is the ordered list of rooms tasks are drawn from.
type Catalog []Room

var defaultRooms = []struct {
	name  string
	tasks []string
}{
	{"Anywhere", []string{
		"Power Down Protocol: Close your eyes, stand still, and count out loud for 30 seconds.",
	}},
	{"Outside", []string{
		"Stellar Navigation: Look at the sky for 20 seconds.",
		"House Boundary Scan: Touch all four outside corners of the house.",
		"Touch Grass: Remove your footwear and stand on the grass for 5 seconds.",
		"Test Comms: Put your head in the mailbox for 15 seconds.",
	}},
	{"Living Room", []string{
		"Living Room Groove: Dance in the living room for 20 seconds.",
		"Couch Compression Test: Sit on every seat cushion once.",
		"Remote Frequency Calibration: Find the TV remote and press any button.",
		"Light Sync: Turn a lamp off, then on again.",
	}},
	{"Kitchen", []string{
		"Heat Sensor Check: Open the oven door for 20 seconds, then close it.",
		"Cold Storage Audit: Open the fridge and name three items out loud.",
		"Water Pressure Test: Run the sink for 3 seconds.",
		"Nutrient Calibration: Touch 3 different types of food and name them out loud.",
	}},
	{"Garage", []string{
		"Navigation Calibration: Touch all 4 corners of the garage.",
		"Tool Inventory Scan: Locate 3 different tools and name them out loud.",
		"Vehicle Diagnostics: Place your hand on a car tire for 20 seconds.",
	}},
	{"Bedrooms", []string{
		"Sleep Reset: Lie face down on a bed for 20 seconds.",
		"Meditation Moment: Assume a meditative pose and hold it for 20 seconds.",
		"Initialization Routine: Do 1 pushup, 1 sit-up, and 1 jumping jack.",
	}},
	{"Bathrooms", []string{
		"Emergency Water Reset: Turn both faucets on and off.",
	}},
	{"Office", []string{
		"Data Upload: Read a book in the office for 15 seconds.",
	}},
}

// DefaultCatalog returns a fresh copy of the built-in house catalog with
// every room and task enabled and nothing unique.
func DefaultCatalog() Catalog {
	c := make(Catalog, 0, len(defaultRooms))
	for _, r := range defaultRooms {
		room := Room{Name: r.name, Enabled: true}
		for _, t := range r.tasks {
			room.Tasks = append(room.Tasks, TaskDef{Name: t, Enabled: true})
		}
		c = append(c, room)
	}
	return c
}

func (c Catalog) Clone() Catalog {
	if c == nil {
		return nil
	}
	out := make(Catalog, len(c))
	for i, r := range c {
		r.Tasks = slices.Clone(r.Tasks)
		out[i] = r
	}
	return out
}

func (c Catalog) roomIndex(name string) int {
	for i, r := range c {
		if strings.EqualFold(r.Name, name) {
			return i
		}
	}
	return -1
}

func (r Room) taskIndex(name string) int {
	for i, t := range r.Tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// Pools splits every enabled task of every enabled room into the common
// pool and the unique pool.
func (c Catalog) Pools() (common, unique []TaskRef) {
	for _, r := range c {
		if !r.Enabled {
			continue
		}
		for _, t := range r.Tasks {
			if !t.Enabled {
				continue
			}
			ref := TaskRef{Room: r.Name, Name: t.Name}
			if t.Unique {
				unique = append(unique, ref)
			} else {
				common = append(common, ref)
			}
		}
	}
	return common, unique
}

func (c Catalog) AddRoom(name string) (Catalog, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return c, configErr("catalog", "room name is required")
	}
	if c.roomIndex(name) >= 0 {
		return c, configErr("catalog", "room %q already exists", name)
	}
	out := c.Clone()
	return append(out, Room{Name: name, Enabled: true}), nil
}

func (c Catalog) DeleteRoom(name string) (Catalog, error) {
	i := c.roomIndex(name)
	if i < 0 {
		return c, configErr("catalog", "unknown room %q", name)
	}
	out := c.Clone()
	return slices.Delete(out, i, i+1), nil
}

func (c Catalog) AddTask(room, task string) (Catalog, error) {
	task = strings.TrimSpace(task)
	i := c.roomIndex(room)
	switch {
	case i < 0:
		return c, configErr("catalog", "unknown room %q", room)
	case task == "":
		return c, configErr("catalog", "task name is required")
	case c[i].taskIndex(task) >= 0:
		return c, configErr("catalog", "task %q already exists in %s", task, room)
	}
	out := c.Clone()
	out[i].Tasks = append(out[i].Tasks, TaskDef{Name: task, Enabled: true})
	return out, nil
}

func (c Catalog) DeleteTask(room, task string) (Catalog, error) {
	i, j, err := c.locate(room, task)
	if err != nil {
		return c, err
	}
	out := c.Clone()
	out[i].Tasks = slices.Delete(out[i].Tasks, j, j+1)
	return out, nil
}

// MoveTask moves a task to the end of another room, keeping its flags.
func (c Catalog) MoveTask(from, task, to string) (Catalog, error) {
	i, j, err := c.locate(from, task)
	if err != nil {
		return c, err
	}
	k := c.roomIndex(to)
	if k < 0 {
		return c, configErr("catalog", "unknown room %q", to)
	}
	if k == i {
		return c, nil
	}
	if c[k].taskIndex(task) >= 0 {
		return c, configErr("catalog", "task %q already exists in %s", task, to)
	}
	out := c.Clone()
	def := out[i].Tasks[j]
	out[i].Tasks = slices.Delete(out[i].Tasks, j, j+1)
	out[k].Tasks = append(out[k].Tasks, def)
	return out, nil
}

func (c Catalog) SetRoomEnabled(room string, enabled bool) (Catalog, error) {
	i := c.roomIndex(room)
	if i < 0 {
		return c, configErr("catalog", "unknown room %q", room)
	}
	out := c.Clone()
	out[i].Enabled = enabled
	return out, nil
}

func (c Catalog) SetTaskEnabled(room, task string, enabled bool) (Catalog, error) {
	i, j, err := c.locate(room, task)
	if err != nil {
		return c, err
	}
	out := c.Clone()
	out[i].Tasks[j].Enabled = enabled
	return out, nil
}

func (c Catalog) SetTaskUnique(room, task string, unique bool) (Catalog, error) {
	i, j, err := c.locate(room, task)
	if err != nil {
		return c, err
	}
	out := c.Clone()
	out[i].Tasks[j].Unique = unique
	return out, nil
}

func (c Catalog) locate(room, task string) (int, int, error) {
	i := c.roomIndex(room)
	if i < 0 {
		return -1, -1, configErr("catalog", "unknown room %q", room)
	}
	j := c[i].taskIndex(task)
	if j < 0 {
		return -1, -1, configErr("catalog", "unknown task %q in %s", task, room)
	}
	return i, j, nil
}
