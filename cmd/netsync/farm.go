package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/drpcorg/netsync/coordinator"
	"github.com/drpcorg/netsync/netfield"
	"github.com/drpcorg/netsync/protocol"
	"github.com/google/uuid"
)

const farmLocation = "farm"

type weather int32

const (
	sunny weather = iota
	rainy
	stormy
)

var weatherNames = []string{"sunny", "rainy", "stormy"}

func (w weather) String() string {
	if int(w) < len(weatherNames) {
		return weatherNames[w]
	}
	return "weather" + strconv.Itoa(int(w))
}

type chest struct {
	fields *netfield.Tree
	id     *netfield.Field[uuid.UUID]
	tile   *netfield.Field[uint64]
	coins  *netfield.Field[int32]
}

func newChest(opts netfield.Options) *chest {
	c := &chest{
		fields: netfield.NewTree("chest", opts),
		id:     netfield.NewGUID("id", uuid.Nil),
		tile:   netfield.NewUint64("tile", 0),
		coins:  netfield.NewInt32("coins", 0),
	}
	c.fields.SetOwner(c)
	_ = c.fields.AddFields(c.id, c.tile, c.coins)
	return c
}

func (c *chest) NetFields() *netfield.Tree {
	return c.fields
}

// farm is the demo world every console shares.
type farm struct {
	opts    netfield.Options
	fields  *netfield.Tree
	day     *netfield.Field[int32]
	weather *netfield.Field[weather]
	sign    *netfield.Field[string]
	tractor *netfield.Field[protocol.Vector2]
	chest   *netfield.Ref[*chest]

	setters map[string]func(arg string) error
}

func newFarm(opts netfield.Options) *farm {
	f := &farm{
		opts:    opts,
		fields:  netfield.NewTree(farmLocation, opts),
		day:     netfield.NewInt32("day", 1),
		weather: netfield.NewEnum("weather", sunny),
		sign:    netfield.NewString("sign", ""),
		tractor: netfield.NewVector2("tractor", protocol.Vector2{}).Interpolate(netfield.LerpVector2, 10),
		chest:   netfield.NewRef("chest", func() *chest { return newChest(opts) }, opts),
	}
	f.fields.SetOwner(f)
	_ = f.fields.AddFields(f.day, f.weather, f.sign, f.tractor, f.chest)
	f.setters = map[string]func(string) error{
		"day": func(arg string) error {
			n, err := strconv.ParseInt(arg, 10, 32)
			if err != nil {
				return err
			}
			f.day.Set(int32(n))
			return nil
		},
		"weather": func(arg string) error {
			for i, name := range weatherNames {
				if name == arg {
					f.weather.Set(weather(i))
					return nil
				}
			}
			return fmt.Errorf("weather is one of %s", strings.Join(weatherNames, ", "))
		},
		"sign": func(arg string) error {
			f.sign.Set(arg)
			return nil
		},
		"tractor": func(arg string) error {
			var x, y float32
			if _, err := fmt.Sscanf(arg, "%g %g", &x, &y); err != nil {
				return err
			}
			f.tractor.Set(protocol.Vector2{X: x, Y: y})
			return nil
		},
	}
	return f
}

func (f *farm) NetFields() *netfield.Tree {
	return f.fields
}

var ErrUnknownField = errors.New("unknown field")

func (f *farm) Set(field, arg string) error {
	set, ok := f.setters[field]
	if !ok {
		return fmt.Errorf("%w %q, settable: %s", ErrUnknownField, field, strings.Join(f.settable(), " "))
	}
	return set(arg)
}

func (f *farm) settable() []string {
	names := make([]string, 0, len(f.setters))
	for name := range f.setters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *farm) String() string {
	var b strings.Builder
	t := f.tractor.Get()
	fmt.Fprintf(&b, "day %d, %s, sign %q, tractor at %.1f,%.1f", f.day.Get(), f.weather.Get(), f.sign.Get(), t.X, t.Y)
	if c := f.chest.Get(); c != nil {
		x, y := coordinator.UnpackTile(c.tile.Get())
		fmt.Fprintf(&b, ", chest %s at %d,%d with %d coins", c.id.Get(), x, y, c.coins.Get())
	}
	return b.String()
}

// PlaceChest puts a fresh chest at x,y, or moves the current one there.
// It returns the previous spot when a chest moved.
func (f *farm) PlaceChest(x, y int32) (from coordinator.Key, moved bool) {
	tile := coordinator.PackTile(x, y)
	if c := f.chest.Get(); c != nil {
		from = coordinator.Key{Location: farmLocation, Tile: c.tile.Get()}
		c.tile.Set(tile)
		return from, true
	}
	c := newChest(f.opts)
	c.id.Set(uuid.New())
	c.tile.Set(tile)
	f.chest.Set(c)
	return from, false
}

// RemoveChest drops the chest and returns where it was.
func (f *farm) RemoveChest() (coordinator.Key, bool) {
	c := f.chest.Get()
	if c == nil {
		return coordinator.Key{}, false
	}
	f.chest.Clear()
	return coordinator.Key{Location: farmLocation, Tile: c.tile.Get()}, true
}

func (f *farm) Locate(resource uuid.UUID) (coordinator.Key, bool) {
	c := f.chest.Get()
	if c == nil || c.id.Get() != resource {
		return coordinator.Key{}, false
	}
	return coordinator.Key{Location: farmLocation, Tile: c.tile.Get()}, true
}

func (f *farm) Apply(_ context.Context, req coordinator.Request, _ coordinator.Key) error {
	c := f.chest.Get()
	switch req.Action {
	case "hit":
		netfield.Add(c.coins, 1)
	case "loot":
		c.coins.Set(0)
	default:
		return fmt.Errorf("unknown action %q", req.Action)
	}
	return nil
}
