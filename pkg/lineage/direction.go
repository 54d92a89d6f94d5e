package lineage

import (
	"fmt"
	"strings"
)

// Direction selects which way a traversal follows edges.
type Direction int

const (
	// Ancestors follows edges from child to parent.
	Ancestors Direction = iota + 1
	// Descendants follows edges from parent to child.
	Descendants
	// Both is the union of the two traversals.
	Both
)

var directionNames = []struct {
	name string
	dir  Direction
}{
	{"ancestors", Ancestors},
	{"descendants", Descendants},
	{"both", Both},
}

// ParseDirection accepts any case-insensitive prefix of "ancestors",
// "descendants" or "both".
func ParseDirection(s string) (Direction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" {
		for _, d := range directionNames {
			if strings.HasPrefix(d.name, s) {
				return d.dir, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown lineage direction %q", s)
}

func (d Direction) String() string {
	for _, n := range directionNames {
		if n.dir == d {
			return n.name
		}
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
