package pricing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Unit is a mass unit a bucket weight can be expressed in.
type Unit int

const (
	TroyOunce Unit = iota
	Gram
	Kilogram
	Pound
)

// Conversion factors to troy ounces.
const (
	troyOuncesPerGram = 0.0321507
	troyOuncesPerKg   = 32.1507
	troyOuncesPerLb   = 14.5833
)

// Weight is a parsed bucket weight: a value plus a unit. Spot-linked pricing
// always works in troy ounces, so every weight converts through TroyOunces.
type Weight struct {
	Value float64
	Unit  Unit
}

func (w Weight) TroyOunces() float64 {
	switch w.Unit {
	case Gram:
		return w.Value * troyOuncesPerGram
	case Kilogram:
		return w.Value * troyOuncesPerKg
	case Pound:
		return w.Value * troyOuncesPerLb
	default:
		return w.Value
	}
}

func (w Weight) String() string {
	switch w.Unit {
	case Gram:
		return fmt.Sprintf("%g g", w.Value)
	case Kilogram:
		return fmt.Sprintf("%g kg", w.Value)
	case Pound:
		return fmt.Sprintf("%g lb", w.Value)
	default:
		return fmt.Sprintf("%g oz", w.Value)
	}
}

var weightPattern = regexp.MustCompile(`^\s*([0-9]*\.?[0-9]+)\s*(oz|g|kg|lb)?\s*$`)

// ParseWeight parses strings like "1 oz", "10 g", "1kg" or "0.5 lb". A bare
// number is taken as troy ounces.
func ParseWeight(s string) (Weight, error) {
	m := weightPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return Weight{}, fmt.Errorf("unparsable weight %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Weight{}, fmt.Errorf("unparsable weight %q: %w", s, err)
	}

	unit := TroyOunce
	switch m[2] {
	case "g":
		unit = Gram
	case "kg":
		unit = Kilogram
	case "lb":
		unit = Pound
	}
	return Weight{Value: value, Unit: unit}, nil
}
