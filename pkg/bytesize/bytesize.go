package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a quantity of bytes, used for EBS volume sizing
type ByteSize int64

type Unit struct {
	suffixes   []string
	multiplier int64
}

var (
	// Byte is the base unit. Suffix can be excluded or one of: B, Bi (case insensitive).
	Byte = Unit{suffixes: []string{"B", "Bi", ""}, multiplier: 1}

	Kilobyte = Unit{suffixes: []string{"KB", "K"}, multiplier: 1e3}
	Megabyte = Unit{suffixes: []string{"MB", "M"}, multiplier: 1e6}
	Gigabyte = Unit{suffixes: []string{"GB", "G"}, multiplier: 1e9}
	Terabyte = Unit{suffixes: []string{"TB", "T"}, multiplier: 1e12}

	Kibibyte = Unit{suffixes: []string{"KiB", "Ki"}, multiplier: 1 << 10}
	Mebibyte = Unit{suffixes: []string{"MiB", "Mi"}, multiplier: 1 << 20}
	Gibibyte = Unit{suffixes: []string{"GiB", "Gi"}, multiplier: 1 << 30}
	Tebibyte = Unit{suffixes: []string{"TiB", "Ti"}, multiplier: 1 << 40}

	// units is sorted from the largest to the smallest unit
	units = []Unit{
		Tebibyte, Terabyte,
		Gibibyte, Gigabyte,
		Mebibyte, Megabyte,
		Kibibyte, Kilobyte,
		Byte,
	}

	sizeRegex = regexp.MustCompile(`^([0-9\.]+)\s*([a-zA-Z]*)$`)
)

// Parse parses a string into a ByteSize value.
// The string should contain a number followed by an optional, case-insensitive unit.
//
// Examples:
//
//	120Gi - 120 gibibytes
//	100G  - 100 gigabytes
//	1Ti   - 1 tebibyte
//	512   - 512 bytes
func Parse(s string) (ByteSize, error) {
	matches := sizeRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return 0, fmt.Errorf("invalid bytesize: %q", s)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bytesize: %q, %w", s, err)
	}
	unit, err := FindUnit(matches[2])
	if err != nil {
		return 0, err
	}
	return ByteSize(value * float64(unit.multiplier)), nil
}

// MustParse is Parse for compile-time constants
func MustParse(s string) ByteSize {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// FindUnit returns the Unit that corresponds to the case-insensitive unit string
func FindUnit(unit string) (Unit, error) {
	for _, u := range units {
		for _, suffix := range u.suffixes {
			if strings.EqualFold(unit, suffix) {
				return u, nil
			}
		}
	}
	return Unit{}, fmt.Errorf("invalid unit: %q", unit)
}

// String returns the value in the largest unit that fits
func (b ByteSize) String() string {
	for _, u := range units {
		if float64(b) >= float64(u.multiplier) {
			return fmt.Sprintf("%v %v", float64(b)/float64(u.multiplier), u.suffixes[0])
		}
	}
	return "0 B"
}

// As returns the ByteSize value in the given unit
func (b ByteSize) As(unit Unit) float64 {
	return float64(b) / float64(unit.multiplier)
}

func (b ByteSize) Gibibytes() float64 {
	return b.As(Gibibyte)
}

// VolumeGiB returns the size in whole GiB, rounded up, as EBS expects it.
func (b ByteSize) VolumeGiB() int32 {
	return int32(math.Ceil(b.Gibibytes()))
}

// MarshalText renders the size so it round-trips through Parse
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strings.ReplaceAll(b.String(), " ", "")), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
