package mm

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String formats the size using the largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "G"
	case s != 0 && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "M"
	case s != 0 && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "K"
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

// UnmarshalText parses sizes such as "16M", "640K" or "4096" and allows
// Size values to be used directly in configuration files.
func (s *Size) UnmarshalText(text []byte) error {
	str := string(text)
	mul := Byte
	if n := len(str); n > 0 {
		switch str[n-1] {
		case 'k', 'K':
			mul, str = Kb, str[:n-1]
		case 'm', 'M':
			mul, str = Mb, str[:n-1]
		case 'g', 'G':
			mul, str = Gb, str[:n-1]
		}
	}

	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return err
	}

	*s = Size(v) * mul
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
