package uiutil

import "fmt"

const (
	AnsiReset = "\033[0m"
	AnsiDim   = "\033[2m"
)

var nameColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

// ShortHash trims a content identifier for table output.
func ShortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// PickColor returns a stable color for s.
func PickColor(s string) string {
	if s == "" {
		return AnsiReset
	}
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*16777619 ^ uint32(s[i])
	}
	return nameColors[h%uint32(len(nameColors))]
}

// Nick renders a nickname, colored when color is set.
func Nick(name string, color bool) string {
	if !color || name == "" {
		return name
	}
	return PickColor(name) + name + AnsiReset
}

// Dim wraps s in the dim attribute when color is set.
func Dim(s string, color bool) string {
	if !color {
		return s
	}
	return AnsiDim + s + AnsiReset
}

// HumanSize formats a byte count with a binary unit.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
