package identity

// Color is a hex display color assigned to a collaborator.
type Color string

// String returns the hex color value.
func (c Color) String() string {
	return string(c)
}

// palette is the fixed set of collaborator colors. Assignment is derived
// purely from the user identifier so every process agrees on the mapping.
var palette = []Color{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#FF9FF3", "#54A0FF", "#5F27CD", "#00D2D3", "#FF9F43",
}

// ColorFor returns the deterministic display color for a user identifier.
func ColorFor(userID string) Color {
	sum := 0
	for _, b := range []byte(userID) {
		sum += int(b)
	}
	return palette[sum%len(palette)]
}

// PaletteSize reports the number of distinct collaborator colors.
func PaletteSize() int {
	return len(palette)
}
