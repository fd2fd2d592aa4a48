package cmdutil

import "github.com/fatih/color"

func getColor(noColor bool, attributes ...color.Attribute) *color.Color {
	if noColor {
		c := color.New()
		c.DisableColor()
		return c
	}
	c := color.New(attributes...)
	c.EnableColor()
	return c
}

// Banner renders name/version in cyan when colors are enabled, the same
// treatment the teacher gives its own startup banner.
func Banner(noColor bool, name, version string) string {
	c := getColor(noColor, color.FgCyan)
	return c.Sprintf("%s v%s", name, version)
}
