package main

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatCount renders n with thousands separators for terminal output,
// e.g. 1048576 -> "1,048,576".
func formatCount(n int64) string {
	return printer.Sprintf("%d", n)
}
