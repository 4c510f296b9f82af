package zap

import "strings"

// The JSON encoder escapes these already; the console encoder used by local
// profiles does not.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeString(s string) string {
	return controlCharReplacer.Replace(s)
}
