package output

import "strings"

var fieldEscaper = strings.NewReplacer(`"`, `""`, "\r\n", `\n`, "\n", `\n`)

// EncodeField doubles quotes, writes newlines as the two characters \n and quotes
// fields that contain a comma or a quote
func EncodeField(s string) string {
	needsQuotes := strings.ContainsAny(s, `,"`)
	s = fieldEscaper.Replace(s)
	if needsQuotes {
		return `"` + s + `"`
	}
	return s
}

// EncodeRow renders one CSV line including the trailing newline
func EncodeRow(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(EncodeField(f))
	}
	b.WriteByte('\n')
	return b.String()
}
