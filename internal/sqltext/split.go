// Package sqltext contains the pure text utilities of the controller:
// statement splitting and environment variable substitution. Nothing in this
// package performs I/O against the cluster; the orchestrator composes these
// with the HTTP clients.
package sqltext

import "strings"

// Split breaks a SQL batch into individual statements.
//
// Line comments (-- …) and block comments (/* … */) are stripped, but only
// outside string literals. Both '…' and "…" are recognized as literals; a
// quote preceded by an odd number of backslashes is escaped and does not
// terminate the literal. Statements are separated by ';' outside literals.
// Each statement is whitespace-trimmed and empty statements are discarded.
// Order is preserved and the function is deterministic.
func Split(sql string) []string {
	var (
		statements []string
		current    strings.Builder

		inString   bool
		quoteChar  byte
		backslash  int // consecutive backslashes seen immediately before i
		lineCmt    bool
		blockCmt   bool
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			statements = append(statements, s)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case lineCmt:
			// Consumed until end of line; the newline itself is kept as
			// statement whitespace so "a -- x\nb" stays two tokens apart.
			if c == '\n' {
				lineCmt = false
				current.WriteByte(c)
			}
			continue

		case blockCmt:
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				blockCmt = false
				i++
				// Replace the whole comment with a single space so adjacent
				// tokens do not merge.
				current.WriteByte(' ')
			}
			continue

		case inString:
			current.WriteByte(c)
			if c == '\\' {
				backslash++
				continue
			}
			if c == quoteChar && backslash%2 == 0 {
				inString = false
			}
			backslash = 0
			continue
		}

		backslash = 0

		switch c {
		case '\'', '"':
			inString = true
			quoteChar = c
			current.WriteByte(c)

		case '-':
			if i+1 < len(sql) && sql[i+1] == '-' {
				lineCmt = true
				i++
			} else {
				current.WriteByte(c)
			}

		case '/':
			if i+1 < len(sql) && sql[i+1] == '*' {
				blockCmt = true
				i++
			} else {
				current.WriteByte(c)
			}

		case ';':
			flush()

		default:
			current.WriteByte(c)
		}
	}

	// Final statement may lack a terminating semicolon.
	flush()

	return statements
}

// Join is the inverse-ish of Split for round-trip checks and for composing
// a batch from prepared statements: statements joined by ";\n".
func Join(statements []string) string {
	return strings.Join(statements, ";\n")
}
