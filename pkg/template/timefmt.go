package template

import (
	"strconv"
	"strings"
	"time"
)

// timeToken is either a run of one pattern letter or a literal.
type timeToken struct {
	letter  byte
	width   int
	literal string
}

// parseTimeFormat splits a Joda-style pattern into tokens. Text between
// single quotes is literal; '' is an escaped quote.
func parseTimeFormat(format string) []timeToken {
	var tokens []timeToken
	lit := func(s string) {
		if n := len(tokens); n > 0 && tokens[n-1].letter == 0 {
			tokens[n-1].literal += s
			return
		}
		tokens = append(tokens, timeToken{literal: s})
	}
	for i := 0; i < len(format); {
		c := format[i]
		switch {
		case c == '\'':
			if i+1 < len(format) && format[i+1] == '\'' {
				lit("'")
				i += 2
				continue
			}
			var quoted strings.Builder
			j := i + 1
			for j < len(format) {
				if format[j] == '\'' {
					if j+1 < len(format) && format[j+1] == '\'' {
						quoted.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				quoted.WriteByte(format[j])
				j++
			}
			lit(quoted.String())
			i = j + 1
		case isPatternLetter(c):
			j := i
			for j < len(format) && format[j] == c {
				j++
			}
			tokens = append(tokens, timeToken{letter: c, width: j - i})
			i = j
		default:
			lit(string(c))
			i++
		}
	}
	return tokens
}

func isPatternLetter(c byte) bool {
	switch c {
	case 'y', 'Y', 'x', 'M', 'd', 'H', 'h', 'm', 's', 'S', 'Z':
		return true
	}
	return false
}

func formatTime(b *strings.Builder, t time.Time, tokens []timeToken) {
	for _, tok := range tokens {
		switch tok.letter {
		case 0:
			b.WriteString(tok.literal)
		case 'y', 'Y', 'x':
			if tok.width == 2 {
				pad(b, t.Year()%100, 2)
			} else {
				pad(b, t.Year(), tok.width)
			}
		case 'M':
			pad(b, int(t.Month()), tok.width)
		case 'd':
			pad(b, t.Day(), tok.width)
		case 'H':
			pad(b, t.Hour(), tok.width)
		case 'h':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			pad(b, h, tok.width)
		case 'm':
			pad(b, t.Minute(), tok.width)
		case 's':
			pad(b, t.Second(), tok.width)
		case 'S':
			frac := strconv.Itoa(t.Nanosecond() + 1e9)[1:]
			if tok.width < len(frac) {
				frac = frac[:tok.width]
			}
			b.WriteString(frac)
		case 'Z':
			if tok.width >= 2 {
				b.WriteString(t.Format("-07:00"))
			} else {
				b.WriteString(t.Format("-0700"))
			}
		}
	}
}

func pad(b *strings.Builder, v, width int) {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}
