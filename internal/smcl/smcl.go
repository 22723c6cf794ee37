// Package smcl renders Stata SMCL markup (help files, SMCL-format logs)
// into Markdown or plain text. It is a pure text transform with no shared
// state; each call parses independently.
package smcl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format selects the output flavor.
type Format int

const (
	// Markdown keeps bold/italic/code/link structure.
	Markdown Format = iota
	// Plain strips all formatting, keeping only the text.
	Plain
)

// ToMarkdown renders SMCL source as Markdown.
func ToMarkdown(src string) string {
	return Render(src, Markdown)
}

// ToPlain renders SMCL source as plain text.
func ToPlain(src string) string {
	return Render(src, Plain)
}

// charCodes maps {c code} directives to their characters. Box-drawing codes
// appear in table output; the quoted codes escape SMCL's own syntax.
var charCodes = map[string]string{
	"S|": "$", "'g": "`", "-(": "{", ")-": "}",
	"-": "─", "|": "│", "+": "┼",
	"TT": "┬", "BT": "┴", "LT": "├", "RT": "┤",
	"TLC": "┌", "TRC": "┐", "BRC": "┘", "BLC": "└",
	"a'": "á", "e'": "é", "i'": "í", "o'": "ó", "u'": "ú",
	"a'g": "à", "e'g": "è", "i'g": "ì", "o'g": "ò", "u'g": "ù",
	"a~": "ã", "n~": "ñ", "o~": "õ",
	"a..": "ä", "e..": "ë", "o..": "ö", "u..": "ü",
	"ss": "ß", "c,": "ç",
}

var (
	titleRe     = regexp.MustCompile(`^\{title:(.+?)\}\s*$`)
	dlgtabRe    = regexp.MustCompile(`^\{dlgtab(?:\s[\d\s]*)?:(.+?)\}\s*$`)
	alignRe     = regexp.MustCompile(`^\{(?:center|centre|right)(?:\s+\d+)?:(.+?)\}\s*$`)
	markerRe    = regexp.MustCompile(`^\{marker\s+\S+\}\s*$`)
	paraRe      = regexp.MustCompile(`^\{(pstd|phang2|phang3|phang|pmore2|pmore3|pmore|pin2|pin3|pin|psee|p\s[\d\s]*)\}`)
	hlineLineRe = regexp.MustCompile(`^\{hline(?:\s+\d+)?\}\s*$`)
	skipLineRe  = regexp.MustCompile(`^\{(smcl|synoptset|synopthdr|p2colset|p2colreset|viewerjumpto|vieweralsosee|viewerdialog|findalias)\b`)
	twoColRe    = regexp.MustCompile(`^\{(synopt|p2coldent|p2col)(?:\s[\d\s]*)?\s*:`)
	nameRe      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*`)
)

// Render converts SMCL source to the requested format.
func Render(src string, f Format) string {
	var out []string
	var para []string
	inPara := false

	flush := func() {
		if len(para) > 0 {
			out = append(out, renderInline(strings.Join(para, " "), f), "")
		}
		para = nil
		inPara = false
	}

	for _, raw := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n") {
		line := strings.TrimSuffix(strings.TrimRight(raw, " \t"), "{...}")
		s := strings.TrimSpace(line)

		switch {
		case s == "":
			flush()
			out = append(out, "")
		case strings.HasPrefix(s, "*!") || skipLineRe.MatchString(s):
			// version comments and viewer metadata carry no content
		case markerRe.MatchString(s):
			// anchors are meaningless outside the Stata viewer
		case titleRe.MatchString(s):
			flush()
			out = append(out, heading(titleRe.FindStringSubmatch(s)[1], "## ", f), "")
		case dlgtabRe.MatchString(s):
			flush()
			out = append(out, heading(dlgtabRe.FindStringSubmatch(s)[1], "### ", f), "")
		case hlineLineRe.MatchString(s) || s == "{.-}" || s == "{synoptline}" || strings.HasPrefix(s, "{p2line"):
			flush()
			out = append(out, rule(f))
		case alignRe.MatchString(s):
			flush()
			out = append(out, renderInline(alignRe.FindStringSubmatch(s)[1], f))
		case twoColRe.MatchString(s):
			flush()
			if c1, c2, ok := splitTwoCol(s); ok {
				out = append(out, twoCol(c1, c2, f))
			}
		case paraRe.MatchString(s):
			flush()
			inPara = true
			if rest := strings.TrimSpace(s[len(paraRe.FindString(s)):]); rest != "" {
				para = append(para, rest)
			}
		case strings.HasPrefix(s, "{p_end}"):
			flush()
		default:
			// paragraph content accumulates until {p_end} or a blank line
			if inPara {
				para = append(para, s)
				continue
			}
			if r := renderInline(line, f); strings.TrimSpace(r) != "" {
				out = append(out, r)
			}
		}
	}
	flush()

	text := strings.Join(out, "\n")
	// collapse the blank-line runs left by flushed structure
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text) + "\n"
}

func heading(inner, prefix string, f Format) string {
	text := renderInline(inner, f)
	if f == Markdown {
		return prefix + text
	}
	return text
}

func rule(f Format) string {
	if f == Markdown {
		return "---"
	}
	return strings.Repeat("─", 60)
}

func twoCol(c1, c2 string, f Format) string {
	left := renderInline(c1, f)
	right := renderInline(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(c2), "{p_end}")), f)
	if right == "" {
		return "- " + left
	}
	return fmt.Sprintf("- %s: %s", left, right)
}

// splitTwoCol splits a {synopt :col1}col2 style line into its columns,
// matching the closing brace of the opening tag by depth.
func splitTwoCol(s string) (string, string, bool) {
	m := twoColRe.FindString(s)
	if m == "" {
		return "", "", false
	}
	end := matchBrace(s, 0)
	if end < 0 {
		return "", "", false
	}
	return s[len(m):end], s[end+1:], true
}

// matchBrace returns the index of the } matching the { at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// renderInline resolves inline directives within one logical line.
func renderInline(text string, f Format) string {
	var b strings.Builder
	for i := 0; i < len(text); {
		if text[i] != '{' {
			b.WriteByte(text[i])
			i++
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			b.WriteByte('{')
			i++
			continue
		}
		b.WriteString(renderTag(text[i+1:end], f))
		i = end + 1
	}
	return b.String()
}

func renderTag(content string, f Format) string {
	name, args, inner, hasInner := parseTag(content)
	lo := strings.ToLower(name)
	ri := func(t string) string { return renderInline(t, f) }

	switch {
	case name == "*" || name == "...":
		return ""
	case lo == "c" || lo == "char":
		return resolveChar(args)
	case lo == "bf":
		return emphasize(ri(inner), "**", f)
	case lo == "it":
		return emphasize(ri(inner), "*", f)
	case lo == "ul":
		if hasInner {
			return ri(inner)
		}
		return ""
	case lo == "cmd" || lo == "input" || lo == "inp" || lo == "stata" || lo == "matacmd":
		if !hasInner {
			return code(strings.Trim(args, `"`), f)
		}
		return code(ri(inner), f)
	case lo == "opt" || lo == "cmdab" || lo == "opth":
		// {opt min:rest} marks the abbreviation; the colon is not content
		src := inner
		if !hasInner {
			src = args
		} else if args != "" {
			src = args + inner
		}
		return code(strings.Replace(src, ":", "", 1), f)
	case lo == "err" || lo == "error" || lo == "res" || lo == "result",
		lo == "txt" || lo == "text" || lo == "com" || lo == "sf",
		lo == "hilite" || lo == "hi":
		if hasInner {
			return ri(inner)
		}
		return ""
	case lo == "help" || lo == "helpb":
		display := ri(inner)
		if display == "" {
			display = strings.Trim(strings.TrimSpace(args), `"`)
		}
		return link(display, helpTarget(args), f)
	case lo == "browse":
		url := strings.Trim(strings.TrimSpace(args), `"`)
		display := ri(inner)
		if display == "" {
			display = url
		}
		return link(display, url, f)
	case lo == "hline":
		if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil && n > 0 && n <= 120 {
			return strings.Repeat("─", n)
		}
		return rule(f)
	case lo == "space":
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil || n < 1 {
			n = 1
		}
		return strings.Repeat(" ", n)
	case lo == "tab":
		return "        "
	case lo == "col":
		return " "
	case lo == "dup":
		if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil && n > 0 && n <= 200 {
			return strings.Repeat(ri(inner), n)
		}
		return ""
	case lo == "break":
		return "\n"
	case lo == "title":
		if !hasInner {
			return ""
		}
		return heading(inner, "## ", f)
	case lo == "dlgtab":
		if !hasInner {
			return ""
		}
		return heading(inner, "### ", f)
	case lo == "center" || lo == "centre" || lo == "right":
		return ri(inner)
	case lo == "marker" || lo == "reset" || lo == "smcl" || lo == "asis" || lo == "p_end":
		return ""
	}
	// unknown tag: surface whatever content it carries
	if hasInner {
		return ri(inner)
	}
	return args
}

// parseTag splits tag content into name, args, and the :text part.
func parseTag(content string) (name, args, inner string, hasInner bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", "", false
	}
	if strings.HasPrefix(content, "*") {
		return "*", content[1:], "", false
	}
	if content == "..." || content == ".-" {
		return content, "", "", false
	}
	name = nameRe.FindString(content)
	if name == "" {
		return "", content, "", false
	}
	rest := content[len(name):]
	switch {
	case rest == "":
		return name, "", "", false
	case rest[0] == ':':
		return name, "", rest[1:], true
	case rest[0] == ' ':
		rest = rest[1:]
		if idx := topLevelColon(rest); idx >= 0 {
			return name, strings.TrimSpace(rest[:idx]), rest[idx+1:], true
		}
		return name, strings.TrimSpace(rest), "", false
	}
	return name, rest, "", false
}

// topLevelColon finds the first colon outside nested braces and quotes.
func topLevelColon(s string) int {
	depth := 0
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			if depth == 0 {
				quoted = !quoted
			}
		case '{':
			if !quoted {
				depth++
			}
		case '}':
			if !quoted {
				depth--
			}
		case ':':
			if !quoted && depth == 0 {
				return i
			}
		}
	}
	return -1
}

func resolveChar(code string) string {
	code = strings.TrimSpace(code)
	if ch, ok := charCodes[code]; ok {
		return ch
	}
	if strings.HasPrefix(code, "0x") || strings.HasPrefix(code, "0X") {
		if n, err := strconv.ParseInt(code[2:], 16, 32); err == nil {
			return string(rune(n))
		}
		return code
	}
	if n, err := strconv.Atoi(code); err == nil && n >= 1 && n <= 0x10FFFF {
		return string(rune(n))
	}
	return code
}

func emphasize(text, mark string, f Format) string {
	if text == "" {
		return ""
	}
	if f == Markdown {
		return mark + text + mark
	}
	return text
}

func code(text string, f Format) string {
	if text == "" {
		return ""
	}
	if f == Markdown {
		return "`" + text + "`"
	}
	return text
}

func link(display, target string, f Format) string {
	if display == "" {
		display = target
	}
	if f == Markdown && target != "" {
		return fmt.Sprintf("[%s](%s)", display, target)
	}
	return display
}

// helpTarget turns a {help topic##marker} reference into a stable target.
func helpTarget(args string) string {
	topic := strings.Trim(strings.TrimSpace(args), `"`)
	if i := strings.Index(topic, "##"); i >= 0 {
		topic = topic[:i]
	}
	if topic == "" {
		return ""
	}
	return "help:" + topic
}
