package workflow

import (
	"regexp"
	"strings"
)

var (
	commentRe    = regexp.MustCompile(`(?s)\{#.*?#\}`)
	exprRe       = regexp.MustCompile(`(?s)\{\{-?(.*?)-?\}\}`)
	tagRe        = regexp.MustCompile(`(?s)\{%-?(.*?)-?%\}`)
	stringRe     = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	identRe      = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	defaultRe    = regexp.MustCompile(`\|\s*default(_if_none)?\b`)
	forBindingRe = regexp.MustCompile(`^for\s+(.+?)\s+in\s+(.+)$`)
	assignRe     = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=`)
	asRe         = regexp.MustCompile(`\bas\s+([A-Za-z_][A-Za-z0-9_]*)`)
	macroRe      = regexp.MustCompile(`(?s)^macro\s+([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)`)
	importRe     = regexp.MustCompile(`(?s)^import\s+""\s+(.+)$`)
)

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"true": true, "false": true, "True": true, "False": true,
	"none": true, "None": true, "nil": true, "as": true,
	"forloop": true, "reversed": true, "sorted": true,
}

// expression tags whose arguments can reference variables
var scannedTags = map[string]bool{
	"if": true, "elif": true, "for": true, "with": true, "set": true,
	"ifequal": true, "ifnotequal": true, "firstof": true, "cycle": true,
	"macro": true, "import": true,
}

// references records the free variables of a template. required holds the
// ones used at least once without a default filter fallback.
type references struct {
	all      map[string]bool
	required map[string]bool
}

func (r references) has(name string) bool { return r.all[name] }

func scanReferences(text string) references {
	refs := references{all: map[string]bool{}, required: map[string]bool{}}
	bound := map[string]bool{}

	text = commentRe.ReplaceAllString(text, " ")

	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(stringRe.ReplaceAllString(m[1], `""`))
		word := body
		if i := strings.IndexAny(body, " \t\n"); i >= 0 {
			word = body[:i]
		}
		if !scannedTags[word] {
			continue
		}

		switch word {
		case "for":
			fm := forBindingRe.FindStringSubmatch(body)
			if fm == nil {
				continue
			}
			for _, name := range strings.Split(fm[1], ",") {
				bound[strings.TrimSpace(name)] = true
			}
			refs.add(fm[2], !defaultRe.MatchString(fm[2]))
		case "with", "set":
			rest := strings.TrimSpace(strings.TrimPrefix(body, word))
			for _, am := range assignRe.FindAllStringSubmatch(rest, -1) {
				bound[am[1]] = true
			}
			for _, am := range asRe.FindAllStringSubmatch(rest, -1) {
				bound[am[1]] = true
			}
			// {% with a=x b=y %}: drop the "name=" prefixes, keep values
			refs.add(assignRe.ReplaceAllString(rest, " "), !defaultRe.MatchString(rest))
		case "macro":
			mm := macroRe.FindStringSubmatch(body)
			if mm == nil {
				continue
			}
			bound[mm[1]] = true
			for _, param := range strings.Split(mm[2], ",") {
				name, def, hasDefault := strings.Cut(param, "=")
				bound[strings.TrimSpace(name)] = true
				if hasDefault {
					refs.add(def, false)
				}
			}
		case "import":
			im := importRe.FindStringSubmatch(body)
			if im == nil {
				continue
			}
			for _, name := range strings.Split(im[1], ",") {
				if am := asRe.FindStringSubmatch(name); am != nil {
					bound[am[1]] = true
					continue
				}
				bound[strings.TrimSpace(name)] = true
			}
		default:
			rest := strings.TrimPrefix(body, word)
			refs.add(rest, !defaultRe.MatchString(rest))
		}
	}

	for _, m := range exprRe.FindAllStringSubmatch(text, -1) {
		expr := stringRe.ReplaceAllString(m[1], `""`)
		refs.add(expr, !defaultRe.MatchString(expr))
	}

	for name := range bound {
		delete(refs.all, name)
		delete(refs.required, name)
	}
	return refs
}

// add records the free identifiers of expr: identifiers not preceded by
// '.', '|' or an identifier character (attribute, filter or number suffix).
func (r references) add(expr string, required bool) {
	for _, loc := range identRe.FindAllStringIndex(expr, -1) {
		if prev := lastNonSpace(expr[:loc[0]]); prev == '.' || prev == '|' {
			continue
		}
		if loc[0] > 0 && isIdentByte(expr[loc[0]-1]) {
			continue
		}
		name := expr[loc[0]:loc[1]]
		if keywords[name] {
			continue
		}
		r.all[name] = true
		if required {
			r.required[name] = true
		}
	}
}

func lastNonSpace(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' {
			return s[i]
		}
	}
	return 0
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
