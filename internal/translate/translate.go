package translate

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/edouardg/marktmonitor/internal/models"
)

const (
	baseURL      = "https://www.2dehands.be"
	searchAPIURL = baseURL + "/lrp/api/search"

	modeQuery    = "q"
	modeCategory = "l"
)

// fragmentDefaults are merged into every browser URL fragment. A default key
// carrying a different value is rewritten; missing keys are appended in this
// order.
var fragmentDefaults = []pair{
	{"Language", "all-languages"},
	{"offeredSince", "Gisteren"},
	{"sortBy", "SORT_INDEX"},
	{"sortOrder", "DECREASING"},
}

type pair struct {
	key   string
	value string
}

// Result is the outcome of a translation: the normalized browser URL, the
// API request URL the scheduler will poll, and the decoded free-text term
// when one is present.
type Result struct {
	BrowserURL string
	RequestURL string
	Query      *string
}

// Translator is a pure function object over the category tables; it performs
// no I/O.
type Translator struct {
	cats *Categories
}

// NewTranslator creates a translator over loaded category tables.
func NewTranslator(cats *Categories) *Translator {
	return &Translator{cats: cats}
}

// Translate canonicalizes a browser URL and derives its request URL.
// Canonicalization is idempotent: translating the returned BrowserURL yields
// the same Result.
func (t *Translator) Translate(browserURL string) (*Result, error) {
	if !models.BrowserURLPattern.MatchString(browserURL) {
		return nil, fmt.Errorf("%w: browser URL %q does not match the expected shape", models.ErrValidation, browserURL)
	}

	base, fragment, _ := strings.Cut(browserURL, "#")

	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: parse browser URL: %v", models.ErrValidation, err)
	}

	segments := splitSegments(parsed.Path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: browser URL has an empty path", models.ErrValidation)
	}
	mode := segments[0]

	frag := mergeFragment(parseFragment(fragment))

	params := []pair{
		{"attributesByKey[]", "Language:all-languages"},
		{"attributesByKey[]", "offeredSince:Gisteren"},
		{"limit", "100"},
		{"offset", "0"},
		{"sortBy", "SORT_INDEX"},
		{"sortOrder", "DECREASING"},
		{"viewOptions", "list-view"},
	}

	var queryTerm *string

	switch mode {
	case modeQuery:
		if len(segments) < 2 || segments[1] == "" {
			return nil, fmt.Errorf("%w: free-text browser URL is missing a search term", models.ErrValidation)
		}
		term, err := url.QueryUnescape(segments[1])
		if err != nil {
			return nil, fmt.Errorf("%w: decode search term %q: %v", models.ErrValidation, segments[1], err)
		}
		queryTerm = &term
		params = append(params, pair{"query", term})

	case modeCategory:
		catParams, err := t.categoryParams(segments[1:])
		if err != nil {
			return nil, err
		}
		params = append(params, catParams...)

		if raw, ok := lookup(frag, "q"); ok && raw != "" {
			term, err := url.QueryUnescape(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: decode search term %q: %v", models.ErrValidation, raw, err)
			}
			queryTerm = &term
			params = append(params, pair{"query", term})
		}

	default:
		return nil, fmt.Errorf("%w: unsupported browser URL mode %q", models.ErrValidation, mode)
	}

	if postcode, ok := lookup(frag, "postcode"); ok && postcode != "" {
		params = append(params, pair{"postcode", postcode})
		// distance only makes sense relative to a postcode
		if distance, ok := lookup(frag, "distanceMeters"); ok && distance != "" {
			params = append(params, pair{"distanceMeters", distance})
		}
	}

	if rangeParam, ok := priceRange(frag); ok {
		params = append(params, pair{"attributeRanges[]", rangeParam})
	}

	return &Result{
		BrowserURL: canonicalBrowserURL(segments, frag),
		RequestURL: searchAPIURL + "?" + encodeParams(params),
		Query:      queryTerm,
	}, nil
}

// categoryParams resolves the L1 and, when present, L2 path segments.
func (t *Translator) categoryParams(segments []string) ([]pair, error) {
	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("%w: category browser URL is missing the L1 segment", models.ErrValidation)
	}

	l1Key := segments[0]
	l1, ok := t.cats.L1[l1Key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown L1 category %q", models.ErrValidation, l1Key)
	}
	params := []pair{{"l1CategoryId", strconv.Itoa(l1.ID)}}

	if len(segments) > 1 && segments[1] != "" {
		l2, ok := t.cats.L2[l1Key][segments[1]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown L2 category %q under %q", models.ErrValidation, segments[1], l1Key)
		}
		params = append(params, pair{"l2CategoryId", strconv.Itoa(l2.ID)})
	}
	return params, nil
}

// parseFragment splits "k1:v1|k2:v2|…" on the first colon of every pair,
// preserving order.
func parseFragment(fragment string) []pair {
	var pairs []pair
	for _, raw := range strings.Split(fragment, "|") {
		if raw == "" {
			continue
		}
		key, value, _ := strings.Cut(raw, ":")
		pairs = append(pairs, pair{key, value})
	}
	return pairs
}

// mergeFragment enforces the default filters: wrong default values are
// rewritten in place, absent defaults are appended.
func mergeFragment(pairs []pair) []pair {
	merged := make([]pair, len(pairs))
	copy(merged, pairs)

	for _, def := range fragmentDefaults {
		found := false
		for i := range merged {
			if merged[i].key == def.key {
				merged[i].value = def.value
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, def)
		}
	}
	return merged
}

func lookup(pairs []pair, key string) (string, bool) {
	for _, p := range pairs {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// priceRange builds the PriceCents attribute range when either bound is set;
// an absent bound is rendered as "null".
func priceRange(pairs []pair) (string, bool) {
	from, hasFrom := lookup(pairs, "PriceCentsFrom")
	to, hasTo := lookup(pairs, "PriceCentsTo")
	if !hasFrom && !hasTo {
		return "", false
	}
	if from == "" {
		from = "null"
	}
	if to == "" {
		to = "null"
	}
	return "PriceCents:" + from + ":" + to, true
}

func canonicalBrowserURL(segments []string, frag []pair) string {
	rendered := make([]string, len(frag))
	for i, p := range frag {
		rendered[i] = p.key + ":" + p.value
	}
	return baseURL + "/" + strings.Join(segments, "/") + "/#" + strings.Join(rendered, "|")
}

// encodeParams renders the query string in insertion order with form-style
// escaping. url.Values cannot be used here: its Encode sorts keys, and the
// upstream API keys on parameter order for caching.
func encodeParams(params []pair) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
