package models

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// PriorityNone marks an organic (non-promoted) listing. Any other
// priorityProduct value (DAGTOPPER, TOPADVERTENTIE) is a paid ad.
const PriorityNone = "NONE"

// Listing is a single raw search result. The marketplace returns many more
// fields than we inspect; everything is preserved verbatim for publication.
type Listing map[string]any

// ItemID returns the listing's id, shaped like "m<digits>".
func (l Listing) ItemID() string {
	id, _ := l["itemId"].(string)
	return id
}

// Title returns the listing's title, truncated to the stored limit on a rune
// boundary.
func (l Listing) Title() string {
	title, _ := l["title"].(string)
	if utf8.RuneCountInString(title) > MaxTitleLen {
		title = string([]rune(title)[:MaxTitleLen])
	}
	return title
}

// IsAd reports whether the listing is a paid placement. Only an explicit
// "NONE" marks an organic listing; a missing or malformed priorityProduct is
// filtered out like any other ad.
func (l Listing) IsAd() bool {
	priority, ok := l["priorityProduct"].(string)
	return !ok || priority != PriorityNone
}

// Seq returns the numeric suffix of the listing's item id. Ids are assigned
// monotonically by the marketplace, so a bigger suffix means a newer listing.
func (l Listing) Seq() (int64, error) {
	return ItemIDSeq(l.ItemID())
}

// ItemIDSeq parses the numeric suffix of an "m<digits>" item id.
func ItemIDSeq(itemID string) (int64, error) {
	digits, ok := strings.CutPrefix(itemID, "m")
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: item id %q", ErrValidation, itemID)
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: item id %q", ErrValidation, itemID)
	}
	return seq, nil
}
