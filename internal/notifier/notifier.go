// Package notifier implements the listing-diff and enrichment pipeline: it
// turns raw search responses into published batches of new listings.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/PuerkitoBio/goquery"

	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/fetch"
	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/models"
	"github.com/edouardg/marktmonitor/internal/publish"
)

// DefaultEnrichLimit is how many of the newest listings get bid and seller
// details attached before publication.
const DefaultEnrichLimit = 5

// Item pages embed their full state in a window.__CONFIG__ assignment.
var configPattern = regexp.MustCompile(`(?s)window\.__CONFIG__\s*=\s*(\{.*\})\s*;`)

// SearchResponse is the payload of the search API endpoint.
type SearchResponse struct {
	Listings []models.Listing `json:"listings"`
}

// DecodeSearchResponse parses a search API payload. A payload without a
// listings key is malformed and fails the query; an empty array is a
// legitimate empty result.
func DecodeSearchResponse(data []byte) ([]models.Listing, error) {
	if len(data) == 0 {
		return nil, errors.New("empty search response")
	}

	var raw struct {
		Listings *[]models.Listing `json:"listings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if raw.Listings == nil {
		return nil, errors.New("search response has no listings array")
	}
	return *raw.Listings, nil
}

// Notifier diffs search responses against the per-query cursor and publishes
// what is new.
type Notifier struct {
	queries     *database.QueryRepository
	cursors     *database.LatestListingRepository
	client      *fetch.Client
	pub         *publish.Publisher
	log         logger.Logger
	baseURL     string
	enrichLimit int
}

// NewNotifier builds the pipeline. The client is used for enrichment fetches
// and gets 404 added to its retry set, since fresh items briefly 404 while
// the CDN catches up.
func NewNotifier(
	queries *database.QueryRepository,
	cursors *database.LatestListingRepository,
	client *fetch.Client,
	pub *publish.Publisher,
	log logger.Logger,
	baseURL string,
	enrichLimit int,
) *Notifier {
	if enrichLimit <= 0 {
		enrichLimit = DefaultEnrichLimit
	}
	return &Notifier{
		queries:     queries,
		cursors:     cursors,
		client:      client.WithRetryStatuses(404),
		pub:         pub,
		log:         log,
		baseURL:     baseURL,
		enrichLimit: enrichLimit,
	}
}

// Process diffs each request URL's listings against its cursor, advances the
// cursor, enriches the newest entries, and publishes the batch.
func (n *Notifier) Process(ctx context.Context, batches map[string][]models.Listing) error {
	for requestURL, listings := range batches {
		if err := n.processOne(ctx, requestURL, listings); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) processOne(ctx context.Context, requestURL string, listings []models.Listing) error {
	exists, err := n.queries.Exists(ctx, requestURL)
	if err != nil {
		return fmt.Errorf("check query for %s: %w", requestURL, err)
	}
	if !exists {
		// deleted between dispatch and processing
		n.log.Warn("query removed while its response was in flight",
			logger.String("request_url", requestURL))
		return nil
	}

	latest, err := n.latestSeq(ctx, requestURL)
	if err != nil {
		return err
	}

	fresh, err := selectNew(listings, latest)
	if err != nil {
		return fmt.Errorf("diff listings for %s: %w", requestURL, err)
	}
	if len(fresh) == 0 {
		n.log.Debug("no new listings",
			logger.String("request_url", requestURL),
			logger.Int("received", len(listings)))
		return nil
	}

	if err := n.cursors.Upsert(ctx, models.LatestListing{
		RequestURL: requestURL,
		ItemID:     fresh[0].ItemID(),
		Title:      fresh[0].Title(),
	}); err != nil {
		return err
	}

	for i := 0; i < len(fresh) && i < n.enrichLimit; i++ {
		enriched, err := n.enrich(ctx, fresh[i])
		if err != nil {
			return fmt.Errorf("enrich %s: %w", fresh[i].ItemID(), err)
		}
		fresh[i] = enriched
	}

	return n.pub.PublishListings(ctx, publish.ListingsEvent{
		RequestURL:  requestURL,
		NewListings: fresh,
	})
}

// latestSeq loads the cursor for the URL; a query that never produced a
// non-ad listing starts at zero.
func (n *Notifier) latestSeq(ctx context.Context, requestURL string) (int64, error) {
	cursor, err := n.cursors.Get(ctx, requestURL)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return models.ItemIDSeq(cursor.ItemID)
}

// selectNew drops ads and everything at or below the cursor, then orders the
// remainder newest first.
func selectNew(listings []models.Listing, latest int64) ([]models.Listing, error) {
	type entry struct {
		listing models.Listing
		seq     int64
	}

	var fresh []entry
	for _, l := range listings {
		if l.IsAd() {
			continue
		}
		seq, err := l.Seq()
		if err != nil {
			return nil, err
		}
		if seq > latest {
			fresh = append(fresh, entry{listing: l, seq: seq})
		}
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].seq > fresh[j].seq })

	result := make([]models.Listing, len(fresh))
	for i, e := range fresh {
		result[i] = e.listing
	}
	return result, nil
}

// ItemDetails fetches the bid info and seller profile for one item id.
func (n *Notifier) ItemDetails(ctx context.Context, itemID string) (map[string]any, error) {
	cfg, err := n.fetchItemConfig(ctx, itemID)
	if err != nil {
		return nil, err
	}

	item, _ := cfg["listing"].(map[string]any)
	if item == nil {
		return nil, fmt.Errorf("item page config for %s has no listing object", itemID)
	}

	sellerID, err := sellerIDOf(item)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", itemID, err)
	}

	var sellerInfo map[string]any
	profileURL := fmt.Sprintf("%s/v/api/seller-profile/%s", n.baseURL, sellerID)
	if err := n.client.FetchJSON(ctx, profileURL, &sellerInfo); err != nil {
		return nil, err
	}

	return map[string]any{
		"bidsInfo":   item["bidsInfo"],
		"sellerInfo": sellerInfo,
	}, nil
}

// enrich attaches the item's details to a copy of the listing under the
// "details" key.
func (n *Notifier) enrich(ctx context.Context, listing models.Listing) (models.Listing, error) {
	details, err := n.ItemDetails(ctx, listing.ItemID())
	if err != nil {
		return nil, err
	}

	enriched := make(models.Listing, len(listing)+1)
	for k, v := range listing {
		enriched[k] = v
	}
	enriched["details"] = details
	return enriched, nil
}

// fetchItemConfig scrapes window.__CONFIG__ from the item's HTML page.
func (n *Notifier) fetchItemConfig(ctx context.Context, itemID string) (map[string]any, error) {
	html, err := n.client.Fetch(ctx, n.baseURL+"/"+itemID, nil)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse item page for %s: %w", itemID, err)
	}

	var raw string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := configPattern.FindStringSubmatch(s.Text()); m != nil {
			raw = m[1]
			return false
		}
		return true
	})
	if raw == "" {
		return nil, fmt.Errorf("item page for %s has no window.__CONFIG__", itemID)
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode window.__CONFIG__ for %s: %w", itemID, err)
	}
	return cfg, nil
}

// sellerIDOf extracts seller.id, which the marketplace serves as a number.
func sellerIDOf(item map[string]any) (string, error) {
	seller, _ := item["seller"].(map[string]any)
	if seller == nil {
		return "", fmt.Errorf("listing object has no seller")
	}
	switch id := seller["id"].(type) {
	case string:
		return id, nil
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	default:
		return "", fmt.Errorf("listing object has no seller id")
	}
}
