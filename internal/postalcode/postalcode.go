// Package postalcode resolves Belgian postal codes and municipality names via
// the opzoeken-postcode.be API.
package postalcode

import (
	"context"
	"fmt"
	"net/url"

	"github.com/edouardg/marktmonitor/internal/fetch"
	"github.com/edouardg/marktmonitor/internal/models"
)

// Place is one municipality match for a lookup value.
type Place struct {
	MainPostcode string `json:"postcode_hoofdgemeente"`
	MainName     string `json:"naam_hoofdgemeente"`
	SubPostcode  string `json:"postcode_deelgemeente"`
	SubName      string `json:"naam_deelgemeente"`
}

// Client looks up postal codes by number or by (partial) municipality name.
type Client struct {
	client  *fetch.Client
	baseURL string
}

// NewClient creates a lookup client. baseURL is the API origin without a
// trailing slash.
func NewClient(client *fetch.Client, baseURL string) *Client {
	return &Client{client: client, baseURL: baseURL}
}

// Resolve returns every municipality matching the value, which may be a
// postal code or a name fragment. models.ErrNotFound when nothing matches.
func (c *Client) Resolve(ctx context.Context, value string) ([]Place, error) {
	var raw []struct {
		Postcode Place `json:"Postcode"`
	}
	lookupURL := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(value))
	if err := c.client.FetchJSON(ctx, lookupURL, &raw); err != nil {
		return nil, fmt.Errorf("resolve postal code %q: %w", value, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no municipality matches %q", models.ErrNotFound, value)
	}

	places := make([]Place, len(raw))
	for i, entry := range raw {
		places[i] = entry.Postcode
	}
	return places, nil
}
