package notifier_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/fetch"
	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/models"
	"github.com/edouardg/marktmonitor/internal/notifier"
	"github.com/edouardg/marktmonitor/internal/publish"
)

const (
	testBrowserURL = "https://www.2dehands.be/q/koersfiets/#sortBy:SORT_INDEX"
	testRequestURL = "https://www.2dehands.be/lrp/api/search?query=koersfiets"
	testUserAgent  = "test-agent"
)

const itemPageHTML = `<!DOCTYPE html>
<html><head>
<script>window.__CONFIG__ = {"listing":{"bidsInfo":{"bids":[{"amount":150}]},"seller":{"id":987}}};</script>
</head><body></body></html>`

type fixture struct {
	notifier *notifier.Notifier
	queries  *database.QueryRepository
	cursors  *database.LatestListingRepository
	sub      *redis.PubSub
}

func newFixture(t *testing.T, enrichLimit int) *fixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v/api/seller-profile/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"Jan","reviews":12}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemPageHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	queriesDB, err := database.Open(filepath.Join(dir, "queries.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(queriesDB) })
	listingsDB, err := database.Open(filepath.Join(dir, "listings.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(listingsDB) })

	ctx := context.Background()
	queries := database.NewQueryRepository(queriesDB)
	require.NoError(t, queries.Init(ctx))
	cursors := database.NewLatestListingRepository(listingsDB)
	require.NoError(t, cursors.Init(ctx))

	mr := miniredis.RunT(t)
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = pubClient.Close() })
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = subClient.Close() })

	sub := subClient.Subscribe(ctx, publish.ChannelListings)
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	client := fetch.NewClient(logger.NewNopLogger(), testUserAgent,
		fetch.WithStartDelay(time.Millisecond))

	n := notifier.NewNotifier(queries, cursors,
		client, publish.NewPublisher(pubClient, logger.NewNopLogger()),
		logger.NewNopLogger(), srv.URL, enrichLimit)

	return &fixture{notifier: n, queries: queries, cursors: cursors, sub: sub}
}

func (f *fixture) registerQuery(t *testing.T) {
	t.Helper()
	_, err := f.queries.Create(context.Background(), testBrowserURL, testRequestURL, nil)
	require.NoError(t, err)
}

func (f *fixture) receiveEvent(t *testing.T) publish.ListingsEvent {
	t.Helper()
	select {
	case msg := <-f.sub.Channel():
		var event publish.ListingsEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no listings event received")
		return publish.ListingsEvent{}
	}
}

func (f *fixture) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.sub.Channel():
		t.Fatalf("unexpected listings event: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func rawListings(specs ...[2]string) []models.Listing {
	listings := make([]models.Listing, len(specs))
	for i, s := range specs {
		listings[i] = models.Listing{
			"itemId":          s[0],
			"title":           "Koersfiets " + s[0],
			"priorityProduct": s[1],
		}
	}
	return listings
}

func TestNotifier_DiffAndPublish(t *testing.T) {
	f := newFixture(t, notifier.DefaultEnrichLimit)
	ctx := context.Background()
	f.registerQuery(t)

	require.NoError(t, f.cursors.Upsert(ctx, models.LatestListing{
		RequestURL: testRequestURL, ItemID: "m100", Title: "Koersfiets m100",
	}))

	listings := rawListings(
		[2]string{"m90", "NONE"},
		[2]string{"m105", "NONE"},
		[2]string{"m110", "DAGTOPPER"},
		[2]string{"m120", "NONE"},
	)
	require.NoError(t, f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: listings,
	}))

	event := f.receiveEvent(t)
	assert.Equal(t, testRequestURL, event.RequestURL)
	require.Len(t, event.NewListings, 2)
	assert.Equal(t, "m120", event.NewListings[0].ItemID())
	assert.Equal(t, "m105", event.NewListings[1].ItemID())

	cursor, err := f.cursors.Get(ctx, testRequestURL)
	require.NoError(t, err)
	assert.Equal(t, "m120", cursor.ItemID)
}

func TestNotifier_EmptyDiff(t *testing.T) {
	f := newFixture(t, notifier.DefaultEnrichLimit)
	ctx := context.Background()
	f.registerQuery(t)

	require.NoError(t, f.cursors.Upsert(ctx, models.LatestListing{
		RequestURL: testRequestURL, ItemID: "m120", Title: "Koersfiets m120",
	}))

	listings := rawListings(
		[2]string{"m90", "NONE"},
		[2]string{"m105", "NONE"},
		[2]string{"m110", "DAGTOPPER"},
		[2]string{"m120", "NONE"},
	)
	require.NoError(t, f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: listings,
	}))

	f.assertNoEvent(t)
	cursor, err := f.cursors.Get(ctx, testRequestURL)
	require.NoError(t, err)
	assert.Equal(t, "m120", cursor.ItemID)
}

func TestNotifier_FirstObservationStartsAtZero(t *testing.T) {
	f := newFixture(t, notifier.DefaultEnrichLimit)
	ctx := context.Background()
	f.registerQuery(t)

	require.NoError(t, f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: rawListings([2]string{"m5", "NONE"}, [2]string{"m3", "NONE"}),
	}))

	event := f.receiveEvent(t)
	require.Len(t, event.NewListings, 2)
	assert.Equal(t, "m5", event.NewListings[0].ItemID())
}

func TestNotifier_MidFlightDeletion(t *testing.T) {
	f := newFixture(t, notifier.DefaultEnrichLimit)
	ctx := context.Background()
	// query never registered, as if deleted between dispatch and processing

	require.NoError(t, f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: rawListings([2]string{"m120", "NONE"}),
	}))

	f.assertNoEvent(t)
	_, err := f.cursors.Get(ctx, testRequestURL)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestNotifier_EnrichLimit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.registerQuery(t)

	require.NoError(t, f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: rawListings(
			[2]string{"m10", "NONE"},
			[2]string{"m20", "NONE"},
			[2]string{"m30", "NONE"},
		),
	}))

	event := f.receiveEvent(t)
	require.Len(t, event.NewListings, 3)

	details, ok := event.NewListings[0]["details"].(map[string]any)
	require.True(t, ok, "newest listing should carry details")
	assert.Contains(t, details, "bidsInfo")
	sellerInfo, ok := details["sellerInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Jan", sellerInfo["name"])

	assert.NotContains(t, event.NewListings[1], "details")
	assert.NotContains(t, event.NewListings[2], "details")
}

func TestDecodeSearchResponse(t *testing.T) {
	listings, err := notifier.DecodeSearchResponse(
		[]byte(`{"listings":[{"itemId":"m10","priorityProduct":"NONE"}]}`))
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "m10", listings[0].ItemID())

	// empty array is a legitimate empty result
	listings, err = notifier.DecodeSearchResponse([]byte(`{"listings":[]}`))
	require.NoError(t, err)
	assert.Empty(t, listings)

	// a missing listings key is malformed, not an empty diff
	_, err = notifier.DecodeSearchResponse([]byte(`{"unexpected":"shape"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listings")

	_, err = notifier.DecodeSearchResponse(nil)
	assert.Error(t, err)

	_, err = notifier.DecodeSearchResponse([]byte(`<html>`))
	assert.Error(t, err)
}

func TestNotifier_MalformedItemID(t *testing.T) {
	f := newFixture(t, notifier.DefaultEnrichLimit)
	ctx := context.Background()
	f.registerQuery(t)

	err := f.notifier.Process(ctx, map[string][]models.Listing{
		testRequestURL: rawListings([2]string{"x999", "NONE"}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}
