package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const newsFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example News</title>
<item>
  <guid>news-2</guid>
  <title>Newer story</title>
  <link>https://example.com/2</link>
  <description>second</description>
  <pubDate>Tue, 10 Feb 2026 12:00:00 GMT</pubDate>
</item>
<item>
  <guid>news-1</guid>
  <title>Older story</title>
  <link>https://example.com/1</link>
  <description>first</description>
  <pubDate>Mon, 09 Feb 2026 12:00:00 GMT</pubDate>
</item>
</channel></rss>`

const podcastFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Podcast</title>
<item>
  <guid>ep-2</guid>
  <title>Episode two</title>
  <link>https://pod.example.com/2</link>
  <enclosure url="https://pod.example.com/2.mp3" type="audio/mpeg" length="1"/>
  <pubDate>Tue, 10 Feb 2026 12:00:00 GMT</pubDate>
</item>
<item>
  <guid>note-1</guid>
  <title>Show notes only</title>
  <link>https://pod.example.com/notes</link>
  <pubDate>Mon, 09 Feb 2026 12:00:00 GMT</pubDate>
</item>
</channel></rss>`

const videoFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:yt="http://www.youtube.com/xml/schemas/2015">
<title>Example Channel</title>
<entry>
  <id>yt:video:dQw4w9WgXcQ</id>
  <yt:videoId>dQw4w9WgXcQ</yt:videoId>
  <title>A talk</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=dQw4w9WgXcQ"/>
  <published>2026-02-10T12:00:00+00:00</published>
</entry>
</feed>`

func serveXML(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewsFetchAndWatermark(t *testing.T) {
	srv := serveXML(t, newsFeedXML)
	adapter, err := New(TypeNews, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, wm, err := adapter.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ExternalID != "news-2" || items[0].Title != "Newer story" {
		t.Errorf("unexpected first item: %+v", items[0])
	}
	if wm != "2026-02-10T12:00:00Z" {
		t.Errorf("watermark = %q, want newest published time", wm)
	}

	// Second poll against the same unchanged feed yields nothing new.
	items, wm2, err := adapter.Fetch(context.Background(), srv.URL, wm)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items past watermark, got %d", len(items))
	}
	if wm2 != wm {
		t.Errorf("watermark moved without new entries: %q -> %q", wm, wm2)
	}
}

func TestNewsFetchLimit(t *testing.T) {
	srv := serveXML(t, newsFeedXML)
	adapter, err := New(TypeNews, Deps{HTTPClient: srv.Client(), FetchLimit: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, _, err := adapter.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("fetch limit not applied, got %d items", len(items))
	}
}

func TestPodcastRequiresAudioEnclosure(t *testing.T) {
	srv := serveXML(t, podcastFeedXML)
	adapter, err := New(TypePodcast, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, _, err := adapter.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected only the enclosure-bearing entry, got %d", len(items))
	}
	if items[0].MediaURL != "https://pod.example.com/2.mp3" {
		t.Errorf("media URL not captured: %q", items[0].MediaURL)
	}
}

func TestSkippedEntriesHoldWatermark(t *testing.T) {
	// The newest entry has no audio enclosure and is skipped; the watermark
	// must stay at the newest ingested entry so nothing is silently lost.
	const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Podcast</title>
<item>
  <guid>note-2</guid>
  <title>Show notes only</title>
  <link>https://pod.example.com/notes</link>
  <pubDate>Wed, 11 Feb 2026 12:00:00 GMT</pubDate>
</item>
<item>
  <guid>ep-1</guid>
  <title>Episode one</title>
  <link>https://pod.example.com/1</link>
  <enclosure url="https://pod.example.com/1.mp3" type="audio/mpeg" length="1"/>
  <pubDate>Tue, 10 Feb 2026 12:00:00 GMT</pubDate>
</item>
</channel></rss>`
	srv := serveXML(t, feed)
	adapter, err := New(TypePodcast, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, wm, err := adapter.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "ep-1" {
		t.Fatalf("expected only ep-1, got %+v", items)
	}
	if wm != "2026-02-10T12:00:00Z" {
		t.Errorf("watermark = %q, want the newest ingested entry's time", wm)
	}
}

func TestEntriesWithoutIDHoldWatermark(t *testing.T) {
	const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example News</title>
<item>
  <title>No stable identity</title>
  <description>neither guid nor link</description>
  <pubDate>Wed, 11 Feb 2026 12:00:00 GMT</pubDate>
</item>
<item>
  <guid>news-1</guid>
  <title>Older story</title>
  <link>https://example.com/1</link>
  <pubDate>Tue, 10 Feb 2026 12:00:00 GMT</pubDate>
</item>
</channel></rss>`
	srv := serveXML(t, feed)
	adapter, err := New(TypeNews, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, wm, err := adapter.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].ExternalID != "news-1" {
		t.Fatalf("expected only news-1, got %+v", items)
	}
	if wm != "2026-02-10T12:00:00Z" {
		t.Errorf("watermark = %q, want the newest ingested entry's time", wm)
	}
}

func TestPreprintFeedURL(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		fmt.Fprint(w, newsFeedXML)
	}))
	defer srv.Close()

	orig := arxivFeedURL
	arxivFeedURL = srv.URL + "/rss/%s"
	defer func() { arxivFeedURL = orig }()

	adapter, err := New(TypePreprint, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := adapter.Fetch(context.Background(), "cs.LG", ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if requested != "/rss/cs.LG" {
		t.Errorf("fetched %q, want /rss/cs.LG", requested)
	}
}

func TestVideoFetchByChannelID(t *testing.T) {
	srv := serveXML(t, videoFeedXML)

	orig := youtubeFeedURL
	youtubeFeedURL = srv.URL + "/feeds?channel_id=%s"
	defer func() { youtubeFeedURL = orig }()

	adapter, err := New(TypeVideo, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, _, err := adapter.Fetch(context.Background(), "UCabcdefghijklmnopqrstuv", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].ExternalID != "dQw4w9WgXcQ" {
		t.Errorf("external ID should be the video ID, got %q", items[0].ExternalID)
	}
	if items[0].MediaURL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("video link should be carried as media URL, got %q", items[0].MediaURL)
	}
}

func TestVideoHandleResolution(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>var x = {"channelId":"UCabcdefghijklmnopqrstuv"};</script></html>`)
	})
	mux.HandleFunc("/feeds", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel_id") != "UCabcdefghijklmnopqrstuv" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, videoFeedXML)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	origPage, origFeed := youtubePageURL, youtubeFeedURL
	youtubePageURL = srv.URL + "/page/%s"
	youtubeFeedURL = srv.URL + "/feeds?channel_id=%s"
	defer func() { youtubePageURL, youtubeFeedURL = origPage, origFeed }()

	adapter, err := New(TypeVideo, Deps{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	items, _, err := adapter.Fetch(context.Background(), "@somechannel", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("handle resolution failed, got %d items", len(items))
	}
}
