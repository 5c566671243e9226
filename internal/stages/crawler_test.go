package stages_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/stages"
)

const glossaryPage = `<!doctype html>
<html><head><title> Starship Terms </title><style>dt { color: red }</style></head>
<body>
<dl>
  <dt>Warp drive</dt><dd>Faster than light propulsion.</dd>
  <div><dt>Tricorder</dt><dd>A handheld sensor.</dd><dd>Also records data.</dd></div>
  <dt></dt><dd>orphan definition</dd>
</dl>
<table>
  <tr><th>Term</th><th>Meaning</th></tr>
  <tr><th>Dilithium</th><td>Crystal that regulates the <b>warp</b> core.</td></tr>
  <tr><td>no</td><td>header</td></tr>
</table>
</body></html>`

func TestExtractTerms(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(glossaryPage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	title, terms := stages.ExtractTerms(doc, "https://example.com/terms")
	if title != "Starship Terms" {
		t.Fatalf("title = %q", title)
	}
	want := map[string]string{
		"Warp drive": "Faster than light propulsion.",
		"Tricorder":  "A handheld sensor.; Also records data.",
		"Dilithium":  "Crystal that regulates the warp core.",
	}
	if len(terms) != len(want) {
		t.Fatalf("expected %d terms, got %+v", len(want), terms)
	}
	for _, term := range terms {
		if want[term.Term] != term.Definition {
			t.Errorf("%s => %q, want %q", term.Term, term.Definition, want[term.Term])
		}
		if term.Source != "https://example.com/terms" {
			t.Errorf("%s source = %q", term.Term, term.Source)
		}
	}
}

func newCrawler() *stages.Crawler {
	return stages.NewCrawler(stages.CrawlerConfig{UserAgent: "mediaflow-test"}, http.DefaultClient, nil)
}

func TestCrawlerSkipsFailedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "mediaflow-test" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Path {
		case "/terms":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(glossaryPage))
		case "/data.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	payload := stage.DispatchPayload{
		SourceURL: srv.URL + "/terms",
		Metadata:  map[string]string{stages.MetadataURLs: srv.URL + "/gone, " + srv.URL + "/data.json," + srv.URL + "/terms"},
	}
	out, err := newCrawler().Process(context.Background(), stage.Task{
		Key:     stage.Key{AssetID: "movie-1", Stage: stage.Crawling, Attempt: 1},
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	result := out.(stage.CrawlResult)
	if len(result.Pages) != 2 {
		t.Fatalf("expected terms page and json page, got %+v", result.Pages)
	}
	if len(result.Pages[0].Terms) != 3 || len(result.Pages[1].Terms) != 0 {
		t.Fatalf("unexpected terms: %+v", result.Pages)
	}
	if err := stage.Validate(result); err != nil {
		t.Fatalf("result invalid: %v", err)
	}
}

func TestCrawlerFailureClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/busy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		urls string
		want services.FailureKind
	}{
		{"all missing", srv.URL + "/a", services.FailurePermanent},
		{"one busy", srv.URL + "/a," + srv.URL + "/busy", services.FailureTransient},
		{"bad scheme", "ftp://example.com/x", services.FailurePermanent},
		{"nothing to crawl", "", services.FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCrawler().Process(context.Background(), stage.Task{
				Key:     stage.Key{AssetID: "movie-1", Stage: stage.Crawling, Attempt: 1},
				Payload: stage.DispatchPayload{Metadata: map[string]string{stages.MetadataURLs: tt.urls}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := services.Classify(err); got != tt.want {
				t.Fatalf("Classify = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestCrawlerCancelledIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCrawler().Process(ctx, stage.Task{
		Key:     stage.Key{AssetID: "movie-1", Stage: stage.Crawling, Attempt: 1},
		Payload: stage.DispatchPayload{SourceURL: "http://127.0.0.1:1/x"},
	})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
