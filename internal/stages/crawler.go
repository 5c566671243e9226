package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// MetadataURLs names the dispatch metadata key listing extra pages to crawl,
// comma separated.
const MetadataURLs = "urls"

const (
	definitionListConfidence = 0.9
	tableConfidence          = 0.7
)

// CrawlerConfig tunes page fetching.
type CrawlerConfig struct {
	UserAgent string
	MaxBytes  int64
}

// CrawlerConfigFrom extracts crawler settings from cfg.
func CrawlerConfigFrom(cfg *config.Config) CrawlerConfig {
	return CrawlerConfig{UserAgent: cfg.Crawler.UserAgent, MaxBytes: cfg.Crawler.MaxBytes}
}

// Crawler fetches an asset's source pages and extracts glossary terms.
type Crawler struct {
	cfg    CrawlerConfig
	client *http.Client
	logger *slog.Logger
}

// NewCrawler constructs the crawling processor.
func NewCrawler(cfg CrawlerConfig, client *http.Client, logger *slog.Logger) *Crawler {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	return &Crawler{cfg: cfg, client: client, logger: logging.NewComponentLogger(logger, "crawler")}
}

func (c *Crawler) Stage() stage.Stage { return stage.Crawling }

// Process crawls the source URL and any metadata URLs. Pages that fail are
// skipped; the stage fails only when no page could be fetched.
func (c *Crawler) Process(ctx context.Context, task stage.Task) (any, error) {
	urls, err := crawlTargets(task.Payload)
	if err != nil {
		return nil, err
	}
	logger := logging.WithContext(ctx, c.logger)

	result := stage.CrawlResult{Pages: make([]stage.CrawlPage, 0, len(urls))}
	var failures []error
	for _, target := range urls {
		page, err := c.crawl(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, services.Wrap(services.ErrTransient, string(stage.Crawling), "crawl", "cancelled", ctx.Err())
			}
			logging.WarnWithContext(logger, "page crawl failed", "crawl_page_failed",
				logging.String("url", target),
				logging.Error(err),
				logging.String(logging.FieldImpact, "page skipped"),
			)
			failures = append(failures, err)
			continue
		}
		result.Pages = append(result.Pages, page)
	}
	if len(result.Pages) == 0 {
		return nil, worstFailure(failures)
	}

	terms := 0
	for _, p := range result.Pages {
		terms += len(p.Terms)
	}
	logger.Info("source crawled",
		logging.Int("pages", len(result.Pages)),
		logging.Int("skipped", len(failures)),
		logging.Int("terms", terms),
		logging.String(logging.FieldEventType, "source_crawled"),
	)
	return result, nil
}

func (c *Crawler) HealthCheck(context.Context) stage.Health {
	if c.client == nil {
		return stage.Unhealthy(c.Stage(), "http client unavailable")
	}
	return stage.Healthy(c.Stage())
}

func crawlTargets(payload stage.DispatchPayload) ([]string, error) {
	candidates := []string{payload.SourceURL}
	if extra := payload.Metadata[MetadataURLs]; extra != "" {
		candidates = append(candidates, strings.Split(extra, ",")...)
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, services.Wrap(services.ErrValidation, string(stage.Crawling), "crawl",
				fmt.Sprintf("invalid url %q", raw), err)
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u.String())
	}
	if len(out) == 0 {
		return nil, services.Wrap(services.ErrValidation, string(stage.Crawling), "crawl", "no source url to crawl", nil)
	}
	return out, nil
}

// worstFailure returns a transient failure if any page failed transiently,
// so the engine retries, and a permanent one otherwise.
func worstFailure(failures []error) error {
	for _, err := range failures {
		if services.Classify(err) != services.FailurePermanent {
			return err
		}
	}
	if len(failures) > 0 {
		return failures[0]
	}
	return services.Wrap(services.ErrPermanent, string(stage.Crawling), "crawl", "no pages crawled", nil)
}

func (c *Crawler) crawl(ctx context.Context, target string) (stage.CrawlPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return stage.CrawlPage{}, services.Wrap(services.ErrValidation, string(stage.Crawling), "fetch", target, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := c.client.Do(req)
	if err != nil {
		return stage.CrawlPage{}, services.Wrap(services.ErrUnavailable, string(stage.Crawling), "fetch", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return stage.CrawlPage{}, services.Wrap(services.ErrUnavailable, string(stage.Crawling), "fetch",
			fmt.Sprintf("%s: http %d", target, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return stage.CrawlPage{}, services.Wrap(services.ErrInvalidRequest, string(stage.Crawling), "fetch",
			fmt.Sprintf("%s: http %d", target, resp.StatusCode), nil)
	}

	page := stage.CrawlPage{URL: target, Terms: []stage.GlossaryEntry{}}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "" &&
		mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return page, nil
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return stage.CrawlPage{}, services.Wrap(services.ErrUnavailable, string(stage.Crawling), "parse", target, err)
		}
		return stage.CrawlPage{}, services.Wrap(services.ErrInvalidRequest, string(stage.Crawling), "parse", target, err)
	}
	page.Title, page.Terms = ExtractTerms(doc, target)
	return page, nil
}

// ExtractTerms returns the document title and the term/definition pairs found
// in <dl> lists (dt followed by dd) and table rows (th followed by td).
func ExtractTerms(doc *html.Node, source string) (string, []stage.GlossaryEntry) {
	var title string
	var raw []stage.GlossaryEntry
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = nodeText(n)
				}
			case atom.Dl:
				raw = append(raw, definitionList(n)...)
			case atom.Tr:
				if entry, ok := tableRow(n); ok {
					raw = append(raw, entry)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return title, NormalizeGlossary(raw, source)
}

func definitionList(dl *html.Node) []stage.GlossaryEntry {
	var out []stage.GlossaryEntry
	var term string
	var definitions []string
	flush := func() {
		if term != "" && len(definitions) > 0 {
			out = append(out, stage.GlossaryEntry{
				Term:       term,
				Definition: strings.Join(definitions, "; "),
				Confidence: definitionListConfidence,
			})
		}
		term, definitions = "", nil
	}
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			switch child.DataAtom {
			case atom.Dt:
				if len(definitions) > 0 {
					flush()
				}
				if text := nodeText(child); text != "" {
					term = text
				}
			case atom.Dd:
				if text := nodeText(child); text != "" && term != "" {
					definitions = append(definitions, text)
				}
			case atom.Div:
				// WHATWG allows dt/dd groups wrapped in div.
				visit(child)
			}
		}
	}
	visit(dl)
	flush()
	return out
}

func tableRow(tr *html.Node) (stage.GlossaryEntry, bool) {
	var term string
	var cells []string
	for child := tr.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode {
			continue
		}
		switch child.DataAtom {
		case atom.Th:
			if term != "" {
				return stage.GlossaryEntry{}, false
			}
			term = nodeText(child)
		case atom.Td:
			if term == "" {
				return stage.GlossaryEntry{}, false
			}
			if text := nodeText(child); text != "" {
				cells = append(cells, text)
			}
		}
	}
	if term == "" || len(cells) == 0 {
		return stage.GlossaryEntry{}, false
	}
	return stage.GlossaryEntry{Term: term, Definition: strings.Join(cells, " "), Confidence: tableConfidence}, true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style):
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
