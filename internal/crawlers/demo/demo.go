// Package demo is a small same-host link crawler that ships with the binary.
// Importing it for side effects registers it in the default catalog under
// the name "demo"; its seed URL comes from CRAWLSCHED_DEMO_SEED.
package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/task"
)

// Name is the catalog name of the demo crawler.
const Name = "demo"

// Method names used in the demo's callback chain.
const (
	ParsePage = "page"
	StepLinks = "links"
)

const depthKey = "depth"

// Page is the item extracted from every fetched page.
type Page struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	Links []string `json:"links"`
}

// Options configure a Crawler.
type Options struct {
	Name     string
	Seeds    []string
	MaxDepth int
	Rate     float64
	// RetryLimit applies to every request the crawler emits.
	RetryLimit int
}

// Crawler follows links that stay on the seed's host.
type Crawler struct {
	opts Options
}

var (
	_ crawler.Crawler = (*Crawler)(nil)
	_ crawler.Speeder = (*Crawler)(nil)
)

func init() {
	seed := os.Getenv("CRAWLSCHED_DEMO_SEED")
	if seed == "" {
		seed = "https://example.com/"
	}
	crawler.Register(New(Options{Seeds: []string{seed}, MaxDepth: 2, Rate: 1, RetryLimit: 2}))
}

// New builds a demo crawler.
func New(opts Options) *Crawler {
	if opts.Name == "" {
		opts.Name = Name
	}
	return &Crawler{opts: opts}
}

// Name implements crawler.Crawler.
func (c *Crawler) Name() string { return c.opts.Name }

// Speed implements crawler.Speeder.
func (c *Crawler) Speed() float64 { return c.opts.Rate }

// Entry emits one request per seed at depth 0.
func (c *Crawler) Entry(context.Context) ([]crawler.Request, error) {
	reqs := make([]crawler.Request, 0, len(c.opts.Seeds))
	for _, seed := range c.opts.Seeds {
		reqs = append(reqs, c.request(seed, 0))
	}
	return reqs, nil
}

// Step follows the links of a parsed page one level deeper.
func (c *Crawler) Step(_ context.Context, method string, t *task.Task) ([]crawler.Request, error) {
	if method != StepLinks {
		return nil, crawler.UnknownMethod(c.Name(), method)
	}
	raw, ok := t.Item()
	if !ok {
		return nil, nil
	}
	var page Page
	if err := decodeItem(raw, &page); err != nil {
		return nil, err
	}
	depth := depthOf(t.Scratch.Schedule[depthKey]) + 1
	if depth > c.opts.MaxDepth {
		return nil, nil
	}
	reqs := make([]crawler.Request, 0, len(page.Links))
	for _, link := range page.Links {
		reqs = append(reqs, c.request(link, depth))
	}
	return reqs, nil
}

// Parse extracts the title and same-host links of an HTML page.
func (c *Crawler) Parse(_ context.Context, method string, resp *task.Response) crawler.ParseResult {
	if method != ParsePage {
		return crawler.Error(crawler.UnknownMethod(c.Name(), method))
	}
	page, err := ExtractPage(resp.URL, resp.Body)
	if err != nil {
		return crawler.Error(err)
	}
	return crawler.Emit(page)
}

func (c *Crawler) request(rawURL string, depth int) crawler.Request {
	meta := task.DefaultMeta()
	meta.RetryLimit = c.opts.RetryLimit
	meta.DedupeEnabled = true
	r := crawler.Get(rawURL, crawler.Then(ParsePage, StepLinks))
	r.Meta = &meta
	// Shallower pages first.
	r.Priority = c.opts.MaxDepth - depth
	r.Scratch = map[string]any{depthKey: depth}
	return r
}

// ExtractPage parses body as HTML and resolves links against pageURL,
// keeping only http(s) links on the same host without fragments.
func ExtractPage(pageURL string, body []byte) (Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	page := Page{URL: pageURL, Title: strings.TrimSpace(doc.Find("title").First().Text())}
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host != base.Host {
			return
		}
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			page.Links = append(page.Links, link)
		}
	})
	return page, nil
}

// decodeItem accepts a Page or its JSON-decoded map form.
func decodeItem(raw any, out *Page) error {
	if p, ok := raw.(Page); ok {
		*out = p
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	return nil
}

func depthOf(v any) int {
	switch d := v.(type) {
	case int:
		return d
	case float64:
		return int(d)
	default:
		return 0
	}
}
