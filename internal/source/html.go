package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

const (
	propertyPlaceholder = "{property_id}"
	maxImageBytes       = 25 << 20
	maxPageBytes        = 10 << 20
)

// HTMLAdapterOptions configures an HTMLAdapter
type HTMLAdapterOptions struct {
	Name          string
	URLTemplate   string // listing page URL containing {property_id}
	ImageSelector string // CSS selector for <img> elements, default "img"
	UserAgent     string
	Timeout       time.Duration
	MaxImages     int
	Client        *http.Client
}

// HTMLAdapter scrapes a listing page and downloads the images it references
type HTMLAdapter struct {
	name      string
	template  string
	selector  string
	userAgent string
	maxImages int
	client    *http.Client
}

// NewHTMLAdapter validates the options and creates the adapter
func NewHTMLAdapter(opts HTMLAdapterOptions) (*HTMLAdapter, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("name is required")
	}
	tmpl := strings.TrimSpace(opts.URLTemplate)
	if !strings.Contains(tmpl, propertyPlaceholder) {
		return nil, fmt.Errorf("url template must contain %s", propertyPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(tmpl, propertyPlaceholder, "x")); err != nil {
		return nil, fmt.Errorf("invalid url template: %w", err)
	}

	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: to}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "listing-extractor/1.0"
	}
	sel := strings.TrimSpace(opts.ImageSelector)
	if sel == "" {
		sel = "img"
	}

	return &HTMLAdapter{
		name:      opts.Name,
		template:  tmpl,
		selector:  sel,
		userAgent: ua,
		maxImages: opts.MaxImages,
		client:    client,
	}, nil
}

// Name returns the source name
func (a *HTMLAdapter) Name() string {
	return a.name
}

// Fetch downloads the listing page, extracts image URLs and downloads each
// image. A single missing image is skipped; throttling or server errors fail
// the whole fetch so it can be retried.
func (a *HTMLAdapter) Fetch(ctx context.Context, propertyID string) ([]RawImage, error) {
	pageURL := strings.ReplaceAll(a.template, propertyPlaceholder, url.PathEscape(propertyID))
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, a.fail(Permanent(fmt.Errorf("invalid listing url: %w", err)))
	}

	body, _, err := a.get(ctx, pageURL, "text/html", maxPageBytes)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(Permanent(fmt.Errorf("malformed listing page: %w", err)))
	}

	urls := a.imageURLs(doc, base)
	images := make([]RawImage, 0, len(urls))
	for _, u := range urls {
		data, contentType, err := a.get(ctx, u, "image/*", maxImageBytes)
		if err != nil {
			if Classify(err) == domain.ErrorKindPermanent {
				continue
			}
			return nil, err
		}
		images = append(images, RawImage{URL: u, Data: data, ContentType: contentType})
	}
	return images, nil
}

// imageURLs returns the absolute, de-duplicated image URLs on the page
func (a *HTMLAdapter) imageURLs(doc *goquery.Document, base *url.URL) []string {
	var out []string
	seen := make(map[string]bool)

	doc.Find(a.selector).Each(func(_ int, s *goquery.Selection) {
		if a.maxImages > 0 && len(out) >= a.maxImages {
			return
		}
		raw := firstAttr(s, "data-src", "src")
		if raw == "" {
			if srcset, ok := s.Attr("srcset"); ok {
				raw = largestFromSrcset(srcset)
			}
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	})
	return out
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// largestFromSrcset picks the last candidate, which by convention is the largest
func largestFromSrcset(srcset string) string {
	parts := strings.Split(srcset, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		fields := strings.Fields(strings.TrimSpace(parts[i]))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func (a *HTMLAdapter) get(ctx context.Context, u, accept string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", a.fail(Permanent(err))
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", a.fail(NewFetchError(Classify(err), err))
	}
	defer resp.Body.Close()

	if kind := StatusKind(resp.StatusCode); kind != domain.ErrorKindNone {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		fe := NewFetchError(kind, fmt.Errorf("GET %s", u))
		fe.StatusCode = resp.StatusCode
		return nil, "", a.fail(fe)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", a.fail(NewFetchError(Classify(err), fmt.Errorf("failed to read body: %w", err)))
	}
	if int64(len(data)) > limit {
		return nil, "", a.fail(Permanent(fmt.Errorf("response from %s exceeds %d bytes", u, limit)))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (a *HTMLAdapter) fail(fe *FetchError) *FetchError {
	fe.Source = a.name
	return fe
}
