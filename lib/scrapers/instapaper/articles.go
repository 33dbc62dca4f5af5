package instapaper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"instapaper-scraper/lib/htmlutil"
	"instapaper-scraper/lib/retryhttp"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

var ErrStructureChanged = fmt.Errorf("the Instapaper page markup no longer matches what this scraper expects")

// Article is one normalized bookmark record. Id is the stable,
// service-assigned identifier.
type Article struct {
	Id      string `json:"id"`
	Title   string `json:"title"`
	Url     string `json:"url"`
	Preview string `json:"preview,omitempty"`
}

// PageResult is the outcome of extracting one archive page.
type PageResult struct {
	Articles []Article
	// whether the page advertises an older page after it
	HasMore bool
	// article elements dropped for missing an identifier
	Skipped int
}

func (c *Client) pageUrl(page int) string {
	if c.Folder != "" {
		return fmt.Sprintf("/u/folder/%s/%d", c.Folder, page)
	}
	return fmt.Sprintf("/u/%d", page)
}

// FetchPage retrieves and extracts a single archive (or folder) page.
func (c *Client) FetchPage(ctx context.Context, page int) (PageResult, error) {
	ctx, span := tracer.Start(ctx, "client:FetchPage")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(c.pageUrl(page))
	err = retryhttp.Classify(res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch page")
		return PageResult{}, fmt.Errorf("page %d: %w", page, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse page html")
		return PageResult{}, fmt.Errorf("page %d: %w", page, err)
	}

	// a login wall served with a 200 still means the session is gone
	if doc.Find(loginFormSelector).Length() > 0 {
		span.SetStatus(codes.Error, "page returned a login wall")
		return PageResult{}, fmt.Errorf("page %d: %w", page, retryhttp.ErrAuthRequired)
	}

	result, err := extractArticles(doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to extract articles")
		return PageResult{}, fmt.Errorf("page %d: %w", page, err)
	}
	if result.Skipped > 0 {
		slog.WarnContext(
			ctx, "skipped article elements without an identifier",
			"page", page,
			"count", result.Skipped,
		)
	}
	return result, nil
}

func selectionText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		b.WriteString(htmlutil.GetText(n))
	}
	return htmlutil.CleanText(b.String())
}

// each field is read independently so a drifted or missing element
// only degrades that one field; a missing identifier is the one
// thing that discards the record
func extractArticles(doc *goquery.Document) (PageResult, error) {
	list := doc.Find("#article_list")
	if list.Length() == 0 {
		return PageResult{}, fmt.Errorf("%w: missing #article_list container", ErrStructureChanged)
	}

	elements := list.Find("article")
	result := PageResult{
		HasMore: doc.Find(".paginate_older").Length() > 0,
	}

	elements.Each(func(_ int, el *goquery.Selection) {
		rawId, ok := el.Attr("id")
		if !ok || !strings.HasPrefix(rawId, "article_") {
			result.Skipped++
			return
		}
		id := strings.TrimPrefix(rawId, "article_")
		if id == "" {
			result.Skipped++
			return
		}

		result.Articles = append(result.Articles, Article{
			Id:      id,
			Title:   selectionText(el.Find(".article_title")),
			Url:     el.Find(".title_meta a").AttrOr("href", ""),
			Preview: selectionText(el.Find(".article_preview")),
		})
	})

	// a non-empty page where no element carries an identifier is
	// indistinguishable from a markup change, silently returning
	// nothing here would corrupt the output
	if elements.Length() > 0 && len(result.Articles) == 0 {
		return PageResult{}, fmt.Errorf(
			"%w: none of the %d article elements carry an identifier",
			ErrStructureChanged, elements.Length(),
		)
	}

	return result, nil
}

// Paginator walks the archive sequentially starting at page 1. It is
// not restartable, a new walk needs a new Paginator. The cursor only
// advances on success so a caller that recovers from an error (e.g.
// by re-logging in) can call Next again to retry the same page.
type Paginator struct {
	client *Client
	page   int
	done   bool
}

func (c *Client) Paginate() *Paginator {
	return &Paginator{client: c, page: 1}
}

// Next fetches the next page. ok is false once the walk has
// terminated: on the first page that yields zero records, after a
// page that advertises no older page, or past the soft page bound.
func (p *Paginator) Next(ctx context.Context) (result PageResult, ok bool, err error) {
	if p.done {
		return PageResult{}, false, nil
	}
	if p.client.MaxPages > 0 && p.page > p.client.MaxPages {
		slog.WarnContext(
			ctx, "stopping pagination at the configured page bound",
			"max_pages", p.client.MaxPages,
		)
		p.done = true
		return PageResult{}, false, nil
	}

	slog.InfoContext(ctx, "scraping page", "page", p.page)
	result, err = p.client.FetchPage(ctx, p.page)
	if err != nil {
		return PageResult{}, false, err
	}
	if len(result.Articles) == 0 {
		p.done = true
		return PageResult{}, false, nil
	}
	if !result.HasMore {
		p.done = true
	}
	p.page++
	return result, true, nil
}
