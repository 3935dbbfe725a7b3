package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sortir/internal/config"
	"sortir/internal/fetch"
	"sortir/internal/model"
)

// HTMLAdapter scrapes a listing page. Every node matching cfg.HTML.Item is
// one record; each configured field is read from a sub-selector, either as
// text or as an attribute.
type HTMLAdapter struct {
	cfg      config.SourceConfig
	fetcher  *fetch.Fetcher
	renderer Renderer
}

func NewHTMLAdapter(cfg config.SourceConfig, fetcher *fetch.Fetcher, renderer Renderer) *HTMLAdapter {
	return &HTMLAdapter{cfg: cfg, fetcher: fetcher, renderer: renderer}
}

func (a *HTMLAdapter) Name() string { return a.cfg.Name }

func (a *HTMLAdapter) FetchRaw(ctx context.Context) ([]model.RawRecord, error) {
	tok, err := token(a.cfg)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}
	pageURL := withTokenParam(a.cfg.URL, a.cfg, tok)

	body, err := a.page(ctx, pageURL, tok)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, fmt.Errorf("parse html: %w", err))
	}

	base, _ := url.Parse(a.cfg.URL)
	var out []model.RawRecord
	doc.Find(a.cfg.HTML.Item).Each(func(_ int, item *goquery.Selection) {
		rec := model.NewRawRecord(model.KindHTML)
		for name, sel := range a.cfg.HTML.Fields {
			rec.Set(name, extract(item, sel, base))
		}
		out = append(out, rec)
	})
	return out, nil
}

func (a *HTMLAdapter) page(ctx context.Context, pageURL, tok string) (io.Reader, error) {
	if a.cfg.HTML.Render {
		if a.renderer == nil {
			return nil, fmt.Errorf("render requested but no renderer configured")
		}
		html, err := a.renderer.Render(ctx, pageURL, a.cfg.HTML.Item)
		if err != nil {
			return nil, err
		}
		return strings.NewReader(html), nil
	}
	res, err := a.fetcher.Get(ctx, pageURL, requestHeaders(a.cfg, tok))
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(res.Body), nil
}

// extract reads one field. An empty selector targets the item itself.
// href and src attributes are resolved against the page URL.
func extract(item *goquery.Selection, sel config.SelectorConfig, base *url.URL) string {
	node := item
	if sel.Selector != "" {
		node = item.Find(sel.Selector).First()
	}
	if node.Length() == 0 {
		return ""
	}
	if sel.Attr == "" {
		return strings.Join(strings.Fields(node.Text()), " ")
	}
	v, ok := node.Attr(sel.Attr)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	if base != nil && (sel.Attr == "href" || sel.Attr == "src") && v != "" {
		if ref, err := url.Parse(v); err == nil {
			return base.ResolveReference(ref).String()
		}
	}
	return v
}
