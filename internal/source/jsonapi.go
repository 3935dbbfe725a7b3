package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"sortir/internal/config"
	"sortir/internal/fetch"
	appLog "sortir/internal/log"
	"sortir/internal/model"
)

// JSONAdapter reads a structured JSON API, optionally walking pages until
// an empty page or the page limit.
type JSONAdapter struct {
	cfg    config.SourceConfig
	client *resty.Client
}

// NewJSONAdapter creates an adapter for cfg. userAgent identifies us upstream.
func NewJSONAdapter(cfg config.SourceConfig, userAgent string) *JSONAdapter {
	c := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if userAgent != "" {
		c.SetHeader("User-Agent", userAgent)
	}
	return &JSONAdapter{cfg: cfg, client: c}
}

func (a *JSONAdapter) Name() string { return a.cfg.Name }

func (a *JSONAdapter) FetchRaw(ctx context.Context) ([]model.RawRecord, error) {
	tok, err := token(a.cfg)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	jc := a.cfg.JSON
	if !jc.Paginated() {
		items, err := a.fetchPage(ctx, tok, nil)
		if err != nil {
			return nil, NewFetchError(a.cfg.Name, err)
		}
		return toRecords(items), nil
	}

	var all []model.RawRecord
	for i := 0; i < jc.MaxPages; i++ {
		params := map[string]string{
			jc.PageParam: strconv.Itoa(jc.FirstPage + i),
		}
		if jc.PageSizeParam != "" {
			params[jc.PageSizeParam] = strconv.Itoa(jc.PageSize)
		}

		items, err := a.fetchPage(ctx, tok, params)
		if err != nil {
			return nil, NewFetchError(a.cfg.Name, fmt.Errorf("page %d: %w", jc.FirstPage+i, err))
		}
		if len(items) == 0 {
			break
		}
		all = append(all, toRecords(items)...)
	}

	appLog.Debug("json source fetched", "source", a.cfg.Name, "records", len(all))
	return all, nil
}

func (a *JSONAdapter) fetchPage(ctx context.Context, tok string, params map[string]string) ([]any, error) {
	req := a.client.R().
		SetContext(ctx).
		SetHeaders(a.cfg.Headers).
		SetQueryParams(params)
	if tok != "" {
		if a.cfg.TokenParam != "" {
			req.SetQueryParam(a.cfg.TokenParam, tok)
		} else {
			req.SetAuthToken(tok)
		}
	}

	resp, err := req.Get(a.cfg.URL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &fetch.StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return itemsAt(doc, a.cfg.JSON.ItemsPath)
}

// itemsAt walks a dotted path to the records array.
func itemsAt(doc any, path string) ([]any, error) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("items_path %q: %q is not an object", path, part)
			}
			cur, ok = m[part]
			if !ok {
				return nil, fmt.Errorf("items_path %q: key %q not found", path, part)
			}
		}
	}
	if cur == nil {
		return nil, nil
	}
	items, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("items_path %q does not point to an array", path)
	}
	return items, nil
}

func toRecords(items []any) []model.RawRecord {
	out := make([]model.RawRecord, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		rec := model.NewRawRecord(model.KindJSON)
		flatten("", obj, rec.Fields)
		out = append(out, rec)
	}
	return out
}

// flatten writes scalar leaves of v into out under dotted keys
// (location.city, image.0).
func flatten(prefix string, v any, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(join(k), child, out)
		}
	case []any:
		for i, child := range t {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	case string:
		if s := strings.TrimSpace(t); s != "" && prefix != "" {
			out[prefix] = s
		}
	case json.Number:
		out[prefix] = t.String()
	case bool:
		out[prefix] = strconv.FormatBool(t)
	}
}
