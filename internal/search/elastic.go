package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// modseqScript applies a flag update only when it is newer than the stored
// document.
const modseqScript = `if (ctx._source.modseq != null && ctx._source.modseq >= params.modseq) { ctx.op = 'none'; } else { ctx._source.draft = params.draft; ctx._source.flagged = params.flagged; ctx._source.flags = params.flags; ctx._source.unseen = params.unseen; ctx._source.modseq = params.modseq; }`

type ElasticConfig struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
	Transport http.RoundTripper
}

type ElasticClient struct {
	es    *elasticsearch.Client
	index string
}

func NewElasticClient(cfg ElasticConfig) (*ElasticClient, error) {
	index := strings.TrimSpace(cfg.Index)
	if index == "" {
		return nil, fmt.Errorf("search index name is required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticClient{es: es, index: index}, nil
}

func (c *ElasticClient) Index(ctx context.Context, id string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	return c.do(ctx, "index", req)
}

func (c *ElasticClient) Update(ctx context.Context, id string, u Update) error {
	var payload any
	if u.Modseq > 0 {
		payload = map[string]any{
			"script": map[string]any{
				"lang":   "painless",
				"source": modseqScript,
				"params": map[string]any{
					"draft":   u.Fields.Draft,
					"flagged": u.Fields.Flagged,
					"flags":   u.Fields.Flags,
					"unseen":  u.Fields.Unseen,
					"modseq":  u.Modseq,
				},
			},
		}
	} else {
		payload = map[string]any{"doc": u.Fields}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	req := esapi.UpdateRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	return c.do(ctx, "update", req)
}

func (c *ElasticClient) Delete(ctx context.Context, id string) error {
	req := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: id,
	}
	return c.do(ctx, "delete", req)
}

func (c *ElasticClient) do(ctx context.Context, op string, req esapi.Request) error {
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("search %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound && op != "index" {
		io.Copy(io.Discard, res.Body)
		return ErrNotFound
	}
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("search %s: status %d: %s", op, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, res.Body)
	return nil
}
