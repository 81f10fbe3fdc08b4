package data

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/resilience"
)

// TypesenseConfig Typesense 连接配置
type TypesenseConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// ImportTimeout 批量导入与导出的超时，通常大于普通请求
	ImportTimeout time.Duration `mapstructure:"import_timeout"`
}

// TypesenseClient Typesense REST 客户端
type TypesenseClient struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	timeout       time.Duration
	importTimeout time.Duration
	breaker       *gobreaker.CircuitBreaker
	log           *log.Helper
}

// NewTypesenseClient 创建客户端，请求经熔断器保护；4xx 不计入熔断统计
func NewTypesenseClient(c *TypesenseConfig, logger log.Logger) (*TypesenseClient, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("typesense url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return nil, fmt.Errorf("invalid typesense url: %w", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	importTimeout := c.ImportTimeout
	if importTimeout <= 0 {
		importTimeout = 5 * time.Minute
	}

	helper := log.NewHelper(log.With(logger, "module", "data/typesense"))
	breakerConfig := resilience.DefaultBreakerConfig()
	breakerConfig.IsSuccessful = func(err error) bool {
		var se *resilience.StatusError
		return err == nil || (errors.As(err, &se) && se.Code < 500)
	}
	breakerConfig.OnStateChange = func(name string, from, to gobreaker.State) {
		helper.Warnf("circuit breaker %s: %s -> %s", name, from, to)
	}

	return &TypesenseClient{
		baseURL:       c.URL,
		apiKey:        c.APIKey,
		http:          &http.Client{},
		timeout:       timeout,
		importTimeout: importTimeout,
		breaker:       resilience.NewBreaker("typesense", breakerConfig),
		log:           helper,
	}, nil
}

// do 发送请求并检查状态码，2xx 时返回响应体
func (c *TypesenseClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	timeout := c.timeout
	if strings.HasSuffix(path, "/documents/import") {
		timeout = c.importTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.send(ctx, method, path, query, body, contentType)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if err := resilience.CheckResponse(resp); err != nil {
			return nil, fmt.Errorf("%w: %s", err, bytes.TrimSpace(data))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *TypesenseClient) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, resilience.Terminal(err)
	}
	req.Header.Set("X-TYPESENSE-API-KEY", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

type importLine struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// UpsertBatch 以 JSONL 调用 import?action=upsert，返回逐文档结果
func (c *TypesenseClient) UpsertBatch(ctx context.Context, collection string, docs []domain.IndexDocument) ([]domain.DocumentResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(doc.Body()); err != nil {
			return nil, resilience.Terminal(fmt.Errorf("encode %s: %w", doc.ID, err))
		}
	}

	data, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/documents/import",
		url.Values{"action": {"upsert"}}, &buf, "text/plain")
	if err != nil {
		return nil, err
	}

	results := make([]domain.DocumentResult, 0, len(docs))
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r importLine
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: import result: %v", resilience.ErrMalformedResponse, err)
		}
		i := len(results)
		if i >= len(docs) {
			break
		}
		results = append(results, domain.DocumentResult{ID: docs[i].ID, Success: r.Success, Error: r.Error})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(results) != len(docs) {
		return nil, fmt.Errorf("%w: %d results for %d documents", resilience.ErrMalformedResponse, len(results), len(docs))
	}
	return results, nil
}

// DeleteDocument 删除文档，不存在时不报错
func (c *TypesenseClient) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete,
		"/collections/"+url.PathEscape(collection)+"/documents/"+url.PathEscape(id), nil, nil, "")
	if resilience.Classify(err) == resilience.ClassNotFound {
		return nil
	}
	return err
}

// ExportDocuments 流式读取 export 接口的 JSONL
func (c *TypesenseClient) ExportDocuments(ctx context.Context, collection string, fn func(domain.IndexDocument) error) error {
	if state := c.breaker.State(); state == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	ctx, cancel := context.WithTimeout(ctx, c.importTimeout)
	defer cancel()
	resp, err := c.send(ctx, http.MethodGet, "/collections/"+url.PathEscape(collection)+"/documents/export", nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := resilience.CheckResponse(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%w: export line: %v", resilience.ErrMalformedResponse, err)
		}
		id := rec.String("id")
		delete(rec, "id")
		if err := fn(domain.IndexDocument{ID: id, Fields: rec}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// CreateCollection 创建集合
func (c *TypesenseClient) CreateCollection(ctx context.Context, schema domain.CollectionSchema) error {
	body, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/collections", nil, bytes.NewReader(body), "application/json")
	return err
}

// DeleteCollection 删除集合
func (c *TypesenseClient) DeleteCollection(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil, "")
	return err
}

// ListCollections 列出全部集合名
func (c *TypesenseClient) ListCollections(ctx context.Context) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, "/collections", nil, nil, "")
	if err != nil {
		return nil, err
	}
	var cols []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("%w: collections: %v", resilience.ErrMalformedResponse, err)
	}
	names := make([]string, 0, len(cols))
	for _, col := range cols {
		names = append(names, col.Name)
	}
	return names, nil
}

type aliasBody struct {
	Name           string `json:"name,omitempty"`
	CollectionName string `json:"collection_name"`
}

// UpsertAlias 创建或重指向别名，Typesense 保证切换原子
func (c *TypesenseClient) UpsertAlias(ctx context.Context, alias, target string) error {
	body, err := json.Marshal(aliasBody{CollectionName: target})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/aliases/"+url.PathEscape(alias), nil, bytes.NewReader(body), "application/json")
	return err
}

// GetAlias 解析别名
func (c *TypesenseClient) GetAlias(ctx context.Context, alias string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/aliases/"+url.PathEscape(alias), nil, nil, "")
	if resilience.Classify(err) == resilience.ClassNotFound {
		return "", pkgerrors.ErrAliasNotFound.WithMetadata(map[string]string{"alias": alias})
	}
	if err != nil {
		return "", err
	}
	var a aliasBody
	if err := json.Unmarshal(data, &a); err != nil {
		return "", fmt.Errorf("%w: alias: %v", resilience.ErrMalformedResponse, err)
	}
	return a.CollectionName, nil
}

// Health 调用 /health
func (c *TypesenseClient) Health(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/health", nil, nil, "")
	if err != nil {
		return err
	}
	var h struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(data, &h); err != nil || !h.OK {
		return fmt.Errorf("typesense unhealthy: %s", bytes.TrimSpace(data))
	}
	return nil
}
