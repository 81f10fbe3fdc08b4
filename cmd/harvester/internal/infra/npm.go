package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
	"pkgharvest/pkg/resilience"
)

// UpstreamNpm npm 上游名称
const UpstreamNpm = "npm"

// 搜索评分在工作单元上下文中的键
const (
	CtxQualityScore     = "npm_quality_score"
	CtxPopularityScore  = "npm_popularity_score"
	CtxMaintenanceScore = "npm_maintenance_score"
	CtxFinalScore       = "npm_final_score"
)

var scoreKeys = []string{CtxQualityScore, CtxPopularityScore, CtxMaintenanceScore, CtxFinalScore}

const npmSearchPageSize = 250

// NpmConfig npm 配置
type NpmConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// PackumentTTL 包文档缓存时间，同一包的多个版本共用一次请求
	PackumentTTL time.Duration `mapstructure:"packument_ttl"`
}

// NpmClient npm registry 客户端
type NpmClient struct {
	httpUpstream
	baseURL string
	cache   cache.Cache
	ttl     time.Duration
	log     *log.Helper
}

// NewNpmClient 创建 npm 客户端，packuments 为包文档缓存
func NewNpmClient(c NpmConfig, limiter *resilience.IntervalLimiter, policy resilience.RetryPolicy, packuments cache.Cache, logger log.Logger) *NpmClient {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://registry.npmjs.org"
	}
	ttl := c.PackumentTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	u := newHTTPUpstream(UpstreamNpm, c.Timeout, limiter, policy)
	if c.Token != "" {
		u.headers["Authorization"] = "Bearer " + c.Token
	}
	return &NpmClient{
		httpUpstream: u,
		baseURL:      base,
		cache:        packuments,
		ttl:          ttl,
		log:          log.NewHelper(log.With(logger, "module", "infra/npm")),
	}
}

// Name 上游名称
func (c *NpmClient) Name() string {
	return UpstreamNpm
}

// SearchResult 搜索结果中的一个包
type SearchResult struct {
	Package struct {
		Name     string   `json:"name"`
		Keywords []string `json:"keywords"`
	} `json:"package"`
	Score struct {
		Final  float64 `json:"final"`
		Detail struct {
			Quality     float64 `json:"quality"`
			Popularity  float64 `json:"popularity"`
			Maintenance float64 `json:"maintenance"`
		} `json:"detail"`
	} `json:"score"`
}

// Scores 评分，写入工作单元上下文
func (r SearchResult) Scores() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]string{
		CtxQualityScore:     f(r.Score.Detail.Quality),
		CtxPopularityScore:  f(r.Score.Detail.Popularity),
		CtxMaintenanceScore: f(r.Score.Detail.Maintenance),
		CtxFinalScore:       f(r.Score.Final),
	}
}

// Search 按 text 搜索并翻页取完全部结果
func (c *NpmClient) Search(ctx context.Context, text string) ([]SearchResult, error) {
	var all []SearchResult
	for offset := 0; ; {
		q := url.Values{
			"text": {text},
			"size": {strconv.Itoa(npmSearchPageSize)},
			"from": {strconv.Itoa(offset)},
		}
		var page struct {
			Objects []SearchResult `json:"objects"`
			Total   int            `json:"total"`
		}
		if err := c.fetchListingJSON(ctx, c.baseURL+"/-/v1/search?"+q.Encode(), "application/json", &page); err != nil {
			return all, fmt.Errorf("npm search %q: %w", text, err)
		}
		all = append(all, page.Objects...)
		if len(page.Objects) == 0 || offset+len(page.Objects) >= page.Total {
			return all, nil
		}
		offset += len(page.Objects)
	}
}

// Packument 包文档中用到的部分
type Packument struct {
	Name     string                            `json:"name"`
	Readme   string                            `json:"readme"`
	Versions map[string]map[string]interface{} `json:"versions"`
	Time     map[string]string                 `json:"time"`
}

func (c *NpmClient) packumentURL(name string) string {
	return c.baseURL + "/" + url.PathEscape(name)
}

func (c *NpmClient) cacheKey(name string) string {
	return "npm:packument:" + name
}

func (c *NpmClient) cached(ctx context.Context, name string) (*Packument, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, err := c.cache.GetBytes(ctx, c.cacheKey(name))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.log.Warnf("packument cache read %s: %v", name, err)
		}
		return nil, false
	}
	var p Packument
	if err := json.Unmarshal(data, &p); err != nil {
		_ = c.cache.Delete(ctx, c.cacheKey(name))
		return nil, false
	}
	return &p, true
}

func (c *NpmClient) store(ctx context.Context, name string, data []byte) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetBytes(ctx, c.cacheKey(name), data, c.ttl); err != nil {
		c.log.Warnf("packument cache write %s: %v", name, err)
	}
}

func decodePackument(name string, data []byte) (*Packument, error) {
	var p Packument
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: packument %s: %v", resilience.ErrMalformedResponse, name, err)
	}
	return &p, nil
}

// Packument 列表阶段读取包文档，自行限流并重试
func (c *NpmClient) Packument(ctx context.Context, name string) (*Packument, error) {
	if p, ok := c.cached(ctx, name); ok {
		return p, nil
	}
	data, err := c.fetchListing(ctx, c.packumentURL(name), "application/json")
	if err != nil {
		return nil, err
	}
	p, err := decodePackument(name, data)
	if err != nil {
		return nil, err
	}
	c.store(ctx, name, data)
	return p, nil
}

// Fetch 抓取一个版本并转换为统一结构；限流由调用方负责
func (c *NpmClient) Fetch(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
	name := item.Package()
	p, ok := c.cached(ctx, name)
	if !ok {
		data, err := c.get(ctx, c.packumentURL(name), "application/json")
		if err != nil {
			return nil, err
		}
		if p, err = decodePackument(name, data); err != nil {
			return nil, err
		}
		c.store(ctx, name, data)
	}

	version := item.Version()
	if version == "" {
		version = latestVersion(p)
	}
	data, ok := p.Versions[version]
	if !ok {
		c.log.Warnf("version %s not found for %s", version, name)
		return nil, &resilience.StatusError{Code: http.StatusNotFound, URL: c.packumentURL(name) + "/" + url.PathEscape(version)}
	}

	rec := TransformNpm(name, data, p.Time, p.Readme)
	for _, k := range scoreKeys {
		if v, err := strconv.ParseFloat(item.Get(k), 64); err == nil {
			rec[k] = v
		}
	}
	return rec, nil
}

func latestVersion(p *Packument) string {
	var latest string
	var at time.Time
	for v := range p.Versions {
		t, _ := time.Parse(time.RFC3339, p.Time[v])
		if latest == "" || t.After(at) {
			latest, at = v, t
		}
	}
	return latest
}

// versions 包的全部版本，按字符串排序
func (p *Packument) versions() []Release {
	out := make([]Release, 0, len(p.Versions))
	for v := range p.Versions {
		t, _ := time.Parse(time.RFC3339, p.Time[v])
		out = append(out, Release{Version: v, UploadTime: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// IsValidPackage 包位于任一 scope 下，或具有任一关键字（忽略大小写）
func IsValidPackage(r SearchResult, keywords, scopes []string) bool {
	for _, scope := range scopes {
		if strings.HasPrefix(r.Package.Name, scope+"/") {
			return true
		}
	}
	have := make(map[string]struct{}, len(r.Package.Keywords))
	for _, k := range r.Package.Keywords {
		have[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range keywords {
		if _, ok := have[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}

// GitURLToHTTPS 将 git 仓库地址转换为可浏览的 https 地址
func GitURLToHTTPS(u string) string {
	if u == "" {
		return ""
	}
	u = strings.TrimPrefix(u, "git+")
	if rest, ok := strings.CutPrefix(u, "git://"); ok {
		u = "https://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "ssh://git@"); ok {
		u = "https://" + rest
	} else if rest, ok := strings.CutPrefix(u, "git@"); ok {
		u = "https://" + strings.Replace(rest, ":", "/", 1)
	}
	return strings.TrimSuffix(u, ".git")
}

// person 解析 author / maintainer，可能是字符串或对象
func person(v interface{}) (name, email string) {
	switch p := v.(type) {
	case string:
		return p, ""
	case map[string]interface{}:
		name, _ = p["name"].(string)
		email, _ = p["email"].(string)
	}
	return name, email
}

// TransformNpm 将 npm 版本文档映射为与 PyPI 相同的索引结构
func TransformNpm(name string, v map[string]interface{}, times map[string]string, readme string) domain.Record {
	str := func(key string) string {
		s, _ := v[key].(string)
		return s
	}
	version := str("version")

	var scope string
	if strings.HasPrefix(name, "@") {
		scope = strings.TrimPrefix(strings.SplitN(name, "/", 2)[0], "@")
	}

	var repoURL string
	switch r := v["repository"].(type) {
	case string:
		repoURL = r
	case map[string]interface{}:
		repoURL, _ = r["url"].(string)
	}
	homePage := str("homepage")
	if homePage == "" && repoURL != "" {
		homePage = GitURLToHTTPS(repoURL)
	}

	author, authorEmail := person(v["author"])
	var maintainer, maintainerEmail string
	if ms, ok := v["maintainers"].([]interface{}); ok && len(ms) > 0 {
		maintainer, maintainerEmail = person(ms[0])
	}

	keywords := []interface{}{}
	switch k := v["keywords"].(type) {
	case []interface{}:
		keywords = k
	case string:
		for _, s := range strings.Split(k, ",") {
			if s = strings.TrimSpace(s); s != "" {
				keywords = append(keywords, s)
			}
		}
	}

	requires := []interface{}{}
	if deps, ok := v["dependencies"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(deps))
		for k := range deps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			requires = append(requires, fmt.Sprintf("%s@%v", k, deps[k]))
		}
	}

	var bugs string
	if b, ok := v["bugs"].(map[string]interface{}); ok {
		bugs, _ = b["url"].(string)
	}

	yanked := false
	var yankedReason string
	switch d := v["deprecated"].(type) {
	case string:
		yanked, yankedReason = true, d
	case bool:
		yanked = d
	case nil:
	default:
		yanked = true
	}

	projectURLs := map[string]interface{}{}
	if homePage != "" {
		projectURLs["Homepage"] = homePage
	}

	escaped := url.PathEscape(name)
	rec := domain.Record{
		"name":                     name,
		"name_sortable":            name,
		"version":                  version,
		"summary":                  str("description"),
		"description":              readme,
		"description_content_type": "text/markdown",
		"author":                   author,
		"author_email":             authorEmail,
		"maintainer":               maintainer,
		"maintainer_email":         maintainerEmail,
		"license":                  licenseString(v["license"]),
		"keywords":                 keywords,
		"classifiers":              []interface{}{},
		"framework_versions":       []interface{}{},
		"python_versions":          []interface{}{},
		"home_page":                homePage,
		"repository_url":           repoURL,
		"project_url":              "",
		"package_url":              "https://www.npmjs.com/package/" + escaped,
		"release_url":              "https://www.npmjs.com/package/" + escaped + "/v/" + version,
		"docs_url":                 "",
		"bugtrack_url":             bugs,
		"requires_dist":            requires,
		"platform":                 "node",
		"yanked":                   yanked,
		"yanked_reason":            yankedReason,
		"urls":                     []interface{}{},
		"project_urls":             projectURLs,
		"upload_time":              times[version],
		"upload_timestamp":         int64(0),
		"registry":                 UpstreamNpm,
		"npm_scope":                scope,
	}
	if t, err := time.Parse(time.RFC3339, times[version]); err == nil {
		rec["upload_timestamp"] = t.Unix()
	}
	return rec
}

func licenseString(v interface{}) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]interface{}:
		s, _ := l["type"].(string)
		return s
	}
	return ""
}

// NpmSource 按关键字与 scope 搜索，包的每个版本一个工作单元
type NpmSource struct {
	client   *NpmClient
	keywords []string
	scopes   []string
	limit    int
	log      *log.Helper
}

// NewNpmSource 创建 npm 来源
func NewNpmSource(client *NpmClient, keywords, scopes []string, limit int, logger log.Logger) *NpmSource {
	return &NpmSource{
		client:   client,
		keywords: keywords,
		scopes:   scopes,
		limit:    limit,
		log:      log.NewHelper(log.With(logger, "module", "infra/npm-source")),
	}
}

// Name 来源名称
func (s *NpmSource) Name() string { return "npm-search" }

// SearchPackages 执行全部关键字与 scope 搜索，按名称去重并过滤不匹配的结果
func (s *NpmSource) SearchPackages(ctx context.Context) ([]SearchResult, error) {
	var queries []string
	for _, k := range s.keywords {
		queries = append(queries, "keywords:"+k)
	}
	for _, sc := range s.scopes {
		queries = append(queries, "scope:"+strings.TrimPrefix(sc, "@"))
	}

	seen := make(map[string]struct{})
	var packages []SearchResult
	rejected := 0
	for _, q := range queries {
		results, err := s.client.Search(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warnf("%v, continuing with %d partial results", err, len(results))
		}
		for _, r := range results {
			name := r.Package.Name
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			if !IsValidPackage(r, s.keywords, s.scopes) {
				rejected++
				continue
			}
			seen[name] = struct{}{}
			packages = append(packages, r)
		}
	}
	s.log.Infof("found %d valid packages, rejected %d non-matching", len(packages), rejected)
	return packages, nil
}

// Items 产出每个匹配包的全部版本
func (s *NpmSource) Items(ctx context.Context, out chan<- domain.WorkItem) error {
	packages, err := s.SearchPackages(ctx)
	if err != nil {
		return err
	}
	if len(packages) == 0 {
		s.log.Warn("no packages found matching search criteria")
		return nil
	}

	count := 0
	for i, r := range packages {
		p, err := s.client.Packument(ctx, r.Package.Name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnf("skip %s: %v", r.Package.Name, err)
			continue
		}
		scores := r.Scores()
		for _, rel := range p.versions() {
			if s.limit > 0 && count >= s.limit {
				return nil
			}
			item := domain.NewReleaseItem(UpstreamNpm, r.Package.Name, rel.Version)
			for k, v := range scores {
				item.Context[k] = v
			}
			if !rel.UploadTime.IsZero() {
				item.Context[domain.CtxTimestamp] = strconv.FormatInt(rel.UploadTime.Unix(), 10)
			}
			if err := emit(ctx, out, item); err != nil {
				return err
			}
			count++
		}
		if (i+1)%10 == 0 {
			s.log.Infof("progress: %d/%d packages listed", i+1, len(packages))
		}
	}
	return nil
}
