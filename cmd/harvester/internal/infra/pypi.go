package infra

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/mmcdole/gofeed"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/resilience"
)

// UpstreamPyPI PyPI 上游名称，同时是限流键
const UpstreamPyPI = "pypi"

const simpleIndexAccept = "application/vnd.pypi.simple.v1+json"

// PyPIConfig PyPI 配置
type PyPIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PyPIClient PyPI JSON API、Simple API 与 RSS 的客户端
type PyPIClient struct {
	httpUpstream
	baseURL string
	log     *log.Helper
}

// NewPyPIClient 创建 PyPI 客户端
func NewPyPIClient(c PyPIConfig, limiter *resilience.IntervalLimiter, policy resilience.RetryPolicy, logger log.Logger) *PyPIClient {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://pypi.org"
	}
	return &PyPIClient{
		httpUpstream: newHTTPUpstream(UpstreamPyPI, c.Timeout, limiter, policy),
		baseURL:      base,
		log:          log.NewHelper(log.With(logger, "module", "infra/pypi")),
	}
}

// Name 上游名称
func (c *PyPIClient) Name() string {
	return UpstreamPyPI
}

type pypiPackage struct {
	Info     domain.Record                       `json:"info"`
	URLs     []interface{}                       `json:"urls"`
	Releases map[string][]map[string]interface{} `json:"releases"`
}

func (c *PyPIClient) packageURL(name, version string) string {
	u := c.baseURL + "/pypi/" + url.PathEscape(name)
	if version != "" {
		u += "/" + url.PathEscape(version)
	}
	return u + "/json"
}

// Fetch 抓取一个包版本的元数据，结构为 info 加 urls；限流由调用方负责
func (c *PyPIClient) Fetch(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
	var pkg pypiPackage
	if err := c.getJSON(ctx, c.packageURL(item.Package(), item.Version()), "application/json", &pkg); err != nil {
		return nil, err
	}
	if pkg.Info == nil {
		return nil, fmt.Errorf("%w: %s has no info", resilience.ErrMalformedResponse, item.ID)
	}
	rec := pkg.Info.Clone()
	if pkg.URLs == nil {
		pkg.URLs = []interface{}{}
	}
	rec["urls"] = pkg.URLs
	if ts, err := strconv.ParseInt(item.Get(domain.CtxTimestamp), 10, 64); err == nil {
		rec["upload_timestamp"] = ts
	}
	return rec, nil
}

// Release 包的一个发布版本
type Release struct {
	Version    string
	UploadTime time.Time
}

// Project 包的概要信息
type Project struct {
	Name        string
	Classifiers []string
	Releases    []Release
}

// Project 读取包的全部版本，版本按字符串排序
func (c *PyPIClient) Project(ctx context.Context, name string) (*Project, error) {
	var pkg pypiPackage
	if err := c.fetchListingJSON(ctx, c.packageURL(name, ""), "application/json", &pkg); err != nil {
		return nil, err
	}
	p := &Project{Name: name, Classifiers: pkg.Info.Strings("classifiers")}
	for version, files := range pkg.Releases {
		r := Release{Version: version}
		if len(files) > 0 {
			if s, ok := files[0]["upload_time"].(string); ok {
				r.UploadTime, _ = time.Parse("2006-01-02T15:04:05", s)
			}
		}
		p.Releases = append(p.Releases, r)
	}
	sort.Slice(p.Releases, func(i, j int) bool { return p.Releases[i].Version < p.Releases[j].Version })
	return p, nil
}

// ProjectNames 通过 Simple API 列出全部包名
func (c *PyPIClient) ProjectNames(ctx context.Context) ([]string, error) {
	var index struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
	u := c.baseURL + "/simple/"
	if err := c.fetchListingJSON(ctx, u, simpleIndexAccept, &index); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if len(index.Projects) == 0 {
		return nil, fmt.Errorf("%w: empty projects list from %s", resilience.ErrMalformedResponse, u)
	}
	names := make([]string, 0, len(index.Projects))
	for _, p := range index.Projects {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	c.log.Infof("got package list with %d projects", len(names))
	return names, nil
}

// Update RSS 中的一条更新
type Update struct {
	Package   string
	Version   string
	Timestamp time.Time
}

var projectLink = regexp.MustCompile(`/project/([^/]+)/?(?:([^/]+)/?)?$`)

// Updates 读取 updates.xml 与 packages.xml，按时间倒序返回
func (c *PyPIClient) Updates(ctx context.Context) ([]Update, error) {
	var all []Update
	for _, feed := range []string{"/rss/updates.xml", "/rss/packages.xml"} {
		updates, err := c.feed(ctx, c.baseURL+feed)
		if err != nil {
			return nil, err
		}
		all = append(all, updates...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	return all, nil
}

func (c *PyPIClient) feed(ctx context.Context, u string) ([]Update, error) {
	data, err := c.fetchListing(ctx, u, "application/rss+xml")
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", u, err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", resilience.ErrMalformedResponse, u, err)
	}

	updates := make([]Update, 0, len(feed.Items))
	for _, item := range feed.Items {
		up, ok := parseFeedItem(item)
		if !ok {
			c.log.Debugf("could not parse feed entry %q", item.Title)
			continue
		}
		updates = append(updates, up)
	}
	c.log.Infof("parsed %d entries from %s", len(updates), u)
	return updates, nil
}

// parseFeedItem 优先从链接解析包名与版本，其次从标题
func parseFeedItem(item *gofeed.Item) (Update, bool) {
	var up Update
	if m := projectLink.FindStringSubmatch(item.Link); m != nil {
		up.Package, up.Version = m[1], m[2]
	}
	if up.Package == "" && item.Title != "" {
		title := strings.TrimSpace(item.Title)
		if name, ok := strings.CutSuffix(title, " added to PyPI"); ok {
			up.Package = strings.TrimSpace(name)
		} else if i := strings.LastIndexByte(title, ' '); i > 0 {
			up.Package, up.Version = strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+1:])
		} else {
			up.Package = title
		}
	}
	if up.Package == "" {
		return Update{}, false
	}
	switch {
	case item.PublishedParsed != nil:
		up.Timestamp = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		up.Timestamp = *item.UpdatedParsed
	}
	return up, true
}
