package data

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
)

// NewIndexClient 按配置选择索引后端
func NewIndexClient(c *Config, logger log.Logger) (domain.IndexClient, error) {
	switch c.IndexBackend {
	case "", "typesense":
		return NewTypesenseClient(&c.Typesense, logger)
	case "memory":
		log.NewHelper(logger).Warn("using in-memory index, documents are not persisted")
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", c.IndexBackend)
	}
}

func noIndex() *bool {
	b := false
	return &b
}

// PackagesSchema 包索引集合结构，名称由版本管理器填写
func PackagesSchema() domain.CollectionSchema {
	return domain.CollectionSchema{
		Fields: []domain.Field{
			{Name: "name", Type: "string", Facet: true},
			{Name: "name_sortable", Type: "string", Facet: true, Sort: true},
			{Name: "version", Type: "string"},
			{Name: "version_raw", Type: "string", Facet: true, Sort: true, Optional: true},
			{Name: "version_major", Type: "int32", Sort: true, Optional: true},
			{Name: "version_minor", Type: "int32", Sort: true, Optional: true},
			{Name: "version_bugfix", Type: "int32", Sort: true, Optional: true},
			{Name: "version_postfix", Type: "string", Sort: true, Optional: true},
			{Name: "version_sortable", Type: "string", Facet: true, Sort: true, Optional: true},
			{Name: "summary", Type: "string", Optional: true},
			{Name: "description", Type: "string", Optional: true},
			{Name: "author", Type: "string", Optional: true},
			{Name: "license", Type: "string", Optional: true},
			{Name: "keywords", Type: "string[]", Facet: true, Optional: true},
			{Name: "classifiers", Type: "string[]", Facet: true, Optional: true},
			{Name: "framework_versions", Type: "string[]", Facet: true, Optional: true},
			{Name: "python_versions", Type: "string[]", Facet: true, Optional: true},
			{Name: "requires_dist", Type: "string[]", Optional: true},
			{Name: "home_page", Type: "string", Index: noIndex(), Optional: true},
			{Name: "project_urls", Type: "auto", Index: noIndex(), Optional: true},
			{Name: "urls", Type: "auto", Index: noIndex(), Optional: true},
			{Name: "upload_timestamp", Type: "int64", Sort: true, Optional: true},
			{Name: "yanked", Type: "bool", Optional: true},
			{Name: "registry", Type: "string", Facet: true, Optional: true},
			{Name: "npm_scope", Type: "string", Facet: true, Optional: true},
			{Name: "npm_quality_score", Type: "float", Sort: true, Optional: true},
			{Name: "npm_popularity_score", Type: "float", Sort: true, Optional: true},
			{Name: "npm_maintenance_score", Type: "float", Sort: true, Optional: true},
			{Name: "npm_final_score", Type: "float", Sort: true, Optional: true},
			{Name: "repository_url", Type: "string", Index: noIndex(), Optional: true},
			{Name: "github_stars", Type: "int32", Sort: true, Optional: true},
			{Name: "github_watchers", Type: "int32", Sort: true, Optional: true},
			{Name: "github_open_issues", Type: "int32", Sort: true, Optional: true},
			{Name: "github_archived", Type: "bool", Facet: true, Optional: true},
			{Name: "github_updated", Type: "int64", Sort: true, Optional: true},
			{Name: ".*", Type: "auto", Optional: true},
		},
		DefaultSortingField: "name_sortable",
		EnableNestedFields:  true,
		TokenSeparators:     []string{".", "-", "_", "@", "/"},
	}
}
