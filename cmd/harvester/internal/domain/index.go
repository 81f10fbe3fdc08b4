package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// IndexDocument 可索引文档，按 ID upsert，整体替换
type IndexDocument struct {
	ID     string
	Fields Record
}

// Body 返回包含 id 字段的文档体
func (d IndexDocument) Body() Record {
	body := d.Fields.Clone()
	body["id"] = d.ID
	return body
}

// DocumentResult 单文档写入结果
type DocumentResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Field 集合字段定义
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Facet    bool   `json:"facet,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Sort     bool   `json:"sort,omitempty"`
	Index    *bool  `json:"index,omitempty"`
}

// CollectionSchema 集合结构
type CollectionSchema struct {
	Name                string   `json:"name"`
	Fields              []Field  `json:"fields"`
	DefaultSortingField string   `json:"default_sorting_field,omitempty"`
	EnableNestedFields  bool     `json:"enable_nested_fields,omitempty"`
	TokenSeparators     []string `json:"token_separators,omitempty"`
}

// WithName 返回指定名称的副本
func (s CollectionSchema) WithName(name string) CollectionSchema {
	out := s
	out.Name = name
	out.Fields = append([]Field(nil), s.Fields...)
	out.TokenSeparators = append([]string(nil), s.TokenSeparators...)
	return out
}

// CollectionGeneration 物理集合的一代
type CollectionGeneration struct {
	Base string `json:"base"`
	Seq  int    `json:"seq"`
}

// PhysicalName 物理集合名 base-seq
func (g CollectionGeneration) PhysicalName() string {
	return fmt.Sprintf("%s-%d", g.Base, g.Seq)
}

// Next 下一代
func (g CollectionGeneration) Next() CollectionGeneration {
	return CollectionGeneration{Base: g.Base, Seq: g.Seq + 1}
}

// String 同 PhysicalName
func (g CollectionGeneration) String() string {
	return g.PhysicalName()
}

// ParseVersionedName 解析 base-N 形式的物理集合名
func ParseVersionedName(name string) (CollectionGeneration, bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return CollectionGeneration{}, false
	}
	seq, err := strconv.Atoi(name[i+1:])
	if err != nil || seq < 1 {
		return CollectionGeneration{}, false
	}
	return CollectionGeneration{Base: name[:i], Seq: seq}, true
}

// NextVersion 根据现有集合名计算 base 的下一代，取最大序号加一
func NextVersion(base string, existing []string) CollectionGeneration {
	next := CollectionGeneration{Base: base, Seq: 1}
	for _, name := range existing {
		g, ok := ParseVersionedName(name)
		if !ok || g.Base != base {
			continue
		}
		if g.Seq >= next.Seq {
			next.Seq = g.Seq + 1
		}
	}
	return next
}
