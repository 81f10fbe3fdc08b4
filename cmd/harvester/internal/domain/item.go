package domain

import (
	"maps"
)

// WorkItem 上下文键
const (
	CtxUpstream  = "upstream"
	CtxPackage   = "package"
	CtxVersion   = "version"
	CtxTimestamp = "timestamp"
)

// WorkItem 一个抓取工作单元，入队后不可变
type WorkItem struct {
	ID      string
	Context map[string]string
}

// NewWorkItem 创建工作单元，context 会被复制
func NewWorkItem(id string, context map[string]string) WorkItem {
	return WorkItem{ID: id, Context: maps.Clone(context)}
}

// NewReleaseItem 创建包版本工作单元，ID 为 name-version
func NewReleaseItem(upstream, name, version string) WorkItem {
	id := name
	if version != "" {
		id = name + "-" + version
	}
	return WorkItem{
		ID: id,
		Context: map[string]string{
			CtxUpstream: upstream,
			CtxPackage:  name,
			CtxVersion:  version,
		},
	}
}

// Get 读取上下文值
func (w WorkItem) Get(key string) string {
	if w.Context == nil {
		return ""
	}
	return w.Context[key]
}

// Upstream 所属上游
func (w WorkItem) Upstream() string {
	return w.Get(CtxUpstream)
}

// Package 包名，未设置时退回 ID
func (w WorkItem) Package() string {
	if p := w.Get(CtxPackage); p != "" {
		return p
	}
	return w.ID
}

// Version 版本号
func (w WorkItem) Version() string {
	return w.Get(CtxVersion)
}

// Status 抓取结果状态
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNotFound       Status = "not_found"
	StatusTransientError Status = "transient_error"
	StatusTerminalError  Status = "terminal_error"
)

// Record 上游返回的结构化记录
type Record map[string]interface{}

// Clone 浅拷贝
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	return maps.Clone(r)
}

// String 读取字符串字段
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Strings 读取字符串列表字段，兼容 []interface{}
func (r Record) Strings(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// FetchOutcome 单个工作单元一次抓取尝试集的结果
type FetchOutcome struct {
	ID       string
	Item     WorkItem
	Payload  Record
	Status   Status
	Attempts int
	Err      error
}

// OK 是否成功
func (o FetchOutcome) OK() bool {
	return o.Status == StatusSuccess
}

// DedupKey 去重键
type DedupKey struct {
	Namespace string
	Subject   string
}

// String 存储键
func (k DedupKey) String() string {
	return k.Namespace + ":" + k.Subject
}
