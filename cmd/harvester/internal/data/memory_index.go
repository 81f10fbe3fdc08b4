package data

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/resilience"
)

type memoryCollection struct {
	schema domain.CollectionSchema
	docs   map[string]domain.Record
}

// MemoryIndex 进程内索引，语义与 Typesense 一致：文档按 ID 整体替换，
// 集合名可以是别名，别名重指向是单次加锁完成的原子操作。
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	aliases     map[string]string

	// UpsertHook 非空时在每次批量写入前调用，返回错误即整批失败
	UpsertHook func(collection string, docs []domain.IndexDocument) error
	// Reject 非空时返回非空字符串的文档被单独拒绝
	Reject func(doc domain.IndexDocument) string
}

// NewMemoryIndex 创建进程内索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		collections: make(map[string]*memoryCollection),
		aliases:     make(map[string]string),
	}
}

// resolve 调用方需持有锁
func (m *MemoryIndex) resolve(name string) (*memoryCollection, string, error) {
	if target, ok := m.aliases[name]; ok {
		name = target
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, name, &resilience.StatusError{Code: 404, URL: "memory://collections/" + name}
	}
	return c, name, nil
}

// UpsertBatch 批量 upsert
func (m *MemoryIndex) UpsertBatch(ctx context.Context, collection string, docs []domain.IndexDocument) ([]domain.DocumentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.UpsertHook != nil {
		if err := m.UpsertHook(collection, docs); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, _, err := m.resolve(collection)
	if err != nil {
		return nil, err
	}

	results := make([]domain.DocumentResult, len(docs))
	for i, doc := range docs {
		results[i].ID = doc.ID
		if doc.ID == "" {
			results[i].Error = "document has no id"
			continue
		}
		if m.Reject != nil {
			if reason := m.Reject(doc); reason != "" {
				results[i].Error = reason
				continue
			}
		}
		c.docs[doc.ID] = doc.Fields.Clone()
		results[i].Success = true
	}
	return results, nil
}

// DeleteDocument 删除文档
func (m *MemoryIndex) DeleteDocument(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _, err := m.resolve(collection)
	if err != nil {
		return err
	}
	delete(c.docs, id)
	return nil
}

// ExportDocuments 按 ID 顺序导出
func (m *MemoryIndex) ExportDocuments(ctx context.Context, collection string, fn func(domain.IndexDocument) error) error {
	m.mu.RLock()
	c, _, err := m.resolve(collection)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	docs := make([]domain.IndexDocument, 0, len(c.docs))
	for id, fields := range c.docs {
		docs = append(docs, domain.IndexDocument{ID: id, Fields: fields.Clone()})
	}
	m.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollection 创建集合，已存在时报错
func (m *MemoryIndex) CreateCollection(ctx context.Context, schema domain.CollectionSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[schema.Name]; ok {
		return &resilience.StatusError{Code: 409, URL: "memory://collections/" + schema.Name}
	}
	m.collections[schema.Name] = &memoryCollection{schema: schema, docs: make(map[string]domain.Record)}
	return nil
}

// DeleteCollection 删除物理集合，不解析别名
func (m *MemoryIndex) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		return &resilience.StatusError{Code: 404, URL: "memory://collections/" + name}
	}
	delete(m.collections, name)
	return nil
}

// ListCollections 列出物理集合
func (m *MemoryIndex) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpsertAlias 创建或重指向别名，目标必须存在
func (m *MemoryIndex) UpsertAlias(ctx context.Context, alias, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[target]; !ok {
		return fmt.Errorf("alias %s: target %s does not exist", alias, target)
	}
	m.aliases[alias] = target
	return nil
}

// GetAlias 解析别名
func (m *MemoryIndex) GetAlias(ctx context.Context, alias string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.aliases[alias]
	if !ok {
		return "", pkgerrors.ErrAliasNotFound.WithMetadata(map[string]string{"alias": alias})
	}
	return target, nil
}

// Health 进程内索引始终可用
func (m *MemoryIndex) Health(ctx context.Context) error {
	return nil
}

// Document 读取单个文档，name 可以是别名
func (m *MemoryIndex) Document(name, id string) (domain.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, _, err := m.resolve(name)
	if err != nil {
		return nil, false
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Count 集合内文档数，name 可以是别名
func (m *MemoryIndex) Count(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, _, err := m.resolve(name)
	if err != nil {
		return -1
	}
	return len(c.docs)
}
