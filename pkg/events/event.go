package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 事件类型
const (
	// TypePackageUpdated 上游包发生新发布
	TypePackageUpdated = "package.updated"
	// TypePackageRefresh 请求刷新单个包
	TypePackageRefresh = "package.refresh"
	// TypeRunCompleted 一次流水线运行结束
	TypeRunCompleted = "harvest.run.completed"
)

// Event 事件信封
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Subject   string            `json:"subject"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent 创建事件并序列化载荷
func NewEvent(eventType, subject string, payload interface{}) (*Event, error) {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Version:   "v1",
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		e.Data = data
	}
	return e, nil
}

// Decode 反序列化载荷
func (e *Event) Decode(dest interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, dest)
}

// PackagePayload package.updated / package.refresh 事件载荷
type PackagePayload struct {
	Registry  string `json:"registry"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
