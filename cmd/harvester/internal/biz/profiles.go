package biz

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	pkgerrors "pkgharvest/pkg/errors"
)

// NpmProfile npm 侧的检索条件
type NpmProfile struct {
	Keywords []string `yaml:"keywords" mapstructure:"keywords" json:"keywords,omitempty"`
	Scopes   []string `yaml:"scopes" mapstructure:"scopes" json:"scopes,omitempty"`
}

// Profile 一个框架生态的收录配置，名称同时是默认别名
type Profile struct {
	Name        string     `yaml:"name" mapstructure:"name" json:"name"`
	Classifiers []string   `yaml:"classifiers" mapstructure:"classifiers" json:"classifiers"`
	Npm         NpmProfile `yaml:"npm" mapstructure:"npm" json:"npm"`
}

// Validate 校验必填字段
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile missing name")
	}
	if len(p.Classifiers) == 0 {
		return fmt.Errorf("profile %s has empty classifiers", p.Name)
	}
	return nil
}

// Profiles 按标识索引的配置集合
type Profiles map[string]Profile

// Get 查找并校验 profile
func (ps Profiles) Get(id string) (Profile, error) {
	p, ok := ps[id]
	if !ok {
		return Profile{}, pkgerrors.NewInvalidProfile(id, fmt.Sprintf("profile %q not found", id))
	}
	if p.Name == "" {
		p.Name = id
	}
	if err := p.Validate(); err != nil {
		return Profile{}, pkgerrors.NewInvalidProfile(id, err.Error())
	}
	return p, nil
}

// Names 排序后的 profile 标识
func (ps Profiles) Names() []string {
	names := make([]string, 0, len(ps))
	for id := range ps {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

type profilesFile struct {
	Profiles Profiles `yaml:"profiles"`
}

// LoadProfiles 从 YAML 文件读取 profiles
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles 解析 profiles YAML，要求顶层有 profiles 键
func ParseProfiles(data []byte) (Profiles, error) {
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid profiles yaml: %w", err)
	}
	if f.Profiles == nil {
		return nil, fmt.Errorf("invalid profiles: missing 'profiles' key")
	}
	return f.Profiles, nil
}
