package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/spf13/viper"
)

// ConfigMode 配置模式
type ConfigMode string

const (
	// ModeLocal 本地配置模式
	ModeLocal ConfigMode = "local"
	// ModeNacos Nacos配置中心模式
	ModeNacos ConfigMode = "nacos"
)

// NacosConfig Nacos配置
type NacosConfig struct {
	ServerAddr string `mapstructure:"server_addr" yaml:"server_addr"`
	ServerPort uint64 `mapstructure:"server_port" yaml:"server_port"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
	Group      string `mapstructure:"group" yaml:"group"`
	DataID     string `mapstructure:"data_id" yaml:"data_id"`
	Username   string `mapstructure:"username" yaml:"username"`
	Password   string `mapstructure:"password" yaml:"password"`
	LogDir     string `mapstructure:"log_dir" yaml:"log_dir"`
	CacheDir   string `mapstructure:"cache_dir" yaml:"cache_dir"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	TimeoutMs  uint64 `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// Options 配置加载选项
type Options struct {
	// ConfigPath 本地配置文件路径（本地模式下为完整配置，Nacos 模式下为连接配置）
	ConfigPath string
	// ServiceName 服务名称，用作 Nacos DataID 前缀
	ServiceName string
	// EnvPrefix 环境变量前缀，为空时使用服务名大写
	EnvPrefix string
	// Defaults 默认值
	Defaults map[string]interface{}
	// RequiredKeys 必需的配置键
	RequiredKeys []string
}

// Manager 配置管理器
type Manager struct {
	mode        ConfigMode
	nacosClient config_client.IConfigClient
	nacosConfig *NacosConfig
	viper       *viper.Viper

	mu       sync.RWMutex
	onChange []func(*Manager)
}

// NewManager 创建配置管理器
func NewManager() *Manager {
	return &Manager{
		viper: viper.New(),
	}
}

// Load 按选项创建并加载配置
func Load(opts Options) (*Manager, error) {
	m := NewManager()
	for k, v := range opts.Defaults {
		m.viper.SetDefault(k, v)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = strings.ToUpper(strings.ReplaceAll(opts.ServiceName, "-", "_"))
	}
	m.viper.SetEnvPrefix(prefix)
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	m.viper.AutomaticEnv()

	if err := m.LoadConfig(opts.ConfigPath, opts.ServiceName); err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range opts.RequiredKeys {
		if !m.viper.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config keys: %v", missing)
	}
	return m, nil
}

// LoadConfig 加载配置
// configPath: 本地配置文件路径（用于本地模式或Nacos连接配置）
// serviceName: 服务名称（用作Nacos DataID的前缀）
func (m *Manager) LoadConfig(configPath, serviceName string) error {
	mode := os.Getenv("CONFIG_MODE")
	if mode == "" {
		mode = string(ModeLocal)
	}
	m.mode = ConfigMode(strings.ToLower(mode))

	switch m.mode {
	case ModeNacos:
		return m.loadFromNacos(configPath, serviceName)
	case ModeLocal:
		return m.loadFromLocal(configPath)
	default:
		return fmt.Errorf("unsupported config mode: %s", mode)
	}
}

// loadFromLocal 从本地文件加载配置，路径为空时仅使用默认值与环境变量
func (m *Manager) loadFromLocal(configPath string) error {
	if configPath == "" {
		return nil
	}
	m.viper.SetConfigFile(configPath)
	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read local config failed: %w", err)
	}
	return nil
}

// loadFromNacos 从Nacos配置中心加载配置
func (m *Manager) loadFromNacos(configPath, serviceName string) error {
	localViper := viper.New()
	localViper.SetConfigFile(configPath)
	if err := localViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read nacos connection config failed: %w", err)
	}

	m.nacosConfig = &NacosConfig{}
	if err := localViper.UnmarshalKey("nacos", m.nacosConfig); err != nil {
		return fmt.Errorf("unmarshal nacos config failed: %w", err)
	}
	m.nacosConfig.applyEnv(serviceName)

	serverConfigs := []constant.ServerConfig{
		*constant.NewServerConfig(
			m.nacosConfig.ServerAddr,
			m.nacosConfig.ServerPort,
			constant.WithContextPath("/nacos"),
		),
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNamespaceId(m.nacosConfig.Namespace),
		constant.WithTimeoutMs(m.nacosConfig.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir(m.nacosConfig.LogDir),
		constant.WithCacheDir(m.nacosConfig.CacheDir),
		constant.WithLogLevel(m.nacosConfig.LogLevel),
		constant.WithUsername(m.nacosConfig.Username),
		constant.WithPassword(m.nacosConfig.Password),
	)

	configClient, err := clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return fmt.Errorf("create nacos client failed: %w", err)
	}
	m.nacosClient = configClient

	content, err := configClient.GetConfig(vo.ConfigParam{
		DataId: m.nacosConfig.DataID,
		Group:  m.nacosConfig.Group,
	})
	if err != nil {
		return fmt.Errorf("get config from nacos failed: %w", err)
	}

	m.viper.SetConfigType("yaml")
	if err := m.viper.ReadConfig(strings.NewReader(content)); err != nil {
		return fmt.Errorf("parse nacos config failed: %w", err)
	}

	return m.nacosClient.ListenConfig(vo.ConfigParam{
		DataId: m.nacosConfig.DataID,
		Group:  m.nacosConfig.Group,
		OnChange: func(namespace, group, dataId, data string) {
			if err := m.reload(data); err != nil {
				fmt.Fprintf(os.Stderr, "reload config %s/%s failed: %v\n", group, dataId, err)
			}
		},
	})
}

// applyEnv 环境变量覆盖并补全默认值
func (c *NacosConfig) applyEnv(serviceName string) {
	if addr := os.Getenv("NACOS_SERVER_ADDR"); addr != "" {
		c.ServerAddr = addr
	}
	if ns := os.Getenv("NACOS_NAMESPACE"); ns != "" {
		c.Namespace = ns
	}
	if group := os.Getenv("NACOS_GROUP"); group != "" {
		c.Group = group
	}
	if dataID := os.Getenv("NACOS_DATA_ID"); dataID != "" {
		c.DataID = dataID
	} else if c.DataID == "" {
		c.DataID = serviceName + ".yaml"
	}
	if username := os.Getenv("NACOS_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv("NACOS_PASSWORD"); password != "" {
		c.Password = password
	}

	if c.ServerPort == 0 {
		c.ServerPort = 8848
	}
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.LogDir == "" {
		c.LogDir = "/tmp/nacos/log"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/tmp/nacos/cache"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
}

// reload 使用新内容重新加载并通知订阅者
func (m *Manager) reload(data string) error {
	m.viper.SetConfigType("yaml")
	if err := m.viper.ReadConfig(strings.NewReader(data)); err != nil {
		return err
	}
	m.mu.RLock()
	hooks := append([]func(*Manager){}, m.onChange...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(m)
	}
	return nil
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(*Manager)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Unmarshal 解析配置到结构体
func (m *Manager) Unmarshal(rawVal interface{}) error {
	return m.viper.Unmarshal(rawVal)
}

// GetMode 获取配置模式
func (m *Manager) GetMode() ConfigMode {
	return m.mode
}

// Close 关闭配置管理器
func (m *Manager) Close() error {
	if m.nacosClient != nil {
		return m.nacosClient.CancelListenConfig(vo.ConfigParam{
			DataId: m.nacosConfig.DataID,
			Group:  m.nacosConfig.Group,
		})
	}
	return nil
}
