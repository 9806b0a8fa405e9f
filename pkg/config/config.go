// 配置加载：默认值 < 配置文件 < 环境变量(RTSTREAM_*) < 命令行标志
package config

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/junbin-yang/rtstream/pkg/socket"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RTSTREAM"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log       Log       `mapstructure:"log" yaml:"log"`
	Transport Transport `mapstructure:"transport" yaml:"transport"`
	Node      Node      `mapstructure:"node" yaml:"node"`
	Sim       Sim       `mapstructure:"sim" yaml:"sim"`
}

// Log 日志配置
type Log struct {
	Level        string   `mapstructure:"level" yaml:"level"`
	Format       string   `mapstructure:"format" yaml:"format"`
	Outputs      []string `mapstructure:"outputs" yaml:"outputs"`
	Rotation     string   `mapstructure:"rotation" yaml:"rotation"` // size, time 或空
	MaxSizeMB    int      `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups   int      `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge       Duration `mapstructure:"max_age" yaml:"max_age"`
	RotationTime Duration `mapstructure:"rotation_time" yaml:"rotation_time"`
	Compress     bool     `mapstructure:"compress" yaml:"compress"`
}

// Transport 连接参数
type Transport struct {
	WindowSize       int      `mapstructure:"window_size" yaml:"window_size"`
	BufferSize       int      `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxSegmentSize   int      `mapstructure:"max_segment_size" yaml:"max_segment_size"`
	InitialTimeout   Duration `mapstructure:"initial_timeout" yaml:"initial_timeout"`
	MinTimeout       Duration `mapstructure:"min_timeout" yaml:"min_timeout"`
	MaxTimeout       Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	HandshakeRetries int      `mapstructure:"handshake_retries" yaml:"handshake_retries"`
}

// Route 虚拟地址到UDP端点的静态路由
type Route struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// Node 本地节点：虚拟地址与承载它的UDP套接字
type Node struct {
	Address       string   `mapstructure:"address" yaml:"address"`
	Listen        string   `mapstructure:"listen" yaml:"listen"`
	Port          uint16   `mapstructure:"port" yaml:"port"`
	Backlog       int      `mapstructure:"backlog" yaml:"backlog"`
	TTL           int      `mapstructure:"ttl" yaml:"ttl"`
	TOS           int      `mapstructure:"tos" yaml:"tos"`
	StatsInterval Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
	Routes        []Route  `mapstructure:"routes" yaml:"routes,omitempty"`
}

// Sim 内存网络模拟参数
type Sim struct {
	Loss      float64  `mapstructure:"loss" yaml:"loss"`
	Duplicate float64  `mapstructure:"duplicate" yaml:"duplicate"`
	Corrupt   float64  `mapstructure:"corrupt" yaml:"corrupt"`
	Delay     Duration `mapstructure:"delay" yaml:"delay"`
	Jitter    Duration `mapstructure:"jitter" yaml:"jitter"`
	Seed      int64    `mapstructure:"seed" yaml:"seed"`
	Bytes     int      `mapstructure:"bytes" yaml:"bytes"`
	Timeout   Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Log: Log{
			Level:        "info",
			Format:       "console",
			Outputs:      []string{"stderr"},
			MaxSizeMB:    100,
			MaxBackups:   3,
			MaxAge:       Duration(7 * 24 * time.Hour),
			RotationTime: Duration(24 * time.Hour),
		},
		Transport: Transport{
			WindowSize:       stream.DefaultWindowSize,
			BufferSize:       stream.DefaultBufferSize,
			MaxSegmentSize:   stream.DefaultMaxSegmentSize,
			InitialTimeout:   Duration(stream.DefaultInitialTimeout),
			MinTimeout:       Duration(stream.DefaultMinTimeout),
			MaxTimeout:       Duration(stream.DefaultMaxTimeout),
			HandshakeRetries: stream.DefaultHandshakeRetries,
		},
		Node: Node{
			Address: "10.0.0.1",
			Listen:  ":9000",
			Port:    7,
			Backlog: socket.DefaultBacklog,
		},
		Sim: Sim{
			Loss:    0.1,
			Jitter:  Duration(5 * time.Millisecond),
			Seed:    1,
			Bytes:   64 * 1024,
			Timeout: Duration(30 * time.Second),
		},
	}
}

// New 创建已设置环境变量规则的viper实例，命令行标志可在Load之前绑定到该实例
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置文件（path为空时只使用默认值与环境变量）
func Load(path string) (*Config, error) {
	return LoadViper(New(), path)
}

// LoadViper 以默认配置为底，合并配置文件、环境变量与v上已绑定的标志
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	base, err := Default().Marshal()
	if err != nil {
		return nil, err
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hooks); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	t := c.Transport
	switch {
	case t.WindowSize <= 0:
		return errors.WithMessagef(ErrInvalid, "transport.window_size %d", t.WindowSize)
	case t.MaxSegmentSize <= 0 || t.MaxSegmentSize > segment.MaxPayloadLen:
		return errors.WithMessagef(ErrInvalid, "transport.max_segment_size %d", t.MaxSegmentSize)
	case t.BufferSize < t.MaxSegmentSize:
		return errors.WithMessagef(ErrInvalid, "transport.buffer_size %d smaller than segment size", t.BufferSize)
	case t.MinTimeout <= 0 || t.MaxTimeout < t.MinTimeout:
		return errors.WithMessagef(ErrInvalid, "transport timeout bounds [%s, %s]", t.MinTimeout, t.MaxTimeout)
	case t.InitialTimeout <= 0:
		return errors.WithMessagef(ErrInvalid, "transport.initial_timeout %s", t.InitialTimeout)
	case t.HandshakeRetries <= 0:
		return errors.WithMessagef(ErrInvalid, "transport.handshake_retries %d", t.HandshakeRetries)
	}

	if _, err := c.Node.Addr(); err != nil {
		return err
	}
	if _, err := c.Node.RouteTable(); err != nil {
		return err
	}

	for name, p := range map[string]float64{"loss": c.Sim.Loss, "duplicate": c.Sim.Duplicate, "corrupt": c.Sim.Corrupt} {
		if p < 0 || p > 1 {
			return errors.WithMessagef(ErrInvalid, "sim.%s %v not in [0, 1]", name, p)
		}
	}

	switch strings.ToLower(c.Log.Rotation) {
	case "", "size", "time":
	default:
		return errors.WithMessagef(ErrInvalid, "log.rotation %q", c.Log.Rotation)
	}
	return nil
}

// Marshal 编码为YAML
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}

// Write 将配置写入文件
func (c *Config) Write(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create config dir %s", dir)
		}
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write config %s", path)
}

// Options 转换为连接参数
func (t Transport) Options() stream.Options {
	return stream.Options{
		WindowSize:       t.WindowSize,
		BufferSize:       t.BufferSize,
		MaxSegmentSize:   t.MaxSegmentSize,
		InitialTimeout:   t.InitialTimeout.Std(),
		MinTimeout:       t.MinTimeout.Std(),
		MaxTimeout:       t.MaxTimeout.Std(),
		HandshakeRetries: t.HandshakeRetries,
	}
}

// Options 转换为日志参数
func (l Log) Options() logger.Options {
	return logger.Options{
		Level:   l.Level,
		Format:  l.Format,
		Outputs: l.Outputs,
		Rotation: logger.Rotation{
			Mode:         l.Rotation,
			MaxSizeMB:    l.MaxSizeMB,
			MaxBackups:   l.MaxBackups,
			MaxAge:       l.MaxAge.Std(),
			RotationTime: l.RotationTime.Std(),
			Compress:     l.Compress,
		},
	}
}

// Addr 解析本地虚拟地址
func (n Node) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(n.Address)
	if err != nil {
		return netip.Addr{}, errors.WithMessagef(ErrInvalid, "node.address %q: %v", n.Address, err)
	}
	return addr, nil
}

// RouteTable 解析静态路由
func (n Node) RouteTable() (map[netip.Addr]netip.AddrPort, error) {
	table := make(map[netip.Addr]netip.AddrPort, len(n.Routes))
	for _, r := range n.Routes {
		addr, err := netip.ParseAddr(r.Address)
		if err != nil {
			return nil, errors.WithMessagef(ErrInvalid, "route address %q: %v", r.Address, err)
		}
		ep, err := netip.ParseAddrPort(r.Endpoint)
		if err != nil {
			return nil, errors.WithMessagef(ErrInvalid, "route endpoint %q: %v", r.Endpoint, err)
		}
		table[addr] = ep
	}
	return table, nil
}

// UDPOptions 转换为UDP通道参数
func (n Node) UDPOptions() substrate.UDPOptions {
	return substrate.UDPOptions{Listen: n.Listen, TTL: n.TTL, TOS: n.TOS}
}

// MemOptions 转换为内存网络参数
func (s Sim) MemOptions() substrate.MemOptions {
	return substrate.MemOptions{
		Loss:      s.Loss,
		Duplicate: s.Duplicate,
		Corrupt:   s.Corrupt,
		Delay:     s.Delay.Std(),
		Jitter:    s.Jitter.Std(),
		Seed:      s.Seed,
	}
}
