package eventmesh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file/env configuration of a Node.
type Config struct {
	NodeID    string          `yaml:"node_id"`
	LogLevel  string          `yaml:"log_level"`
	Transport string          `yaml:"transport"` // "mesh" or "kafka"
	Mesh      MeshConfig      `yaml:"mesh"`
	Directory DirectoryConfig `yaml:"directory"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Service   ServiceConfig   `yaml:"service"`
	Admin     AdminConfig     `yaml:"admin"`
}

type MeshConfig struct {
	Listen string `yaml:"listen"`
	// Advertise is the address other nodes dial. Defaults to Listen when
	// Listen names a concrete host; a zero port is replaced by the bound one.
	Advertise          string        `yaml:"advertise"`
	Path               string        `yaml:"path"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	InitialDelay       time.Duration `yaml:"initial_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SendBuffer         int           `yaml:"send_buffer"`
	MaxFrameSize       int64         `yaml:"max_frame_size"`
	MaxConcurrentDials int           `yaml:"max_concurrent_dials"`
	DialRate           float64       `yaml:"dial_rate"`
	DialBurst          int           `yaml:"dial_burst"`
}

type DirectoryConfig struct {
	Kind          string        `yaml:"kind"` // "static", "postgres" or "redis"
	Members       []string      `yaml:"members"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	Migrate       bool          `yaml:"migrate"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	GroupPrefix string   `yaml:"group_prefix"`
}

type ServiceConfig struct {
	QueueSize      int `yaml:"queue_size"`
	FailureLogSize int `yaml:"failure_log_size"`
}

type AdminConfig struct {
	// Addr is the admin HTTP address. Empty disables the admin server.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a single-node mesh configuration with a static
// directory.
func DefaultConfig() Config {
	tc := defaultTransportConfig()
	sc := defaultServiceConfig()
	return Config{
		LogLevel:  "info",
		Transport: "mesh",
		Mesh: MeshConfig{
			Listen:             tc.listenAddr,
			Path:               tc.path,
			ReconcileInterval:  tc.reconcileInterval,
			InitialDelay:       tc.initialDelay,
			ConnectTimeout:     tc.connectTimeout,
			WriteTimeout:       tc.writeTimeout,
			SendBuffer:         tc.sendBuffer,
			MaxFrameSize:       tc.maxFrameSize,
			MaxConcurrentDials: tc.maxConcurrentDials,
			DialRate:           float64(tc.dialRate),
			DialBurst:          tc.dialBurst,
		},
		Directory: DirectoryConfig{
			Kind:          "static",
			Prefix:        "eventmesh:",
			LeaseDuration: 20 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:       "eventmesh.events",
			GroupPrefix: "eventmesh-",
		},
		Service: ServiceConfig{
			QueueSize:      sc.queueSize,
			FailureLogSize: sc.failureLogSize,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from EVENTMESH_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.NodeID, "EVENTMESH_NODE_ID")
	setString(&c.LogLevel, "EVENTMESH_LOG_LEVEL")
	setString(&c.Transport, "EVENTMESH_TRANSPORT")
	setString(&c.Mesh.Listen, "EVENTMESH_LISTEN")
	setString(&c.Mesh.Advertise, "EVENTMESH_ADVERTISE")
	setString(&c.Mesh.Path, "EVENTMESH_PATH")
	setString(&c.Directory.Kind, "EVENTMESH_DIRECTORY")
	setList(&c.Directory.Members, "EVENTMESH_MEMBERS")
	setString(&c.Directory.PostgresDSN, "EVENTMESH_POSTGRES_DSN")
	setString(&c.Directory.RedisAddr, "EVENTMESH_REDIS_ADDR")
	setString(&c.Directory.RedisPassword, "EVENTMESH_REDIS_PASSWORD")
	setString(&c.Directory.Prefix, "EVENTMESH_PREFIX")
	setList(&c.Kafka.Brokers, "EVENTMESH_KAFKA_BROKERS")
	setString(&c.Kafka.Topic, "EVENTMESH_KAFKA_TOPIC")
	setString(&c.Admin.Addr, "EVENTMESH_ADMIN_ADDR")

	if err := setInt(&c.Directory.RedisDB, "EVENTMESH_REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&c.Service.QueueSize, "EVENTMESH_QUEUE_SIZE"); err != nil {
		return err
	}
	if err := setDuration(&c.Mesh.ReconcileInterval, "EVENTMESH_RECONCILE_INTERVAL"); err != nil {
		return err
	}
	return setDuration(&c.Directory.LeaseDuration, "EVENTMESH_LEASE_DURATION")
}

// Validate checks the fields a Node cannot start without.
func (c *Config) Validate() error {
	switch c.Transport {
	case "mesh":
		if c.Mesh.Listen == "" {
			return fmt.Errorf("%w: mesh.listen is required", ErrInvalidArgument)
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers is required", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidArgument, c.Transport)
	}

	switch c.Directory.Kind {
	case "static":
	case "postgres":
		if c.Directory.PostgresDSN == "" {
			return fmt.Errorf("%w: directory.postgres_dsn is required", ErrInvalidArgument)
		}
	case "redis":
		if c.Directory.RedisAddr == "" {
			return fmt.Errorf("%w: directory.redis_addr is required", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown directory kind %q", ErrInvalidArgument, c.Directory.Kind)
	}

	// Shared directories publish our address to other hosts; a wildcard
	// bind address would make every peer dial itself.
	if c.Transport == "mesh" && c.Directory.Kind != "static" && c.advertiseAddr() == "" {
		return fmt.Errorf("%w: mesh.advertise is required when mesh.listen %q has no routable host", ErrInvalidArgument, c.Mesh.Listen)
	}

	_, err := ParseLevel(c.LogLevel)
	return err
}

// advertiseAddr is the address this node publishes in the directory, or
// "" when neither Advertise nor Listen names a host other nodes can reach.
func (c *Config) advertiseAddr() string {
	if c.Mesh.Advertise != "" {
		return c.Mesh.Advertise
	}
	if routableAddr(c.Mesh.Listen) {
		return c.Mesh.Listen
	}
	return ""
}

// routableAddr reports whether addr is a host:port whose host is neither
// empty nor a wildcard such as 0.0.0.0 or ::.
func routableAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return false
	}
	return true
}

// transportOptions maps the mesh section onto transport options.
func (c *Config) transportOptions() []Option {
	m := c.Mesh
	opts := []Option{WithListenAddr(m.Listen)}
	if a := c.advertiseAddr(); a != "" {
		opts = append(opts, WithAdvertiseAddr(a))
	}
	if m.Path != "" {
		opts = append(opts, WithPath(m.Path))
	}
	if m.ReconcileInterval > 0 {
		opts = append(opts, WithReconcileInterval(m.ReconcileInterval))
	}
	if m.InitialDelay > 0 {
		opts = append(opts, WithInitialDelay(m.InitialDelay))
	}
	if m.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(m.ConnectTimeout))
	}
	if m.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(m.WriteTimeout))
	}
	if m.SendBuffer > 0 {
		opts = append(opts, WithSendBuffer(m.SendBuffer))
	}
	if m.MaxFrameSize > 0 {
		opts = append(opts, WithMaxFrameSize(m.MaxFrameSize))
	}
	if m.MaxConcurrentDials > 0 && m.DialRate > 0 && m.DialBurst > 0 {
		opts = append(opts, WithDialLimits(m.MaxConcurrentDials, m.DialRate, m.DialBurst))
	}
	return opts
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
	}
	*dst = d
	return nil
}
