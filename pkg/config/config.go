package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration, one struct per §2 subsystem.
type Config struct {
	Node        NodeConfig              `yaml:"node"`
	RecordStore RecordStoreConfig       `yaml:"record_store"`
	PacketQueue PacketQueueConfig       `yaml:"packet_queue"`
	Connection  ConnectionConfig        `yaml:"connection"`
	ConnMgr     ConnectionManagerConfig `yaml:"connection_manager"`
	Clustering  ClusteringConfig        `yaml:"clustering"`
	Logging     LoggingConfig           `yaml:"logging"`
}

// NodeConfig identifies this node within the mesh.
type NodeConfig struct {
	ID         string `yaml:"id"`
	DataDir    string `yaml:"data_dir"`
	DeviceType string `yaml:"device_type"` // static, sink, asset, relay
}

// RecordStoreConfig configures the flash-backed record store.
type RecordStoreConfig struct {
	NumPages       int           `yaml:"num_pages"`
	PageSize       int           `yaml:"page_size"`
	DefragInterval time.Duration `yaml:"defrag_interval"`
	FlashWriteRetries int        `yaml:"flash_write_retries"`
}

// PacketQueueConfig configures fragmentation and per-connection queuing.
type PacketQueueConfig struct {
	MaxQueueDepth   int `yaml:"max_queue_depth"`
	MaxSendRetries  int `yaml:"max_send_retries"`
	ReassemblyLimit int `yaml:"reassembly_limit"` // max outstanding partial fragments per connection
}

// ConnectionConfig configures a single mesh/app connection's state machine timers.
type ConnectionConfig struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ReestablishTimeout time.Duration `yaml:"reestablish_timeout"`
	MTU                int           `yaml:"mtu"`
}

// ConnectionManagerConfig configures connection-slot arbitration.
type ConnectionManagerConfig struct {
	OutMeshMax int `yaml:"out_mesh_max"`
	InMeshMax  int `yaml:"in_mesh_max"`
	AppMax     int `yaml:"app_max"`
	MaxSmall   int `yaml:"max_small"`
	MaxLarge   int `yaml:"max_large"`
}

// ClusteringConfig configures the discovery/decision engine.
type ClusteringConfig struct {
	AdvIntervalHighMs         int           `yaml:"adv_interval_high_ms"`
	ScanWindowHighMs          int           `yaml:"scan_window_high_ms"`
	ScanIntervalHighMs        int           `yaml:"scan_interval_high_ms"`
	HighToLowDiscoveryTimeSec int           `yaml:"high_to_low_discovery_time_sec"`
	MaxTimeUntilDecision      time.Duration `yaml:"max_time_until_decision"`
	NumNodesForDecision       int           `yaml:"num_nodes_for_decision"`
	StableRSSIThreshold       int8          `yaml:"stable_rssi_threshold_dbm"`
	WeightFreeSlots           float64       `yaml:"weight_free_slots"`
	WeightRSSI                float64       `yaml:"weight_rssi"`
	WeightSmallerCluster      float64       `yaml:"weight_smaller_cluster"`
	WeightBiggerClusterId     float64       `yaml:"weight_bigger_cluster_id"`
	BackoffBase               time.Duration `yaml:"backoff_base"`
	BackoffMax                time.Duration `yaml:"backoff_max"`
	RecentAdvertisementCacheSize int        `yaml:"recent_advertisement_cache_size"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level         string `yaml:"level"` // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Load reads and parses the node configuration file, applying production
// defaults first and overlaying whatever the file specifies.
func Load(path string) (*Config, error) {
	config := &Config{
		Node: NodeConfig{
			ID:         "mesh-node-1",
			DataDir:    "/tmp/meshcore",
			DeviceType: "static",
		},
		RecordStore: RecordStoreConfig{
			NumPages:          4,
			PageSize:          4096,
			DefragInterval:    time.Hour,
			FlashWriteRetries: 3,
		},
		PacketQueue: PacketQueueConfig{
			MaxQueueDepth:   20,
			MaxSendRetries:  3,
			ReassemblyLimit: 4,
		},
		Connection: ConnectionConfig{
			HandshakeTimeout:   4 * time.Second,
			ReestablishTimeout: 10 * time.Second,
			MTU:                20,
		},
		ConnMgr: ConnectionManagerConfig{
			OutMeshMax: 3,
			InMeshMax:  2,
			AppMax:     2,
			MaxSmall:   5,
			MaxLarge:   8,
		},
		Clustering: ClusteringConfig{
			AdvIntervalHighMs:            100,
			ScanWindowHighMs:             30,
			ScanIntervalHighMs:           60,
			HighToLowDiscoveryTimeSec:    60,
			MaxTimeUntilDecision:         2 * time.Second,
			NumNodesForDecision:          4,
			StableRSSIThreshold:          -85,
			WeightFreeSlots:              1.0,
			WeightRSSI:                   0.1,
			WeightSmallerCluster:         2.0,
			WeightBiggerClusterId:        1.0,
			BackoffBase:                  time.Second,
			BackoffMax:                   time.Minute,
			RecentAdvertisementCacheSize: 64,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    true,
			LogFile:       "",
			BufferSize:    1000,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate rejects out-of-range configuration synchronously.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if !isValidDeviceType(c.Node.DeviceType) {
		return fmt.Errorf("node.device_type must be one of static, sink, asset, relay")
	}
	if c.RecordStore.NumPages < 2 {
		return fmt.Errorf("record_store.num_pages must be >= 2 (one swap page required)")
	}
	if c.RecordStore.PageSize <= 0 {
		return fmt.Errorf("record_store.page_size must be positive")
	}
	if c.PacketQueue.MaxQueueDepth <= 0 {
		return fmt.Errorf("packet_queue.max_queue_depth must be positive")
	}
	if c.PacketQueue.MaxSendRetries < 0 {
		return fmt.Errorf("packet_queue.max_send_retries must be >= 0")
	}
	if c.Connection.MTU <= 6 {
		return fmt.Errorf("connection.mtu must be large enough to carry the fragmentation envelope (> 6 bytes)")
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return fmt.Errorf("connection.handshake_timeout must be positive")
	}
	if c.ConnMgr.OutMeshMax < 0 || c.ConnMgr.InMeshMax < 0 || c.ConnMgr.AppMax < 0 {
		return fmt.Errorf("connection_manager slot limits must be >= 0")
	}
	if c.ConnMgr.MaxSmall <= 0 || c.ConnMgr.MaxLarge < c.ConnMgr.MaxSmall {
		return fmt.Errorf("connection_manager.max_large must be >= max_small, and max_small must be positive")
	}
	if c.Clustering.NumNodesForDecision <= 0 {
		return fmt.Errorf("clustering.num_nodes_for_decision must be positive")
	}
	if c.Clustering.MaxTimeUntilDecision <= 0 {
		return fmt.Errorf("clustering.max_time_until_decision must be positive")
	}
	if c.Clustering.BackoffMax < c.Clustering.BackoffBase {
		return fmt.Errorf("clustering.backoff_max must be >= backoff_base")
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, fatal")
	}
	return nil
}

func isValidDeviceType(t string) bool {
	switch t {
	case "static", "sink", "asset", "relay":
		return true
	}
	return false
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error", "fatal":
		return true
	}
	return false
}
