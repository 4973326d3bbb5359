package config_test

import (
	"os"
	"testing"

	"meshcore/pkg/config"
)

func TestConfigLoading(t *testing.T) {
	t.Run("Default_Configuration", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if cfg.Connection.MTU != 20 {
			t.Errorf("Expected default MTU 20, got %d", cfg.Connection.MTU)
		}

		if cfg.ConnMgr.OutMeshMax != 3 {
			t.Errorf("Expected default out_mesh_max 3, got %d", cfg.ConnMgr.OutMeshMax)
		}

		if cfg.Clustering.NumNodesForDecision != 4 {
			t.Errorf("Expected default num_nodes_for_decision 4, got %d", cfg.Clustering.NumNodesForDecision)
		}

		if cfg.Logging.Level != "info" {
			t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
		}
	})

	t.Run("YAML_Configuration_Loading", func(t *testing.T) {
		yamlContent := `
node:
  id: "node-42"
  device_type: "sink"

connection_manager:
  out_mesh_max: 4
  in_mesh_max: 2
  app_max: 2
  max_small: 5
  max_large: 8

clustering:
  num_nodes_for_decision: 6
  stable_rssi_threshold_dbm: -90

logging:
  level: "debug"
  log_file: "/var/log/meshcore.log"
`
		tmpfile, err := os.CreateTemp("", "meshcore-test-*.yaml")
		if err != nil {
			t.Fatalf("Failed to create temp file: %v", err)
		}
		defer os.Remove(tmpfile.Name())

		if _, err := tmpfile.Write([]byte(yamlContent)); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		tmpfile.Close()

		cfg, err := config.Load(tmpfile.Name())
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		if cfg.Node.ID != "node-42" {
			t.Errorf("Expected node id 'node-42', got %s", cfg.Node.ID)
		}
		if cfg.Node.DeviceType != "sink" {
			t.Errorf("Expected device_type 'sink', got %s", cfg.Node.DeviceType)
		}
		if cfg.ConnMgr.OutMeshMax != 4 {
			t.Errorf("Expected out_mesh_max 4, got %d", cfg.ConnMgr.OutMeshMax)
		}
		if cfg.Clustering.NumNodesForDecision != 6 {
			t.Errorf("Expected num_nodes_for_decision 6, got %d", cfg.Clustering.NumNodesForDecision)
		}
		if cfg.Clustering.StableRSSIThreshold != -90 {
			t.Errorf("Expected stable_rssi_threshold_dbm -90, got %d", cfg.Clustering.StableRSSIThreshold)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("Configuration_Validation", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if err := cfg.Validate(); err != nil {
			t.Errorf("Default config should be valid: %v", err)
		}

		cfg.Node.ID = ""
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for empty node ID")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.Node.DeviceType = "toaster"
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for invalid device type")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.Connection.MTU = 2
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for too-small MTU")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.ConnMgr.MaxLarge = 1
		cfg.ConnMgr.MaxSmall = 5
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for max_large < max_small")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.RecordStore.NumPages = 1
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for num_pages < 2")
		}
	})
}

func TestClusteringConfiguration(t *testing.T) {
	t.Run("Decision_Weights_Round_Trip", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		cfg.Clustering.WeightFreeSlots = 2.5
		cfg.Clustering.WeightRSSI = 0.3
		if err := cfg.Validate(); err != nil {
			t.Errorf("Valid clustering config should pass validation: %v", err)
		}

		cfg.Clustering.BackoffMax = cfg.Clustering.BackoffBase / 2
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error when backoff_max < backoff_base")
		}
	})
}

func TestConnectionManagerConfiguration(t *testing.T) {
	t.Run("Slot_Limits", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		cfg.ConnMgr.OutMeshMax = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for negative slot limit")
		}
	})
}
