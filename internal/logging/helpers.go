package logging

import (
	"fmt"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors pkg/config.LoggingConfig so this package stays
// independent of the config package's import graph.
type LogConfig struct {
	Level         string
	EnableConsole bool
	EnableFile    bool
	LogFile       string
	BufferSize    int
}

// InitializeFromConfig initializes the global logger from configuration
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		logFile = fmt.Sprintf("%s.log", nodeID)
	}

	config := Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	}

	logger := NewLogger(config)
	SetGlobalLogger(logger)

	return logger, nil
}

// ActionNames for structured logging of mesh-core operations.
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionConnect      = "connect"
	ActionDisconnect   = "disconnect"
	ActionHandshake    = "handshake"
	ActionJoinCluster  = "join_cluster"
	ActionSplitCluster = "split_cluster"
	ActionRoute        = "route"
	ActionFragment     = "fragment"
	ActionReassemble   = "reassemble"
	ActionSendRetry    = "send_retry"
	ActionFlashWrite   = "flash_write"
	ActionDefrag       = "defrag"
	ActionRepair       = "repair"
	ActionTimeout      = "timeout"
	ActionDecide       = "decide"
)
