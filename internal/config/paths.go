// Package config provides centralized configuration for the IDS pipeline.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PathConfig holds configurable paths.
// All paths can be overridden via environment variables.
type PathConfig struct {
	// WorkspaceDir is the root under which each processing job gets its own directory
	WorkspaceDir string `toml:"workspace_dir"`

	// ScalerPath is the persisted feature scaler (mean/scale vectors)
	ScalerPath string `toml:"scaler_path"`

	// ModelPath is the ONNX classifier model
	ModelPath string `toml:"model_path"`

	// ONNXLibraryPath is the path to the ONNX Runtime shared library
	ONNXLibraryPath string `toml:"onnx_library_path"`

	// LabelledDir is the destination of batch labeling runs
	LabelledDir string `toml:"labelled_dir"`

	// LogDir is the directory for log files
	LogDir string `toml:"log_dir"`
}

// DefaultPathConfig returns the default path configuration.
// Paths are determined by:
// 1. Environment variables (highest priority)
// 2. XDG Base Directory Specification
// 3. Platform-specific defaults
func DefaultPathConfig() *PathConfig {
	dataDir := getUserDataDir()
	cacheDir := getUserCacheDir()

	return &PathConfig{
		WorkspaceDir:    getEnvOrDefault("NFA_IDS_WORKSPACE", filepath.Join(cacheDir, "nfa-ids", "workspace")),
		ScalerPath:      getEnvOrDefault("NFA_IDS_SCALER", filepath.Join(dataDir, "nfa-ids", "scaler.json")),
		ModelPath:       getEnvOrDefault("NFA_IDS_MODEL", filepath.Join(dataDir, "nfa-ids", "model.onnx")),
		ONNXLibraryPath: getEnvOrDefault("NFA_IDS_ONNX_LIBRARY_PATH", findONNXLibrary()),
		LabelledDir:     getEnvOrDefault("NFA_IDS_LABELLED_DIR", filepath.Join(dataDir, "nfa-ids", "labelled")),
		LogDir:          getEnvOrDefault("NFA_IDS_LOG_DIR", filepath.Join(cacheDir, "nfa-ids", "logs")),
	}
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getUserDataDir returns the user data directory following XDG spec.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return xdgData
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support")
	default: // linux, etc.
		return filepath.Join(home, ".local", "share")
	}
}

// getUserCacheDir returns the user cache directory following XDG spec.
func getUserCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return xdgCache
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Caches")
	default:
		return filepath.Join(home, ".cache")
	}
}

// findONNXLibrary searches for the ONNX Runtime library in common locations.
func findONNXLibrary() string {
	searchPaths := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/local/lib64/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib64/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
		filepath.Join(os.Getenv("HOME"), ".local/lib/libonnxruntime.so"),
		"/usr/local/opt/onnxruntime/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// Return default path even if not found (will error at runtime)
	return "/usr/lib/libonnxruntime.so"
}

// Environment variable documentation for users
const PathEnvVarsDoc = `
Path Configuration Environment Variables:

  NFA_IDS_WORKSPACE          Root directory for processing job workspaces
                             Default: ~/.cache/nfa-ids/workspace

  NFA_IDS_SCALER             Persisted feature scaler (JSON)
                             Default: ~/.local/share/nfa-ids/scaler.json

  NFA_IDS_MODEL              ONNX classifier model
                             Default: ~/.local/share/nfa-ids/model.onnx

  NFA_IDS_ONNX_LIBRARY_PATH  Path to ONNX Runtime shared library
                             Default: /usr/lib/libonnxruntime.so (auto-detected)

  NFA_IDS_LABELLED_DIR       Destination for batch labeling output
                             Default: ~/.local/share/nfa-ids/labelled

  NFA_IDS_LOG_DIR            Directory for log files
                             Default: ~/.cache/nfa-ids/logs
`
