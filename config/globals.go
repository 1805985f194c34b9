package config

// GlobalFlags contains common flags used across commands
type GlobalFlags struct {
	// Logging
	Verbose bool
	JSONLog bool

	// Worker pool sizes
	Concurrency         int
	DownloadConcurrency int

	// Shared paths
	CacheDir     string
	RegistryPath string

	// Command-specific configurations
	Package PackageConfig
}

// PackageConfig holds package command specific configurations
type PackageConfig struct {
	Select   string
	Platform string
	Offline  bool
	Archive  bool
}

// Global is the shared instance of GlobalFlags
var Global = GlobalFlags{}
