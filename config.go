package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion            = "v1"
	DefaultOfflinePage        = "/offline.html"
	DefaultNotificationIcon   = "/favicon.png"
	DefaultInstallConcurrency = 4
)

// DefaultPartitions are the partition base names used when none are configured.
var DefaultPartitions = PartitionNames{
	Core:    "offline-core",
	Runtime: "offline-runtime",
	Images:  "offline-images",
}

// PartitionNames holds the base names of the three partitions.
// The worker version is appended to each of them.
type PartitionNames struct {
	Core    string `yaml:"core"`
	Runtime string `yaml:"runtime"`
	Images  string `yaml:"images"`
}

// Config configures one worker version.
type Config struct {
	// Version tag appended to every partition name.
	// Bumping it invalidates all caches of previous versions on activation.
	Version string
	// Storage holding the partitions. Shared by all versions of an origin.
	Storage cache.Storage
	// Network used for every fetch.
	Network Network
	// URL of the controlled site. Relative URLs are resolved against it.
	OriginURL url.URL
	// Partition base names.
	Partitions PartitionNames
	// Assets fetched and stored atomically on install.
	// The offline page is added if missing.
	CriticalAssets []string
	// Document served to navigations when both network and cache fail.
	OfflinePage string
	// Cross-origin hosts whose requests are intercepted.
	AllowList classifier.AllowList
	// Classification overrides, checked before the built-in rules.
	Rules classifier.Rules
	// Do not skip the waiting state after install, i.e. wait for a SKIP_WAITING message.
	DisableSkipWaiting bool
	// Maximum number of critical assets fetched at the same time.
	InstallConcurrency int
	// Optional per-step network timeout. Zero leaves timeouts to the network stack.
	NetworkTimeout time.Duration
	// Icon and badge of push notifications.
	NotificationIcon string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
	// Shows push notifications. Notifications are logged if nil.
	Notifier Notifier
	// Opens pages on notification clicks. Requests are logged if nil.
	Windows Windows
	// Background sync tasks by tag. The analytics task is always present.
	SyncTasks map[string]SyncTask
}

// FileConfig is the YAML representation of a worker configuration.
type FileConfig struct {
	Origin         string         `yaml:"origin"`
	Version        string         `yaml:"version"`
	Partitions     PartitionNames `yaml:"partitions"`
	CriticalAssets []string       `yaml:"criticalAssets"`
	OfflinePage    string         `yaml:"offlinePage"`
	AllowList      struct {
		Hosts []string `yaml:"hosts"`
		Match string   `yaml:"match"`
	} `yaml:"allowList"`
	Rules              []classifier.Rule `yaml:"rules"`
	DisableSkipWaiting bool              `yaml:"disableSkipWaiting"`
	InstallConcurrency int               `yaml:"installConcurrency"`
	NetworkTimeout     time.Duration     `yaml:"networkTimeout"`
	NotificationIcon   string            `yaml:"notificationIcon"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// Apply copies the file configuration into c, validating it on the way.
// Empty file values leave c untouched.
func (f FileConfig) Apply(c *Config) error {
	if f.Origin != "" {
		origin, err := url.Parse(f.Origin)
		if err != nil {
			return fmt.Errorf("invalid origin: %w", err)
		}
		c.OriginURL = *origin
	}
	if f.Version != "" {
		c.Version = f.Version
	}
	if f.Partitions.Core != "" {
		c.Partitions.Core = f.Partitions.Core
	}
	if f.Partitions.Runtime != "" {
		c.Partitions.Runtime = f.Partitions.Runtime
	}
	if f.Partitions.Images != "" {
		c.Partitions.Images = f.Partitions.Images
	}
	if len(f.CriticalAssets) > 0 {
		c.CriticalAssets = f.CriticalAssets
	}
	if f.OfflinePage != "" {
		c.OfflinePage = f.OfflinePage
	}
	if len(f.AllowList.Hosts) > 0 {
		c.AllowList.Hosts = f.AllowList.Hosts
	}
	if f.AllowList.Match != "" {
		mode, err := classifier.ParseMatchMode(f.AllowList.Match)
		if err != nil {
			return err
		}
		c.AllowList.Mode = mode
	}
	if err := classifier.Rules(f.Rules).Validate(); err != nil {
		return err
	}
	if len(f.Rules) > 0 {
		c.Rules = f.Rules
	}
	if f.DisableSkipWaiting {
		c.DisableSkipWaiting = true
	}
	if f.InstallConcurrency > 0 {
		c.InstallConcurrency = f.InstallConcurrency
	}
	if f.NetworkTimeout > 0 {
		c.NetworkTimeout = f.NetworkTimeout
	}
	if f.NotificationIcon != "" {
		c.NotificationIcon = f.NotificationIcon
	}
	return nil
}

// withDefaults fills in the zero values of a config.
func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Partitions.Core == "" {
		c.Partitions.Core = DefaultPartitions.Core
	}
	if c.Partitions.Runtime == "" {
		c.Partitions.Runtime = DefaultPartitions.Runtime
	}
	if c.Partitions.Images == "" {
		c.Partitions.Images = DefaultPartitions.Images
	}
	if c.OfflinePage == "" {
		c.OfflinePage = DefaultOfflinePage
	}
	if c.AllowList.Hosts == nil {
		c.AllowList.Hosts = classifier.DefaultHosts
	}
	if c.AllowList.Mode == "" {
		c.AllowList.Mode = classifier.MatchExact
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = DefaultInstallConcurrency
	}
	if c.NotificationIcon == "" {
		c.NotificationIcon = DefaultNotificationIcon
	}
	assets := make([]string, 0, len(c.CriticalAssets)+1)
	hasOfflinePage := false
	for _, asset := range c.CriticalAssets {
		if asset == c.OfflinePage {
			hasOfflinePage = true
		}
		assets = append(assets, asset)
	}
	if !hasOfflinePage {
		assets = append(assets, c.OfflinePage)
	}
	c.CriticalAssets = assets
	return c
}
