// Package config loads the single YAML configuration file that drives every
// other component. Unknown keys are tolerated and ignored, per the external
// contract; recognised keys are validated up front and reported together.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SafetyURLs groups the six P6 malicious-content/data-integrity/behaviour
// test endpoints under main.test_urls_safety.*.
type SafetyURLs struct {
	HTML    string `yaml:"html"`
	JSON    string `yaml:"json"`
	HTTPS   string `yaml:"https"`
	Headers string `yaml:"headers"`
	Delay   string `yaml:"delay"`
	Base64  string `yaml:"base64"`
}

// Main holds the main.* config namespace.
type Main struct {
	TimeoutCN          Duration `yaml:"timeout_cn"`
	TimeoutIntl        Duration `yaml:"timeout_intl"`
	TimeoutTransparent Duration `yaml:"timeout_transparent"`
	TimeoutIPInfo      Duration `yaml:"timeout_ipinfo"`
	TimeoutSafety      Duration `yaml:"timeout_safety"`
	TimeoutBrowser     Duration `yaml:"timeout_browser"`

	TestURLCN          []string `yaml:"test_url_cn"`
	TestURLIntl        []string `yaml:"test_url_intl"`
	TestURLTransparent []string `yaml:"test_url_transparent"`

	TestURLInfo    string     `yaml:"test_url_info"`
	TestURLBrowser string     `yaml:"test_url_browser"`
	TestURLsSafety SafetyURLs `yaml:"test_urls_safety"`
	DNSTestDomain  string     `yaml:"dns_test_domain"`
	DoHServer      string     `yaml:"doh_server"`

	CheckTransparent FlexBool `yaml:"check_transparent"`
	GetIPInfo        FlexBool `yaml:"get_ip_info"`

	MaxWorkers            int `yaml:"max_workers"`
	MaxScore              int `yaml:"max_score"`
	HighScoreAgencyScope  int `yaml:"high_score_agency_scope"`
	NumberOfItemsPerRow   int `yaml:"number_of_items_per_row"`

	DBFile string `yaml:"db_file"`

	// OwnIP is read from the config file but is neither consulted nor
	// updated by the Prober, which determines the host's own egress IP
	// itself and keeps it only in memory.
	OwnIP string `yaml:"own_ip"`

	// RevalidateSchedule is an optional cron(5) expression (robfig/cron) for
	// a recurring "existing" batch. Empty disables scheduled revalidation.
	RevalidateSchedule string `yaml:"revalidate_schedule"`
}

// Interrupt holds the interrupt.* checkpoint-file config namespace.
type Interrupt struct {
	InterruptDir             string `yaml:"interrupt_dir"`
	InterruptFileCrawl       string `yaml:"interrupt_file_crawl"`
	InterruptFileLoad        string `yaml:"interrupt_file_load"`
	InterruptFileExisting    string `yaml:"interrupt_file_existing"`
	InterruptFileSafety      string `yaml:"interrupt_file_safety"`
	InterruptFileBrowser     string `yaml:"interrupt_file_browser"`
}

// API holds the api.* bind-address config namespace.
type API struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GeoIP holds the geoip.* local-database config namespace. All fields are
// optional: an empty MMDBPath disables local lookups entirely (P4 then
// relies only on the remote JSON fallback) and an empty UpdateSchedule
// disables the scheduled updater.
type GeoIP struct {
	MMDBPath       string `yaml:"mmdb_path"`
	DownloadURL    string `yaml:"download_url"`
	SHA256URL      string `yaml:"sha256_url"`
	UpdateSchedule string `yaml:"update_schedule"`
}

// GitHub holds the github.* mirror-sync config namespace.
type GitHub struct {
	Token         string `yaml:"token"`
	DownURL       string `yaml:"down_url"`
	ActionsRepoAPI string `yaml:"actions_repo_api"`
	FileName      string `yaml:"file_name"`
}

// Config is the fully-parsed, validated configuration tree.
type Config struct {
	Main      Main      `yaml:"main"`
	Interrupt Interrupt `yaml:"interrupt"`
	API       API       `yaml:"api"`
	GitHub    GitHub    `yaml:"github"`
	GeoIP     GeoIP     `yaml:"geoip"`
}

// Default returns a Config populated with the same sane defaults the
// original menu-driven tool shipped with.
func Default() *Config {
	return &Config{
		Main: Main{
			TimeoutCN:            Duration(5e9),
			TimeoutIntl:          Duration(8e9),
			TimeoutTransparent:   Duration(6e9),
			TimeoutIPInfo:        Duration(6e9),
			TimeoutSafety:        Duration(10e9),
			TimeoutBrowser:       Duration(20e9),
			TestURLCN:            []string{"http://www.baidu.com/generate_204"},
			TestURLIntl:          []string{"http://www.gstatic.com/generate_204"},
			TestURLTransparent:   []string{"https://httpbin.org/ip"},
			TestURLInfo:          "http://ip-api.com/json/",
			CheckTransparent:     true,
			GetIPInfo:            true,
			MaxWorkers:           100,
			MaxScore:             100,
			HighScoreAgencyScope: 80,
			NumberOfItemsPerRow:  10,
			DBFile:               "proxy_pool.db",
			OwnIP:                "",
			RevalidateSchedule:   "",
		},
		Interrupt: Interrupt{
			InterruptDir:          "interrupts",
			InterruptFileCrawl:    "crawl.checkpoint",
			InterruptFileLoad:     "load.checkpoint",
			InterruptFileExisting: "existing.checkpoint",
			InterruptFileSafety:   "safety.checkpoint",
			InterruptFileBrowser:  "browser.checkpoint",
		},
		API: API{
			Host: "0.0.0.0",
			Port: 2260,
		},
		GitHub: GitHub{
			FileName: "proxies.txt",
		},
	}
}

// Load reads and validates a YAML config file at path, merging recognised
// keys onto Default(). Missing files are not an error: Default() alone is
// returned (ConfigurationMissing is reserved for missing *probe* config, not
// a missing config file — see the error taxonomy).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if errs := validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

func validate(cfg *Config) []string {
	var errs []string

	validatePositiveDuration("main.timeout_cn", cfg.Main.TimeoutCN, &errs)
	validatePositiveDuration("main.timeout_intl", cfg.Main.TimeoutIntl, &errs)
	validatePositiveDuration("main.timeout_transparent", cfg.Main.TimeoutTransparent, &errs)
	validatePositiveDuration("main.timeout_ipinfo", cfg.Main.TimeoutIPInfo, &errs)
	validatePositiveDuration("main.timeout_safety", cfg.Main.TimeoutSafety, &errs)
	validatePositiveDuration("main.timeout_browser", cfg.Main.TimeoutBrowser, &errs)

	validatePositiveInt("main.max_workers", cfg.Main.MaxWorkers, &errs)
	validatePositiveInt("main.max_score", cfg.Main.MaxScore, &errs)
	if cfg.Main.DBFile == "" {
		errs = append(errs, "main.db_file must not be empty")
	}

	validatePort("api.port", cfg.API.Port, &errs)
	if cfg.API.Host == "" {
		errs = append(errs, "api.host must not be empty")
	}

	if cfg.Main.RevalidateSchedule != "" {
		if _, err := cronParser.Parse(cfg.Main.RevalidateSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("main.revalidate_schedule: invalid cron expression %q: %v", cfg.Main.RevalidateSchedule, err))
		}
	}
	if cfg.GeoIP.UpdateSchedule != "" {
		if _, err := cronParser.Parse(cfg.GeoIP.UpdateSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("geoip.update_schedule: invalid cron expression %q: %v", cfg.GeoIP.UpdateSchedule, err))
		}
	}

	return errs
}

func validatePositiveDuration(name string, d Duration, errs *[]string) {
	if d.Std() <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", name))
	}
}

func validatePositiveInt(name string, v int, errs *[]string) {
	if v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %d", name, v))
	}
}

func validatePort(name string, v int, errs *[]string) {
	if v < 1 || v > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s must be 1-65535, got %d", name, v))
	}
}
