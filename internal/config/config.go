package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// 存储后端类型
const (
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DateLayout 是 start_date / end_date 使用的日期格式。
const DateLayout = "2006-01-02"

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	Crawl   CrawlConfig   `json:"crawl"`
	Proxy   ProxyConfig   `json:"proxy"`
	Filter  FilterConfig  `json:"filter"`
	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis"`
	Browser BrowserConfig `json:"browser"`
	Report  ReportConfig  `json:"report"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // 状态接口监听地址（/healthz /stats /metrics），为空表示不启动
}

// CrawlConfig 抓取循环配置。
type CrawlConfig struct {
	URLs              []string `json:"urls"`                // 目标列表页
	URLFile           string   `json:"url_file"`            // 目标列表文件（每行一个 URL）
	PagesPerURL       int      `json:"pages_per_url"`       // 每个 URL 翻页数量
	MaxRetries        int      `json:"max_retries"`         // 单次请求最大重试次数
	Backoff           Duration `json:"backoff"`             // 线性退避基数
	RequestTimeout    Duration `json:"request_timeout"`     // 单次 HTTP 请求超时
	PauseBetweenLinks Duration `json:"pause_between_links"` // 页面之间的间隔
	PauseGeneral      Duration `json:"pause_general"`       // 两轮抓取之间的间隔
	ErrorPause        Duration `json:"error_pause"`         // 一轮抓取失败后的等待
	EscalateAfter     int      `json:"escalate_after"`      // 同一 URL 连续失败多少次后改用浏览器抓取
	BatchSize         int      `json:"batch_size"`          // 批量落库大小
	CookieFile        string   `json:"cookie_file"`         // Cookie 快照文件
	DetailParsing     bool     `json:"detail_parsing"`      // 是否为通过过滤的记录解析详情页（雇佣类型、经验要求）
}

// ProxyConfig 代理配置。
type ProxyConfig struct {
	Enabled        bool     `json:"enabled"`         // 是否启用代理
	ProxyString    string   `json:"proxy_string"`    // 主代理（host:port@user:pass 或 user:pass:host:port）
	Pool           []string `json:"pool"`            // 代理池，>=2 个时优先轮换
	ChangeURL      string   `json:"change_url"`      // 供应商换 IP 接口
	UseLocalIP     bool     `json:"use_local_ip"`    // 无代理时模拟换 IP（随机等待）
	ChangeAttempts int      `json:"change_attempts"` // 换 IP 接口最大尝试次数
	ChangeDelay    Duration `json:"change_delay"`    // 换 IP 接口重试间隔
	RetryDelay     Duration `json:"retry_delay"`     // 换 IP 授权失败后的等待
	NoProxyDelay   Duration `json:"no_proxy_delay"`  // 没有任何换 IP 手段时的等待
}

// FilterConfig 过滤管道配置。
type FilterConfig struct {
	MinPrice        int64    `json:"min_price"`
	MaxPrice        int64    `json:"max_price"`
	AllowKeywords   []string `json:"allow_keywords"`
	DenyKeywords    []string `json:"deny_keywords"`
	SellerBlacklist []string `json:"seller_blacklist"`
	Geo             string   `json:"geo"`
	MaxAge          Duration `json:"max_age"`          // 0 表示不按发布时间过滤
	StartDate       string   `json:"start_date"`       // YYYY-MM-DD，含当天
	EndDate         string   `json:"end_date"`         // YYYY-MM-DD，含当天
	Timezone        string   `json:"timezone"`         // 日期窗口所用时区（IANA）
	ExcludeReserved bool     `json:"exclude_reserved"` // 排除已预订
	ExcludePromoted bool     `json:"exclude_promoted"` // 排除推广
}

// StorageConfig 记录存储配置。
type StorageConfig struct {
	Backend string `json:"backend"` // sqlite / mysql / postgres / redis
	DSN     string `json:"dsn"`     // 连接字符串（sqlite 为文件路径）
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr            string `json:"addr"`              // Redis 地址 (host:port)
	Password        string `json:"password"`          // Redis 密码
	SharedRateLimit bool   `json:"shared_rate_limit"` // 使用 Redis 令牌桶在多个进程间共享节奏
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	Enabled               bool     `json:"enabled"`                 // 关闭后不获取 Cookie，也不升级到浏览器抓取
	BinPath               string   `json:"bin_path"`                // 浏览器可执行文件路径
	Headless              bool     `json:"headless"`                // 是否使用无头模式
	PageTimeout           Duration `json:"page_timeout"`            // 页面导航超时
	CookieRefreshInterval Duration `json:"cookie_refresh_interval"` // 定期刷新 Cookie 的间隔
	HumanizeInterval      Duration `json:"humanize_interval"`       // 模拟浏览的间隔
	WarmEnabled           bool     `json:"warm_enabled"`            // 是否启动后台预热
	WarmInterval          Duration `json:"warm_interval"`           // 后台预热间隔
	UserAgentFile         string   `json:"user_agent_file"`         // UA 列表文件
}

// ReportConfig 表格导出配置。
type ReportConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string   `json:"smtp_host"`
	SMTPPort  int      `json:"smtp_port"`
	SMTPUser  string   `json:"smtp_user"`
	SMTPPass  string   `json:"smtp_pass"`
	FromEmail string   `json:"from_email"`
	To        []string `json:"to"`
}

// Duration 支持 "5s" / "4m" 形式的 JSON 时长。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 支持字符串或纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON 将 Duration 转为字符串。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load 从 JSON 文件加载配置。
//
// 文件中未出现的字段保持默认值，随后应用环境变量覆盖并校验。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// 没有配置文件时只使用默认值 + 环境变量
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.Crawl.URLFile != "" {
		urls, err := ReadLines(cfg.Crawl.URLFile)
		if err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
		cfg.Crawl.URLs = append(cfg.Crawl.URLs, urls...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查启动前必须满足的配置约束。
func (c *Config) Validate() error {
	if len(c.Crawl.URLs) == 0 {
		return errors.New("config: crawl.urls or crawl.url_file is required")
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis:
	case BackendMySQL, BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for %s", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis backend")
	}
	if c.Filter.MinPrice > c.Filter.MaxPrice {
		return fmt.Errorf("config: filter.min_price %d > max_price %d", c.Filter.MinPrice, c.Filter.MaxPrice)
	}
	if _, err := time.LoadLocation(c.Filter.Timezone); err != nil {
		return fmt.Errorf("config: filter.timezone: %w", err)
	}
	for _, v := range []string{c.Filter.StartDate, c.Filter.EndDate} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, v); err != nil {
			return fmt.Errorf("config: invalid date %q: %w", v, err)
		}
	}
	return nil
}

// ProxyEnabled 报告是否配置了可用的代理来源。
func (c *Config) ProxyEnabled() bool {
	if !c.Proxy.Enabled {
		return false
	}
	return c.Proxy.ProxyString != "" || len(c.Proxy.Pool) > 0
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":2112",
		},
		Crawl: CrawlConfig{
			PagesPerURL:       1,
			MaxRetries:        5,
			Backoff:           Duration{2 * time.Second},
			RequestTimeout:    Duration{20 * time.Second},
			PauseBetweenLinks: Duration{5 * time.Second},
			PauseGeneral:      Duration{60 * time.Second},
			ErrorPause:        Duration{30 * time.Second},
			EscalateAfter:     3,
			BatchSize:         50,
			CookieFile:        "cookies.json",
		},
		Proxy: ProxyConfig{
			Enabled:        true,
			ChangeAttempts: 3,
			ChangeDelay:    Duration{5 * time.Second},
			RetryDelay:     Duration{10 * time.Second},
			NoProxyDelay:   Duration{300 * time.Second},
		},
		Filter: FilterConfig{
			MinPrice:        0,
			MaxPrice:        999_999_999,
			Timezone:        "UTC",
			ExcludeReserved: true,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			DSN:     "database.db",
		},
		Redis: RedisConfig{
			Addr: "",
		},
		Browser: BrowserConfig{
			Enabled:               true,
			Headless:              true,
			PageTimeout:           Duration{45 * time.Second},
			CookieRefreshInterval: Duration{240 * time.Second},
			HumanizeInterval:      Duration{300 * time.Second},
			WarmInterval:          Duration{10 * time.Minute},
		},
		Report: ReportConfig{
			Enabled: true,
			Dir:     "result",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对显式写成零值的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.Crawl.PagesPerURL <= 0 {
		cfg.Crawl.PagesPerURL = defaults.Crawl.PagesPerURL
	}
	if cfg.Crawl.MaxRetries <= 0 {
		cfg.Crawl.MaxRetries = defaults.Crawl.MaxRetries
	}
	if cfg.Crawl.Backoff.Duration <= 0 {
		cfg.Crawl.Backoff = defaults.Crawl.Backoff
	}
	if cfg.Crawl.RequestTimeout.Duration <= 0 {
		cfg.Crawl.RequestTimeout = defaults.Crawl.RequestTimeout
	}
	if cfg.Crawl.PauseGeneral.Duration <= 0 {
		cfg.Crawl.PauseGeneral = defaults.Crawl.PauseGeneral
	}
	if cfg.Crawl.ErrorPause.Duration <= 0 {
		cfg.Crawl.ErrorPause = defaults.Crawl.ErrorPause
	}
	if cfg.Crawl.EscalateAfter <= 0 {
		cfg.Crawl.EscalateAfter = defaults.Crawl.EscalateAfter
	}
	if cfg.Crawl.BatchSize <= 0 {
		cfg.Crawl.BatchSize = defaults.Crawl.BatchSize
	}
	if cfg.Crawl.CookieFile == "" {
		cfg.Crawl.CookieFile = defaults.Crawl.CookieFile
	}
	if cfg.Proxy.ChangeAttempts <= 0 {
		cfg.Proxy.ChangeAttempts = defaults.Proxy.ChangeAttempts
	}
	if cfg.Filter.MaxPrice <= 0 {
		cfg.Filter.MaxPrice = defaults.Filter.MaxPrice
	}
	if cfg.Filter.Timezone == "" {
		cfg.Filter.Timezone = defaults.Filter.Timezone
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	cfg.Storage.Backend = normalizeBackend(cfg.Storage.Backend)
	if cfg.Storage.Backend == BackendSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = defaults.Storage.DSN
	}
	if cfg.Browser.PageTimeout.Duration <= 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.CookieRefreshInterval.Duration <= 0 {
		cfg.Browser.CookieRefreshInterval = defaults.Browser.CookieRefreshInterval
	}
	if cfg.Browser.HumanizeInterval.Duration <= 0 {
		cfg.Browser.HumanizeInterval = defaults.Browser.HumanizeInterval
	}
	if cfg.Browser.WarmInterval.Duration <= 0 {
		cfg.Browser.WarmInterval = defaults.Browser.WarmInterval
	}
	if cfg.Report.Dir == "" {
		cfg.Report.Dir = defaults.Report.Dir
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("proxy_string", "PROXY_STRING")
	_ = viper.BindEnv("proxy_change_url", "PROXY_CHANGE_URL")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v, ok := os.LookupEnv("APP_HTTP_ADDR"); ok {
		cfg.App.HTTPAddr = v
	}

	if v := os.Getenv("CRAWL_URLS"); v != "" {
		cfg.Crawl.URLs = splitList(v)
	}
	if v := os.Getenv("CRAWL_URL_FILE"); v != "" {
		cfg.Crawl.URLFile = v
	}
	if v := os.Getenv("CRAWL_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Crawl.MaxRetries = i
		}
	}
	if v := os.Getenv("CRAWL_PAUSE_GENERAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.PauseGeneral = Duration{d}
		}
	}
	if v := os.Getenv("CRAWL_PAUSE_BETWEEN_LINKS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.PauseBetweenLinks = Duration{d}
		}
	}
	if v := os.Getenv("CRAWL_COOKIE_FILE"); v != "" {
		cfg.Crawl.CookieFile = v
	}
	if v := os.Getenv("CRAWL_DETAIL_PARSING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Crawl.DetailParsing = b
		}
	}

	if v := os.Getenv("PROXY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Proxy.Enabled = b
		}
	}
	if v := viper.GetString("proxy_string"); v != "" {
		cfg.Proxy.ProxyString = v
	}
	if v := os.Getenv("PROXY_POOL"); v != "" {
		cfg.Proxy.Pool = splitList(v)
	}
	if v := viper.GetString("proxy_change_url"); v != "" {
		cfg.Proxy.ChangeURL = v
	}
	if v := os.Getenv("PROXY_USE_LOCAL_IP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Proxy.UseLocalIP = b
		}
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = normalizeBackend(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	} else if cfg.Storage.Backend == BackendMySQL && (hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "") {
		parsed := parseMySQLDSN(cfg.Storage.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Storage.DSN = parsed.FormatDSN()
	}
	if cfg.Storage.Backend == BackendMySQL && cfg.Storage.DSN != "" {
		cfg.Storage.DSN = normalizeMySQLDSN(cfg.Storage.DSN)
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Enabled = b
		}
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_USER_AGENT_FILE"); v != "" {
		cfg.Browser.UserAgentFile = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.To = splitList(v)
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "avitohunter"
	cfg.ParseTime = true
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// normalizeMySQLDSN 确保 parseTime 打开，解析失败时原样返回交给驱动报错。
func normalizeMySQLDSN(dsn string) string {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return dsn
	}
	parsed.ParseTime = true
	return parsed.FormatDSN()
}

func normalizeBackend(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "postgresql" {
		return BackendPostgres
	}
	return v
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ReadLines 读取一行一条的列表文件（URL、UA），忽略空行和 # 注释。
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
