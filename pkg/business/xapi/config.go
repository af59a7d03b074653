package xapi

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/business/xtransport"
)

// =============================================================================
// 默认值
// =============================================================================

const (
	// DefaultTimeout 默认请求超时时间。
	DefaultTimeout = xtransport.DefaultTimeout

	// DefaultAcquireTimeout 默认单次签发超时。
	DefaultAcquireTimeout = xcred.DefaultAcquireTimeout
)

// =============================================================================
// Config 配置结构
// =============================================================================

// Config 定义 xapi 客户端配置。
type Config struct {
	// AppID 应用 ID（必填）。
	AppID string `koanf:"app_id"`

	// AppSecret 应用密钥（必填）。
	AppSecret string `koanf:"app_secret"`

	// AppType 应用类型："self_built"（默认）或 "marketplace"。
	AppType string `koanf:"app_type"`

	// BaseURL 开放平台地址，默认飞书。
	// 必须使用 https:// 前缀，除非显式设置 AllowInsecure = true。
	BaseURL string `koanf:"base_url"`

	// AllowInsecure 允许使用 http:// 地址，仅用于开发与测试。
	AllowInsecure bool `koanf:"allow_insecure"`

	// UserAgent 请求 User-Agent。
	UserAgent string `koanf:"user_agent"`

	// Timeout 单次请求超时，默认 15 秒。
	Timeout time.Duration `koanf:"timeout"`

	// MaxResponseSize 响应体上限，默认 10MB。
	MaxResponseSize int64 `koanf:"max_response_size"`

	// SafetyMargin Token 提前过期的安全余量，默认 3 分钟。
	SafetyMargin time.Duration `koanf:"safety_margin"`

	// AcquireTimeout 单次签发（含重试）超时，默认 30 秒。
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`

	// AcquireAttempts 签发传输层失败时的总尝试次数，默认 3。
	AcquireAttempts uint `koanf:"acquire_attempts"`

	// AcquireRetryDelay 签发重试的基础间隔，默认 200ms。
	AcquireRetryDelay time.Duration `koanf:"acquire_retry_delay"`

	// User 默认用户身份。
	User UserConfig `koanf:"user"`

	// TLS TLS 配置。为 nil 时使用默认配置（启用证书验证）。
	TLS *TLSConfig `koanf:"tls"`
}

// UserConfig 默认用户身份。
type UserConfig struct {
	// ID 用户 open_id。
	ID string `koanf:"id"`

	// RefreshToken 用户授权得到的 refresh token。
	RefreshToken string `koanf:"refresh_token"`

	// AccessToken 预先提供的用户 Token，未配置 ID 时直接使用。
	AccessToken string `koanf:"access_token"`
}

// TLSConfig TLS 配置。
type TLSConfig struct {
	// InsecureSkipVerify 是否跳过证书验证。
	// 仅用于开发/测试环境，生产环境请勿启用。
	InsecureSkipVerify bool `koanf:"insecure_skip_verify"`

	// RootCAFile CA 证书文件路径。
	RootCAFile string `koanf:"root_ca_file"`
}

// Validate 验证配置有效性。
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if _, err := c.Credentials(); err != nil {
		return err
	}
	if err := c.validateBaseURL(); err != nil {
		return err
	}
	if c.Timeout < 0 || c.AcquireTimeout < 0 || c.AcquireRetryDelay < 0 {
		return ErrInvalidTimeout
	}
	if c.SafetyMargin < 0 {
		return ErrInvalidSafetyMargin
	}
	return nil
}

func (c *Config) validateBaseURL() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return nil
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidBaseURL
	}
	if !c.AllowInsecure && u.Scheme != "https" {
		return ErrInsecureBaseURL
	}
	return nil
}

// ApplyDefaults 应用默认值。
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = xcred.FeishuBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = xtransport.DefaultMaxResponseSize
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = xcred.DefaultSafetyMargin
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.AcquireAttempts == 0 {
		c.AcquireAttempts = xcred.DefaultAcquireAttempts
	}
	if c.AcquireRetryDelay == 0 {
		c.AcquireRetryDelay = xcred.DefaultAcquireDelay
	}
}

// Clone 创建配置的深拷贝。
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TLS != nil {
		tlsCopy := *c.TLS
		clone.TLS = &tlsCopy
	}
	return &clone
}

// Credentials 将配置转换为静态身份。
func (c *Config) Credentials() (xcred.Credentials, error) {
	appType, err := xcred.ParseAppType(c.AppType)
	if err != nil {
		return xcred.Credentials{}, err
	}
	creds := xcred.Credentials{
		AppID:            strings.TrimSpace(c.AppID),
		AppSecret:        c.AppSecret,
		AppType:          appType,
		UserID:           c.User.ID,
		UserRefreshToken: c.User.RefreshToken,
		UserAccessToken:  c.User.AccessToken,
	}
	if err := creds.Validate(); err != nil {
		return xcred.Credentials{}, err
	}
	return creds, nil
}

// String 返回脱敏后的配置摘要。
func (c *Config) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Config{AppID:%s, AppType:%s, BaseURL:%s, AppSecret:%s}",
		c.AppID, c.AppType, c.BaseURL, xcred.MaskToken(c.AppSecret))
}

// BuildTLSConfig 构建 TLS 配置。
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}

	//nolint:gosec // G402: InsecureSkipVerify 由用户配置控制
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.RootCAFile != "" {
		caCert, err := os.ReadFile(c.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("xapi: failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("xapi: failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
