package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config is the application configuration loaded from yaml with
// QUORUM_* environment overrides.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mail     MailConfig     `mapstructure:"mail"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MailConfig drives the inbound email pipeline.
type MailConfig struct {
	// Reply-by-email address: <reply_prefix>+<32-hex-key>@<reply_domain>.
	ReplyPrefix            string   `mapstructure:"reply_prefix"`
	ReplyDomain            string   `mapstructure:"reply_domain"`
	AlternateReplyPrefixes []string `mapstructure:"alternate_reply_prefixes"`

	// SubjectBlacklist drops matching messages before any record exists.
	SubjectBlacklist string `mapstructure:"subject_blacklist"`

	BlockAutoGenerated bool     `mapstructure:"block_auto_generated"`
	AllowedAutoSenders []string `mapstructure:"allowed_auto_senders"`
	// AutoGeneratedHeader marks this system's own notification mail; a
	// reply carrying it back is rejected outright.
	AutoGeneratedHeader string `mapstructure:"auto_generated_header"`

	UnsubscribeViaEmail bool `mapstructure:"unsubscribe_via_email"`
	PreferHTML          bool `mapstructure:"prefer_html"`

	// LikeTokens turn a whole-body exact match into a like instead of a
	// reply. Matching stays exact on purpose; substring matching would
	// swallow ordinary replies.
	LikeTokens []string `mapstructure:"like_tokens"`

	SoftBounceScore int `mapstructure:"soft_bounce_score"`
	HardBounceScore int `mapstructure:"hard_bounce_score"`
	BounceThreshold int `mapstructure:"bounce_threshold"`

	// MaxStagedInvites caps how many co-recipients a single message may
	// stage and invite into a private conversation.
	MaxStagedInvites int `mapstructure:"max_staged_invites"`

	// PreviousReplyMarker is the text this system appends above quoted
	// history in its own outbound notifications.
	PreviousReplyMarker string `mapstructure:"previous_reply_marker"`

	// ScreeningRulesPath optionally points at a yaml file with extra
	// blocked senders and subject patterns.
	ScreeningRulesPath string `mapstructure:"screening_rules_path"`
}

// Load reads configuration from the given path (a yaml file or a
// directory containing quorum.yaml). A missing file yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quorum")
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("QUORUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mail.reply_prefix", "reply")
	v.SetDefault("mail.auto_generated_header", "X-Quorum-Auto-Generated")
	v.SetDefault("mail.like_tokens", []string{"+1", "like"})
	v.SetDefault("mail.soft_bounce_score", 1)
	v.SetDefault("mail.hard_bounce_score", 2)
	v.SetDefault("mail.bounce_threshold", 4)
	v.SetDefault("mail.max_staged_invites", 10)
	v.SetDefault("mail.previous_reply_marker", "---\n*Previous Replies*")
	v.SetDefault("mail.unsubscribe_via_email", true)
}

// CompiledMail is the immutable, regex-compiled view of MailConfig.
// Patterns are compiled once at startup and shared across runs.
type CompiledMail struct {
	MailConfig

	SubjectBlacklistRe *regexp.Regexp
	ReplyAddressRes    []*regexp.Regexp
	VerpRe             *regexp.Regexp
}

// Compile validates the mail settings and builds the derived matchers.
func (m MailConfig) Compile() (*CompiledMail, error) {
	c := &CompiledMail{MailConfig: m}
	if s := strings.TrimSpace(m.SubjectBlacklist); s != "" {
		re, err := regexp.Compile("(?i)" + s)
		if err != nil {
			return nil, fmt.Errorf("config: subject_blacklist: %w", err)
		}
		c.SubjectBlacklistRe = re
	}
	c.VerpRe = regexp.MustCompile(`\+verp-([0-9a-f]{32})@`)

	prefixes := append([]string{m.ReplyPrefix}, m.AlternateReplyPrefixes...)
	domain := strings.TrimSpace(m.ReplyDomain)
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		pattern := `^` + regexp.QuoteMeta(strings.ToLower(prefix)) + `\+([0-9a-f]{32})@`
		if domain != "" {
			pattern += regexp.QuoteMeta(strings.ToLower(domain)) + `$`
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("config: reply prefix %q: %w", prefix, err)
		}
		c.ReplyAddressRes = append(c.ReplyAddressRes, re)
	}
	return c, nil
}

// ReplyKeyFor extracts the 32-hex reply key from an address, or "".
func (c *CompiledMail) ReplyKeyFor(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	for _, re := range c.ReplyAddressRes {
		if m := re.FindStringSubmatch(address); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// BounceKeyFor extracts the 32-hex VERP bounce key from an address, or "".
func (c *CompiledMail) BounceKeyFor(address string) string {
	if m := c.VerpRe.FindStringSubmatch(strings.ToLower(address)); len(m) == 2 {
		return m[1]
	}
	return ""
}
