// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Discord    DiscordConfig     `yaml:"discord"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   DatabaseConfig    `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID             string `yaml:"id"`
	BotUsername    string `yaml:"bot_username"`
	BotDisplayname string `yaml:"bot_displayname"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	ClientID string `yaml:"client_id"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// BridgeConfig holds the behaviour switches of the bridge itself.
type BridgeConfig struct {
	DisplaynameTemplate string `yaml:"displayname_template"`

	// MessageDelayMS is how long a message waits in its channel queue
	// before being sent, so that edits and deletes arrive in order.
	MessageDelayMS      int `yaml:"message_delay_ms"`
	PresenceIntervalMS  int `yaml:"presence_interval_ms"`
	ProvisioningTimeout int `yaml:"provisioning_timeout_seconds"`
	GhostJoinDelayMS    int `yaml:"room_ghost_join_delay_ms"`
	EchoCapacity        int `yaml:"echo_capacity"`

	DisableTyping             bool `yaml:"disable_typing_notifications"`
	DisablePresence           bool `yaml:"disable_presence"`
	DisableDeletionForwarding bool `yaml:"disable_deletion_forwarding"`
	DisableEveryoneMention    bool `yaml:"disable_everyone_mention"`
	DisableHereMention        bool `yaml:"disable_here_mention"`
	DisableDiscordMentions    bool `yaml:"disable_discord_mentions"`
	EnableSelfServiceBridging bool `yaml:"enable_self_service_bridging"`

	// AdminAPIAddr is the listen address for the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username      string
	Nickname      string
	GlobalName    string
	Discriminator string
}

const (
	defaultMessageDelay   = 750 * time.Millisecond
	minPresenceInterval   = 250 * time.Millisecond
	defaultGhostJoinDelay = 6 * time.Second
	defaultEchoCapacity   = 512
)

func (c *BridgeConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig BridgeConfig
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles the displayname template.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain must be set")
	}
	return c.Bridge.PostProcess()
}

func (c *BridgeConfig) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

func (c *BridgeConfig) MessageDelay() time.Duration {
	if c.MessageDelayMS <= 0 {
		return defaultMessageDelay
	}
	return time.Duration(c.MessageDelayMS) * time.Millisecond
}

// PresenceInterval is never shorter than 250ms.
func (c *BridgeConfig) PresenceInterval() time.Duration {
	return max(time.Duration(c.PresenceIntervalMS)*time.Millisecond, minPresenceInterval)
}

func (c *BridgeConfig) ProvisioningTimeoutDuration() time.Duration {
	return time.Duration(c.ProvisioningTimeout) * time.Second
}

func (c *BridgeConfig) GhostJoinDelay() time.Duration {
	if c.GhostJoinDelayMS <= 0 {
		return defaultGhostJoinDelay
	}
	return time.Duration(c.GhostJoinDelayMS) * time.Millisecond
}

func (c *BridgeConfig) EchoSetCapacity() int {
	if c.EchoCapacity <= 0 {
		return defaultEchoCapacity
	}
	return c.EchoCapacity
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "bot_displayname")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")

	helper.Copy(up.Str, "discord", "bot_token")
	helper.Copy(up.Str, "discord", "client_id")

	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "message_delay_ms")
	helper.Copy(up.Int, "bridge", "presence_interval_ms")
	helper.Copy(up.Int, "bridge", "provisioning_timeout_seconds")
	helper.Copy(up.Int, "bridge", "room_ghost_join_delay_ms")
	helper.Copy(up.Int, "bridge", "echo_capacity")
	helper.Copy(up.Bool, "bridge", "disable_typing_notifications")
	helper.Copy(up.Bool, "bridge", "disable_presence")
	helper.Copy(up.Bool, "bridge", "disable_deletion_forwarding")
	helper.Copy(up.Bool, "bridge", "disable_everyone_mention")
	helper.Copy(up.Bool, "bridge", "disable_here_mention")
	helper.Copy(up.Bool, "bridge", "disable_discord_mentions")
	helper.Copy(up.Bool, "bridge", "enable_self_service_bridging")
	helper.Copy(up.Str, "bridge", "admin_api_addr")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file with the bundled example.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"homeserver"},
			{"appservice"},
			{"discord"},
			{"bridge"},
			{"database"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// FormatDisplayname generates a display name from the template and params.
func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil || len(buf) == 0 {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
