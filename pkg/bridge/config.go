// Copyright 2025-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root bridge configuration.
type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	AppService   AppServiceConfig   `yaml:"appservice"`
	Database     DatabaseConfig     `yaml:"database"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Logging      zeroconfig.Config  `yaml:"logging"`
	// Network holds the connector's own section, decoded lazily because
	// its shape is only known to the connector.
	Network yaml.Node `yaml:"network"`
}

// HomeserverConfig locates the homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig describes the appservice listener and identity.
type AppServiceConfig struct {
	// Address is the public URL the homeserver pushes transactions to,
	// written into the generated registration.
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID           string `yaml:"id"`
	BotLocalpart string `yaml:"bot_localpart"`
	// Registration is the path of the registration file. Generate it once
	// with -g and hand it to the homeserver.
	Registration string `yaml:"registration"`
}

// DatabaseConfig describes the state store database.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig holds framework behavior settings.
type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// TypingTimeout is how long a relayed remote typing notification
	// stays active on Matrix, in seconds.
	TypingTimeout int `yaml:"typing_timeout"`
	// RelayPlainUsers controls whether messages from Matrix users without
	// remote credentials are still handed to the connector.
	RelayPlainUsers bool `yaml:"relay_plain_users"`

	usernameTemplate    *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
	usernamePrefix      string             `yaml:"-"`
	usernameSuffix      string             `yaml:"-"`
}

// ProvisioningConfig guards the provisioning API. An empty shared secret
// disables the API entirely.
type ProvisioningConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// DisplaynameParams holds the parameters for rendering the displayname
// template.
type DisplaynameParams struct {
	ServiceID string
	Nick      string
}

func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(cfg))
}

// LoadConfig reads, parses and post-processes a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the required fields and compiles the templates.
func (cfg *Config) PostProcess() error {
	switch {
	case cfg.Homeserver.Address == "":
		return fmt.Errorf("homeserver.address is not set")
	case cfg.Homeserver.Domain == "":
		return fmt.Errorf("homeserver.domain is not set")
	case cfg.AppService.Registration == "":
		return fmt.Errorf("appservice.registration is not set")
	case cfg.AppService.BotLocalpart == "":
		return fmt.Errorf("appservice.bot_localpart is not set")
	case cfg.Database.Type == "" || cfg.Database.URI == "":
		return fmt.Errorf("database.type and database.uri must be set")
	}
	if cfg.Bridge.TypingTimeout <= 0 {
		cfg.Bridge.TypingTimeout = 10
	}
	return cfg.Bridge.PostProcess()
}

// templateSentinel marks the template's insertion point so the username
// template can be split into a fixed prefix and suffix for parsing.
const templateSentinel = "\x01"

// PostProcess compiles the username and displayname templates. The
// username template must reference its argument exactly once, otherwise
// ghost MXIDs could not be mapped back to service IDs.
func (bc *BridgeConfig) PostProcess() error {
	var err error
	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid bridge.username_template: %w", err)
	}
	var buf strings.Builder
	if err = bc.usernameTemplate.Execute(&buf, templateSentinel); err != nil {
		return fmt.Errorf("invalid bridge.username_template: %w", err)
	}
	prefix, suffix, found := strings.Cut(buf.String(), templateSentinel)
	if !found || strings.Contains(suffix, templateSentinel) {
		return fmt.Errorf("bridge.username_template must contain {{.}} exactly once")
	}
	bc.usernamePrefix, bc.usernameSuffix = prefix, suffix

	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid bridge.displayname_template: %w", err)
	}
	return nil
}

// FormatUsername renders the ghost localpart for a remote service ID.
func (bc *BridgeConfig) FormatUsername(serviceID string) string {
	encoded := id.EncodeUserLocalpart(serviceID)
	var buf strings.Builder
	if err := bc.usernameTemplate.Execute(&buf, encoded); err != nil {
		return bc.usernamePrefix + encoded + bc.usernameSuffix
	}
	return buf.String()
}

// ParseUsername maps a ghost localpart back to its remote service ID.
func (bc *BridgeConfig) ParseUsername(localpart string) (string, bool) {
	inner, ok := strings.CutPrefix(localpart, bc.usernamePrefix)
	if !ok {
		return "", false
	}
	inner, ok = strings.CutSuffix(inner, bc.usernameSuffix)
	if !ok {
		return "", false
	}
	decoded, err := id.DecodeUserLocalpart(inner)
	if err != nil {
		return "", false
	}
	return decoded, true
}

// FormatDisplayname renders a ghost displayname.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if params.Nick == "" {
		params.Nick = params.ServiceID
	}
	if bc.displaynameTemplate == nil {
		return params.Nick
	}
	var buf strings.Builder
	if err := bc.displaynameTemplate.Execute(&buf, params); err != nil {
		return params.Nick
	}
	return buf.String()
}

// DecodeNetworkConfig decodes the network section into the connector's
// config struct. A missing section leaves the struct untouched.
func (cfg *Config) DecodeNetworkConfig(into any) error {
	if cfg.Network.Kind == 0 {
		return nil
	}
	if err := cfg.Network.Decode(into); err != nil {
		return fmt.Errorf("failed to parse network config: %w", err)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_localpart")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "typing_timeout")
	helper.Copy(up.Bool, "bridge", "relay_plain_users")
	helper.Copy(up.Str, "provisioning", "shared_secret")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader returns the upgrader for the framework's own config
// sections. Connector sections are upgraded by the connector's own
// upgrader.
func ConfigUpgrader() up.Upgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"homeserver"},
			{"appservice"},
			{"database"},
			{"bridge"},
			{"provisioning"},
			{"logging"},
			{"network"},
		},
		Base: ExampleConfig,
	}
}
