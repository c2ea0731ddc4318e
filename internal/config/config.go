// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads and validates the daemon's YAML configuration.
// The file path comes from the PVCD_CONFIG_FILE environment variable and
// the whole document lives under a top-level "pvc" category. Missing keys
// fail startup with an error naming the exact key, so a truncated or
// hand-mangled config never half-starts the daemon.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable holding the config path.
const EnvConfigFile = "PVCD_CONFIG_FILE"

// Config is the full daemon configuration, loaded once at startup and
// passed explicitly to every component.
type Config struct {
	// Debug enables debug logging and dnsmasq lease-file read-only mode.
	Debug bool

	// DeployUsername is the unprivileged user the installer creates and
	// hooks SSH in as.
	DeployUsername string

	Database      DatabaseConfig
	API           APIConfig
	Queue         QueueConfig
	DHCP          DHCPConfig
	TFTP          TFTPConfig
	Ansible       AnsibleConfig
	Notifications NotificationsConfig
}

// DatabaseConfig locates the embedded registry database.
type DatabaseConfig struct {
	Path string
}

// APIConfig is the check-in API listen address.
type APIConfig struct {
	Address string
	Port    int
}

// QueueConfig is retained for config compatibility with deployments that
// ran the broker-backed daemon; the values are validated but the task
// queue now lives in the registry database.
type QueueConfig struct {
	Address string
	Port    int
	Path    string
}

// DHCPConfig configures the supervised dnsmasq instance.
type DHCPConfig struct {
	Address    string
	Gateway    string
	Domain     string
	LeaseStart string
	LeaseEnd   string
	LeaseTime  string
}

// TFTPConfig locates the TFTP root and the per-host artifact directory.
type TFTPConfig struct {
	RootPath string
	HostPath string
}

// AnsibleConfig locates the cluster-spec repository and the runner inputs.
type AnsibleConfig struct {
	Path         string
	KeyFile      string
	Remote       string
	Branch       string
	ClustersFile string
	CSpecFiles   CSpecFilesConfig
}

// LockFile returns the path guarding repository operations. All git
// work across API workers serializes on this file.
func (a AnsibleConfig) LockFile() string {
	return a.Path + ".lock"
}

// CSpecFilesConfig names the three per-cluster group_vars documents.
type CSpecFilesConfig struct {
	Base      string
	PVC       string
	Bootstrap string
}

// NotificationsConfig configures the webhook notifier. Body is an
// arbitrary document serialized to JSON with {icon} and {message}
// substituted; Icons maps a status to its icon string.
type NotificationsConfig struct {
	Enabled              bool
	URI                  string
	Action               string
	Icons                map[string]string
	Body                 map[string]any
	CompletedTriggerword string
}

// HostCheckinURI returns the in-band check-in URL baked into preseeds.
func (c *Config) HostCheckinURI() string {
	return fmt.Sprintf("http://%s:%d/checkin/host", c.DHCP.Address, c.API.Port)
}

// DNSMasqCheckinURI returns the lease-event URL handed to the dhcp-script.
func (c *Config) DNSMasqCheckinURI() string {
	return fmt.Sprintf("http://%s:%d/checkin/dnsmasq", c.API.Address, c.API.Port)
}

// EnvPath returns the config file path from PVCD_CONFIG_FILE.
func EnvPath() (string, error) {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		return "", fmt.Errorf("the %q environment variable must be set", EnvConfigFile)
	}
	return path, nil
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(raw)
}

// Parse validates a raw YAML document. Key presence is checked level by
// level so the returned error names exactly what is missing.
func Parse(raw []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	base, ok := asMap(doc["pvc"])
	if !ok {
		return nil, fmt.Errorf("missing top-level category 'pvc'")
	}

	cfg := &Config{}

	if cfg.Debug, ok = asBool(base["debug"]); !ok {
		return nil, fmt.Errorf("missing first-level key 'debug'")
	}
	if cfg.DeployUsername, ok = asString(base["deploy_username"]); !ok {
		return nil, fmt.Errorf("missing first-level key 'deploy_username'")
	}

	categories := make(map[string]map[string]any, 7)
	for _, name := range []string{"database", "api", "queue", "dhcp", "tftp", "ansible", "notifications"} {
		sub, ok := asMap(base[name])
		if !ok {
			return nil, fmt.Errorf("missing first-level category '%s'", name)
		}
		categories[name] = sub
	}

	db := categories["database"]
	if cfg.Database.Path, ok = asString(db["path"]); !ok {
		return nil, missingSecond("path", "database")
	}

	api := categories["api"]
	if cfg.API.Address, ok = asString(api["address"]); !ok {
		return nil, missingSecond("address", "api")
	}
	if cfg.API.Port, ok = asInt(api["port"]); !ok {
		return nil, missingSecond("port", "api")
	}

	queue := categories["queue"]
	if cfg.Queue.Address, ok = asString(queue["address"]); !ok {
		return nil, missingSecond("address", "queue")
	}
	if cfg.Queue.Port, ok = asInt(queue["port"]); !ok {
		return nil, missingSecond("port", "queue")
	}
	if cfg.Queue.Path, ok = asString(queue["path"]); !ok {
		return nil, missingSecond("path", "queue")
	}

	dhcp := categories["dhcp"]
	if cfg.DHCP.Address, ok = asString(dhcp["address"]); !ok {
		return nil, missingSecond("address", "dhcp")
	}
	if cfg.DHCP.Gateway, ok = asString(dhcp["gateway"]); !ok {
		return nil, missingSecond("gateway", "dhcp")
	}
	if cfg.DHCP.Domain, ok = asString(dhcp["domain"]); !ok {
		return nil, missingSecond("domain", "dhcp")
	}
	if cfg.DHCP.LeaseStart, ok = asString(dhcp["lease_start"]); !ok {
		return nil, missingSecond("lease_start", "dhcp")
	}
	if cfg.DHCP.LeaseEnd, ok = asString(dhcp["lease_end"]); !ok {
		return nil, missingSecond("lease_end", "dhcp")
	}
	if cfg.DHCP.LeaseTime, ok = asString(dhcp["lease_time"]); !ok {
		return nil, missingSecond("lease_time", "dhcp")
	}

	tftp := categories["tftp"]
	if cfg.TFTP.RootPath, ok = asString(tftp["root_path"]); !ok {
		return nil, missingSecond("root_path", "tftp")
	}
	if cfg.TFTP.HostPath, ok = asString(tftp["host_path"]); !ok {
		return nil, missingSecond("host_path", "tftp")
	}

	ansible := categories["ansible"]
	if cfg.Ansible.Path, ok = asString(ansible["path"]); !ok {
		return nil, missingSecond("path", "ansible")
	}
	if cfg.Ansible.KeyFile, ok = asString(ansible["keyfile"]); !ok {
		return nil, missingSecond("keyfile", "ansible")
	}
	if cfg.Ansible.Remote, ok = asString(ansible["remote"]); !ok {
		return nil, missingSecond("remote", "ansible")
	}
	if cfg.Ansible.Branch, ok = asString(ansible["branch"]); !ok {
		return nil, missingSecond("branch", "ansible")
	}
	if cfg.Ansible.ClustersFile, ok = asString(ansible["clusters_file"]); !ok {
		return nil, missingSecond("clusters_file", "ansible")
	}

	cspecFiles, ok := asMap(ansible["cspec_files"])
	if !ok {
		return nil, fmt.Errorf("missing second-level category 'cspec_files' under 'ansible'")
	}
	if cfg.Ansible.CSpecFiles.Base, ok = asString(cspecFiles["base"]); !ok {
		return nil, missingThird("base")
	}
	if cfg.Ansible.CSpecFiles.PVC, ok = asString(cspecFiles["pvc"]); !ok {
		return nil, missingThird("pvc")
	}
	if cfg.Ansible.CSpecFiles.Bootstrap, ok = asString(cspecFiles["bootstrap"]); !ok {
		return nil, missingThird("bootstrap")
	}

	notif := categories["notifications"]
	if cfg.Notifications.Enabled, ok = asBool(notif["enabled"]); !ok {
		return nil, missingSecond("enabled", "notifications")
	}
	if cfg.Notifications.URI, ok = asString(notif["uri"]); !ok {
		return nil, missingSecond("uri", "notifications")
	}
	if cfg.Notifications.Action, ok = asString(notif["action"]); !ok {
		return nil, missingSecond("action", "notifications")
	}
	icons, ok := asMap(notif["icons"])
	if !ok {
		return nil, missingSecond("icons", "notifications")
	}
	cfg.Notifications.Icons = make(map[string]string, len(icons))
	for k, v := range icons {
		if s, ok := asString(v); ok {
			cfg.Notifications.Icons[k] = s
		}
	}
	body, ok := asMap(notif["body"])
	if !ok {
		return nil, missingSecond("body", "notifications")
	}
	cfg.Notifications.Body = body
	if cfg.Notifications.CompletedTriggerword, ok = asString(notif["completed_triggerword"]); !ok {
		return nil, missingSecond("completed_triggerword", "notifications")
	}

	return cfg, nil
}

func missingSecond(key, category string) error {
	return fmt.Errorf("missing second-level key '%s' under '%s'", key, category)
}

func missingThird(key string) error {
	return fmt.Errorf("missing third-level key '%s' under 'ansible/cspec_files'", key)
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case int:
		// Scalars like lease times may be written unquoted.
		return fmt.Sprintf("%d", s), true
	default:
		return "", false
	}
}

func asInt(v any) (int, bool) {
	i, ok := v.(int)
	return i, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
