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

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pvcbootstrapd/pkg/models"
)

// remoteHookPath is where uploaded hook scripts land on the node.
const remoteHookPath = "/tmp/pvcbootstrapd.hook"

// runCommand opens a connection to the node, runs one command, and
// logs its combined output.
func (r *Runner) runCommand(ctx context.Context, node models.Node, command string) error {
	return r.withNode(ctx, node, func(c nodeConn) error {
		output, err := c.Exec(command)
		r.logger.Debug("remote command finished", "node", node.Name, "output", output)
		return err
	})
}

func (r *Runner) withNode(ctx context.Context, node models.Node, fn func(nodeConn) error) error {
	conn, err := r.dial(ctx, node.HostIP)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", node.Name, err)
	}
	defer conn.Close()
	return fn(conn)
}

// runOSDDBHook creates an OSD database volume group on each target.
// The pvc command runs on the target itself, which avoids resolving a
// valid API listen address for the freshly built cluster.
func (r *Runner) runOSDDBHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	disk, ok := argString(args, "disk")
	if !ok {
		return errors.New("osddb hook requires a disk")
	}
	for _, node := range targets {
		r.logger.Info("creating osd database volume group", "node", node.Name, "device", disk)
		command := fmt.Sprintf("pvc storage osd create-db-vg --yes %s %s", node.Name, disk)
		if err := r.runCommand(ctx, node, command); err != nil {
			return err
		}
	}
	return nil
}

// runOSDHook adds an OSD on each target.
func (r *Runner) runOSDHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	disk, ok := argString(args, "disk")
	if !ok {
		return errors.New("osd hook requires a disk")
	}
	weight := argStringDefault(args, "weight", "1")
	for _, node := range targets {
		r.logger.Info("creating osd", "node", node.Name, "device", disk, "weight", weight)
		command := fmt.Sprintf("pvc storage osd add --yes %s %s --weight %s", node.Name, disk, weight)
		if argBool(args, "ext_db") {
			ratio := argStringDefault(args, "ext_db_ratio", "0.05")
			command = fmt.Sprintf("%s --ext-db --ext-db-ratio %s", command, ratio)
		}
		if err := r.runCommand(ctx, node, command); err != nil {
			return err
		}
	}
	return nil
}

// runPoolHook creates a storage pool. Pools are cluster-wide, so the
// command runs on the first target only.
func (r *Runner) runPoolHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	if len(targets) == 0 {
		return nil
	}
	name, ok := argString(args, "name")
	if !ok {
		return errors.New("pool hook requires a name")
	}
	pgs := argStringDefault(args, "pgs", "64")
	// The tier argument is accepted but the CLI does not consume it yet.
	tier := argStringDefault(args, "tier", "default")
	replcfg := argStringDefault(args, "replcfg", "copies=3,mincopies=2")

	node := targets[0]
	r.logger.Info("creating storage pool",
		"node", node.Name, "name", name, "pgs", pgs, "tier", tier, "replcfg", replcfg)
	command := fmt.Sprintf("pvc storage pool add %s %s --replcfg %s", name, pgs, replcfg)
	return r.runCommand(ctx, node, command)
}

// runNetworkHook creates a network. Networks are cluster-wide, so the
// command runs on the first target only.
func (r *Runner) runNetworkHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	if len(targets) == 0 {
		return nil
	}
	vni, ok := argString(args, "vni")
	if !ok {
		return errors.New("network hook requires a vni")
	}
	description, ok := argString(args, "description")
	if !ok {
		return errors.New("network hook requires a description")
	}
	netType, ok := argString(args, "type")
	if !ok {
		return errors.New("network hook requires a type")
	}

	command := fmt.Sprintf("pvc network add %s --description %s --type %s", vni, description, netType)
	if mtu, ok := argString(args, "mtu"); ok && mtu != "auto" && mtu != "default" {
		command = fmt.Sprintf("%s --mtu %s", command, mtu)
	}

	if netType == "managed" {
		domain, ok := argString(args, "domain")
		if !ok {
			return errors.New("managed network hook requires a domain")
		}
		command = fmt.Sprintf("%s --domain %s", command, domain)

		for _, server := range argStrings(args, "dns_servers") {
			command = fmt.Sprintf("%s --dns-server %s", command, server)
		}

		if argBool(args, "ip4") {
			network4, ok := argString(args, "ip4_network")
			if !ok {
				return errors.New("ip4 network hook requires ip4_network")
			}
			command = fmt.Sprintf("%s --ipnet %s", command, network4)

			gateway4, ok := argString(args, "ip4_gateway")
			if !ok {
				return errors.New("ip4 network hook requires ip4_gateway")
			}
			command = fmt.Sprintf("%s --gateway %s", command, gateway4)

			if argBool(args, "ip4_dhcp") {
				start, ok := argString(args, "ip4_dhcp_start")
				if !ok {
					return errors.New("dhcp network hook requires ip4_dhcp_start")
				}
				end, ok := argString(args, "ip4_dhcp_end")
				if !ok {
					return errors.New("dhcp network hook requires ip4_dhcp_end")
				}
				command = fmt.Sprintf("%s --dhcp --dhcp-start %s --dhcp-end %s", command, start, end)
			} else {
				command += " --no-dhcp"
			}
		}

		if argBool(args, "ip6") {
			network6, ok := argString(args, "ip6_network")
			if !ok {
				return errors.New("ip6 network hook requires ip6_network")
			}
			command = fmt.Sprintf("%s --ipnet6 %s", command, network6)

			gateway6, ok := argString(args, "ip6_gateway")
			if !ok {
				return errors.New("ip6 network hook requires ip6_gateway")
			}
			command = fmt.Sprintf("%s --gateway6 %s", command, gateway6)
		}
	}

	node := targets[0]
	r.logger.Info("creating network", "node", node.Name, "vni", vni, "type", netType)
	return r.runCommand(ctx, node, command)
}

// runCopyHook places (source, destination, mode) file triples on each
// target over SFTP. Relative sources resolve against the configuration
// repository root; modes are octal.
func (r *Runner) runCopyHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	sources := argStrings(args, "source")
	destinations := argStrings(args, "destination")
	modes := argStrings(args, "mode")
	count := min(len(sources), len(destinations), len(modes))

	for _, node := range targets {
		r.logger.Info("copying files", "node", node.Name, "count", count)
		err := r.withNode(ctx, node, func(c nodeConn) error {
			for i := 0; i < count; i++ {
				source := sources[i]
				if !strings.HasPrefix(source, "/") {
					source = filepath.Join(r.repoPath, source)
				}
				mode, err := strconv.ParseUint(modes[i], 8, 32)
				if err != nil {
					return fmt.Errorf("parse mode %q: %w", modes[i], err)
				}
				if err := c.Upload(source, destinations[i], os.FileMode(mode)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// runScriptHook runs a script on each target. The script is either
// inline, a local file from the configuration repository, or a path
// already present on the node.
func (r *Runner) runScriptHook(ctx context.Context, targets []models.Node, args map[string]any) error {
	script, hasScript := argString(args, "script")
	source, _ := argString(args, "source")
	path, hasPath := argString(args, "path")
	arguments := argStrings(args, "arguments")
	useSudo := argBool(args, "use_sudo")

	for _, node := range targets {
		r.logger.Info("running script", "node", node.Name)
		err := r.withNode(ctx, node, func(c nodeConn) error {
			var remotePath string
			switch {
			case hasScript:
				remotePath = remoteHookPath
				if err := c.UploadBytes([]byte(script), remotePath, 0o755); err != nil {
					return err
				}
			case source == "local":
				if !hasPath {
					return errors.New("local script hook requires a path")
				}
				local := path
				if !strings.HasPrefix(local, "/") {
					local = filepath.Join(r.repoPath, local)
				}
				remotePath = remoteHookPath
				if err := c.Upload(local, remotePath, 0o755); err != nil {
					return err
				}
			case source == "remote":
				if !hasPath {
					return errors.New("remote script hook requires a path")
				}
				remotePath = path
			default:
				return errors.New("script hook requires an inline script or a source")
			}

			command := remotePath
			if len(arguments) > 0 {
				command = fmt.Sprintf("%s %s", remotePath, strings.Join(arguments, " "))
			}
			if useSudo {
				command = "sudo " + command
			}
			output, err := c.Exec(command)
			r.logger.Debug("script finished", "node", node.Name, "output", output)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

var webhookActions = map[string]string{
	"get":     http.MethodGet,
	"post":    http.MethodPost,
	"put":     http.MethodPut,
	"patch":   http.MethodPatch,
	"delete":  http.MethodDelete,
	"options": http.MethodOptions,
}

// runWebhookHook sends one HTTP request; it has no targets.
func (r *Runner) runWebhookHook(ctx context.Context, args map[string]any) error {
	uri, ok := argString(args, "uri")
	if !ok {
		return errors.New("webhook hook requires a uri")
	}
	action, ok := argString(args, "action")
	if !ok {
		return errors.New("webhook hook requires an action")
	}
	method, ok := webhookActions[strings.ToLower(action)]
	if !ok {
		return fmt.Errorf("webhook action %q not supported", action)
	}
	bodyDoc, ok := args["body"]
	if !ok {
		return errors.New("webhook hook requires a body")
	}
	body, err := json.Marshal(bodyDoc)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	r.logger.Info("running webhook", "uri", uri, "action", action)
	req, err := http.NewRequestWithContext(ctx, method, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	r.logger.Info("webhook finished", "uri", uri, "status_code", resp.StatusCode)
	return nil
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

func argStringDefault(args map[string]any, key, fallback string) string {
	if s, ok := argString(args, key); ok {
		return s
	}
	return fallback
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argStrings(args map[string]any, key string) []string {
	list, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
