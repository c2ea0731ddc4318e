package tftp

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

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pvcbootstrapd/internal/config"
	"pvcbootstrapd/internal/cspec"
)

const fixturePXETemplate = `#!ipxe
set imgargs-host {{ .ImgArgsHost }}
chain pvc-installer`

const fixturePreseedTemplate = `debrelease={{ .DebRelease }}
addpkglist={{ .AddPackages }}
filesystem={{ .Filesystem }}
fqdn={{ .FQDN }}
target_disk={{ .TargetDisk }}
pvcbootstrapd_checkin_uri={{ .CheckinURI }}`

type nullNotifier struct{}

func (nullNotifier) Send(context.Context, string, string) {}

type recordingNotifier struct {
	sent []string
}

func (r *recordingNotifier) Send(_ context.Context, status, message string) {
	r.sent = append(r.sent, status+": "+message)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DeployUsername: "deploy",
	}
	cfg.TFTP.RootPath = filepath.Join(dir, "tftp")
	cfg.TFTP.HostPath = filepath.Join(dir, "tftp", "host")
	cfg.DHCP.Address = "10.10.10.1"
	cfg.API.Port = 9999
	cfg.Ansible.Path = filepath.Join(dir, "repo")
	cfg.Ansible.KeyFile = filepath.Join(dir, "id_ed25519")
	return cfg
}

func newTestRenderer(t *testing.T, cfg *config.Config) *Renderer {
	t.Helper()
	if err := os.MkdirAll(cfg.TFTP.HostPath, 0o755); err != nil {
		t.Fatalf("mkdir host path failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.TFTP.RootPath, pxeTemplateFile), []byte(fixturePXETemplate), 0o644); err != nil {
		t.Fatalf("write pxe template failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.TFTP.RootPath, preseedTemplateFile), []byte(fixturePreseedTemplate), 0o644); err != nil {
		t.Fatalf("write preseed template failed: %v", err)
	}
	noExec := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatalf("unexpected exec of %s", name)
		return nil, nil
	}
	return NewRenderer(cfg, testLogger(), nullNotifier{}, noExec)
}

func testNode() *cspec.NodeSpec {
	return &cspec.NodeSpec{
		Node: cspec.NodeIdentity{
			Hostname: "hv1",
			Cluster:  "cluster1",
			Domain:   "upstream.local",
			FQDN:     "hv1.upstream.local",
		},
		Config: cspec.HostSpec{
			KernelOptions: []string{"console=ttyS0,115200", "acpi=off"},
			Packages:      []string{"ca-certificates", "vim"},
			Release:       "bookworm",
			Filesystem:    "ext4",
		},
	}
}

func TestWritePXERendersKernelOptions(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRenderer(t, cfg)

	if err := r.WritePXE(testNode(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatalf("WritePXE failed: %v", err)
	}

	path := filepath.Join(cfg.TFTP.HostPath, "mac-aabbccddee01.ipxe")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "set imgargs-host console=ttyS0,115200 acpi=off") {
		t.Fatalf("kernel options not rendered:\n%s", content)
	}
	if !strings.HasSuffix(content, "\n") {
		t.Fatal("artifact missing trailing newline")
	}

	// No temporary files are left behind
	entries, err := os.ReadDir(cfg.TFTP.HostPath)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "mac-aabbccddee01.ipxe" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected host path contents: %v", names)
	}
}

func TestWritePXEWithoutKernelOptions(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRenderer(t, cfg)

	node := testNode()
	node.Config.KernelOptions = nil
	if err := r.WritePXE(node, "aa:bb:cc:dd:ee:02"); err != nil {
		t.Fatalf("WritePXE failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.TFTP.HostPath, "mac-aabbccddee02.ipxe"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.Contains(string(raw), "set imgargs-host \n") {
		t.Fatalf("expected empty imgargs, got:\n%s", raw)
	}
}

func TestWritePreseedRendersInstallerData(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRenderer(t, cfg)

	if err := r.WritePreseed(testNode(), "aa:bb:cc:dd:ee:01", "detect:INTEL:960GB:0"); err != nil {
		t.Fatalf("WritePreseed failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.TFTP.HostPath, "mac-aabbccddee01.preseed"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	content := string(raw)
	for _, want := range []string{
		"debrelease=bookworm",
		"addpkglist=ca-certificates,vim",
		"filesystem=ext4",
		"fqdn=hv1.upstream.local",
		"target_disk=detect:INTEL:960GB:0",
		"pvcbootstrapd_checkin_uri=http://10.10.10.1:9999/checkin/host",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("missing %q in preseed:\n%s", want, content)
		}
	}
}

func TestWritePreseedMissingTemplateFails(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRenderer(t, cfg)
	if err := os.Remove(filepath.Join(cfg.TFTP.RootPath, preseedTemplateFile)); err != nil {
		t.Fatalf("remove template failed: %v", err)
	}

	if err := r.WritePreseed(testNode(), "aa:bb:cc:dd:ee:01", "/dev/sda"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestInitRootFirstRun(t *testing.T) {
	cfg := testConfig(t)

	// Deploy keypair fixture
	if err := os.WriteFile(cfg.Ansible.KeyFile, []byte("PRIVATE"), 0o600); err != nil {
		t.Fatalf("write keyfile failed: %v", err)
	}
	pubContent := "ssh-ed25519 AAAA deploy@pvcbootstrapd\n"
	if err := os.WriteFile(cfg.Ansible.KeyFile+".pub", []byte(pubContent), 0o644); err != nil {
		t.Fatalf("write pubkey failed: %v", err)
	}

	var execCalls [][]string
	execFn := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		execCalls = append(execCalls, append([]string{name}, args...))
		return []byte("ok"), nil
	}
	notifier := &recordingNotifier{}
	r := NewRenderer(cfg, testLogger(), notifier, execFn)

	if err := r.InitRoot(context.Background()); err != nil {
		t.Fatalf("InitRoot failed: %v", err)
	}

	// Directories and key published
	if _, err := os.Stat(cfg.TFTP.HostPath); err != nil {
		t.Fatalf("host path not created: %v", err)
	}
	keys, err := os.ReadFile(filepath.Join(cfg.TFTP.RootPath, "keys.txt"))
	if err != nil {
		t.Fatalf("keys.txt not written: %v", err)
	}
	if string(keys) != pubContent {
		t.Fatalf("keys.txt content mismatch: %q", keys)
	}

	// Installer build invoked once with the expected argv
	if len(execCalls) != 1 {
		t.Fatalf("expected 1 exec call, got %d", len(execCalls))
	}
	wantScript := filepath.Join(cfg.Ansible.Path, "pvc-installer", "buildpxe.sh")
	got := execCalls[0]
	if got[0] != wantScript || got[1] != "-o" || got[2] != cfg.TFTP.RootPath || got[3] != "-u" || got[4] != "deploy" {
		t.Fatalf("unexpected build argv: %v", got)
	}

	if len(notifier.sent) != 3 {
		t.Fatalf("expected 3 webhooks, got %v", notifier.sent)
	}

	// A second run with an existing root does nothing
	if err := r.InitRoot(context.Background()); err != nil {
		t.Fatalf("InitRoot (existing) failed: %v", err)
	}
	if len(execCalls) != 1 {
		t.Fatalf("expected no additional exec calls, got %d", len(execCalls))
	}
}
