package dnsmasq

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
	"testing"

	"pvcbootstrapd/internal/config"
)

func argsFixtureConfig() *config.Config {
	cfg := &config.Config{}
	cfg.DHCP.Address = "10.199.199.1"
	cfg.DHCP.Gateway = "10.199.199.1"
	cfg.DHCP.Domain = "pvcbootstrap.local"
	cfg.DHCP.LeaseStart = "10.199.199.10"
	cfg.DHCP.LeaseEnd = "10.199.199.19"
	cfg.DHCP.LeaseTime = "14400"
	cfg.TFTP.RootPath = "/srv/tftp"
	return cfg
}

func TestArgs(t *testing.T) {
	cfg := argsFixtureConfig()
	got := Args(cfg, "/usr/libexec/pvcbootstrapd/pvcbootstrapd-lease")

	want := []string{
		"--bogus-priv",
		"--no-hosts",
		"--dhcp-authoritative",
		"--filterwin2k",
		"--expand-hosts",
		"--domain-needed",
		"--domain=pvcbootstrap.local",
		"--local=/pvcbootstrap.local/",
		"--log-facility=-",
		"--log-dhcp",
		"--keep-in-foreground",
		"--dhcp-script=/usr/libexec/pvcbootstrapd/pvcbootstrapd-lease",
		"--bind-interfaces",
		"--listen-address=10.199.199.1",
		"--dhcp-option=3,10.199.199.1",
		"--dhcp-range=10.199.199.10,10.199.199.19,14400",
		"--enable-tftp",
		"--tftp-root=/srv/tftp/",
		"--dhcp-match=set:o_bios,option:client-arch,0",
		"--dhcp-match=set:o_uefi,option:client-arch,7",
		"--dhcp-match=set:o_uefi,option:client-arch,9",
		"--dhcp-match=set:ipxe,175",
		"--tag-if=set:bios,tag:!ipxe,tag:o_bios",
		"--tag-if=set:uefi,tag:!ipxe,tag:o_uefi",
		"--dhcp-boot=tag:bios,undionly.kpxe",
		"--dhcp-boot=tag:uefi,ipxe.efi",
		"--dhcp-boot=tag:ipxe,boot.ipxe",
	}

	if len(got) != len(want) {
		t.Fatalf("argv length mismatch: got %d want %d\ngot: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] mismatch: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestArgsDebugAppendsLeasefileRO(t *testing.T) {
	cfg := argsFixtureConfig()
	cfg.Debug = true
	got := Args(cfg, "/usr/libexec/pvcbootstrapd/pvcbootstrapd-lease")

	if got[len(got)-1] != "--leasefile-ro" {
		t.Fatalf("expected --leasefile-ro last with debug enabled, got %q", got[len(got)-1])
	}
}
