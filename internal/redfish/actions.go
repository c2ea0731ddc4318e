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

package redfish

import (
	"context"
	"sort"

	"pvcbootstrapd/internal/metrics"
)

// Vendor-specific indicator LED values. Dell firmwares treat "Lit" as
// the resting state and "Blinking" as the locate/identify state.
var indicatorValues = map[string]map[string]string{
	"Dell": {
		"on":  "Blinking",
		"off": "Lit",
	},
	"default": {
		"on":  "Lit",
		"off": "Off",
	},
}

// Power values accept the nice names "on" and "off"; anything else
// (e.g. GracefulShutdown) passes through as a literal ResetType.
var powerValues = map[string]map[string]string{
	"default": {
		"on":  "On",
		"off": "ForceOff",
	},
}

// SetIndicatorState sets the system identify LED to the given state
// ("on"/"off" or a literal value). Returns whether a change was
// attempted; a missing LED or an already-matching state is false.
func (s *Session) SetIndicatorState(ctx context.Context, systemRoot, vendor, state string) bool {
	values, ok := indicatorValues[vendor]
	if !ok {
		values = indicatorValues["default"]
	}
	if mapped, ok := values[state]; ok {
		state = mapped
	}

	sess := s.WithOp(metrics.OpIndicator)
	detail, ok := sess.Get(ctx, systemRoot)
	if !ok {
		return false
	}
	current, ok := digString(detail, "IndicatorLED")
	if !ok {
		return false
	}
	if state == current {
		return false
	}

	sess.Patch(ctx, systemRoot, map[string]any{"IndicatorLED": state})
	return true
}

// SetPowerState issues a ComputerSystem.Reset with the resolved
// ResetType. The current power state is deliberately not compared:
// BMCs misreport it for a while after power events, and the reset
// actions are idempotent enough.
func (s *Session) SetPowerState(ctx context.Context, systemRoot, vendor, state string) bool {
	values, ok := powerValues[vendor]
	if !ok {
		values = powerValues["default"]
	}
	if mapped, ok := values[state]; ok {
		state = mapped
	}

	op := metrics.OpPowerOff
	if state == "On" {
		op = metrics.OpPowerOn
	}
	sess := s.WithOp(op)

	detail, ok := sess.Get(ctx, systemRoot)
	if !ok {
		return false
	}
	target, ok := digString(detail, "Actions", "#ComputerSystem.Reset", "target")
	if !ok {
		return false
	}

	sess.Post(ctx, target, map[string]any{"ResetType": state})
	return true
}

// SetBootOverride sets the boot source override target after checking
// the firmware's supported list.
func (s *Session) SetBootOverride(ctx context.Context, systemRoot, vendor, target string) bool {
	sess := s.WithOp(metrics.OpBootOverride)

	detail, ok := sess.Get(ctx, systemRoot)
	if !ok {
		return false
	}
	supported, ok := digSlice(detail, "Boot", "BootSourceOverrideSupported")
	if !ok {
		return false
	}

	found := false
	for _, v := range supported {
		if v == target {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	sess.Patch(ctx, systemRoot, map[string]any{
		"Boot": map[string]any{"BootSourceOverrideTarget": target},
	})
	return true
}

// ApplyBIOSSettings patches the requested BIOS attributes one at a
// time into the staging resource, skipping keys the firmware does not
// expose. Settings apply on the next reboot.
func (s *Session) ApplyBIOSSettings(ctx context.Context, biosRoot string, settings map[string]any) {
	sess := s.WithOp(metrics.OpConfigure)

	detail, ok := sess.Get(ctx, biosRoot)
	if !ok {
		return
	}
	attributes, ok := digMap(detail, "Attributes")
	if !ok {
		return
	}

	for _, setting := range sortedKeys(settings) {
		if _, ok := attributes[setting]; !ok {
			s.logger.Debug("skipping unknown bios attribute", "attribute", setting)
			continue
		}
		payload := map[string]any{"Attributes": map[string]any{setting: settings[setting]}}
		sess.Patch(ctx, biosRoot+"/Settings", payload)
	}
}

// ApplyManagerSettings patches the requested manager attributes under
// <manager>/Attributes, skipping keys the manager does not expose.
func (s *Session) ApplyManagerSettings(ctx context.Context, managerRoot string, settings map[string]any) {
	sess := s.WithOp(metrics.OpConfigure)
	attributeRoot := managerRoot + "/Attributes"

	detail, ok := sess.Get(ctx, attributeRoot)
	if !ok {
		return
	}
	attributes, ok := digMap(detail, "Attributes")
	if !ok {
		return
	}

	for _, setting := range sortedKeys(settings) {
		if _, ok := attributes[setting]; !ok {
			s.logger.Debug("skipping unknown manager attribute", "attribute", setting)
			continue
		}
		payload := map[string]any{"Attributes": map[string]any{setting: settings[setting]}}
		sess.Patch(ctx, attributeRoot, payload)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
