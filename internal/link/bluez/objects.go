// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	charIface       = "org.bluez.GattCharacteristic1"
	propertiesIface = "org.freedesktop.DBus.Properties"
	propsChanged    = propertiesIface + ".PropertiesChanged"
)

// devicePath finds the Device1 object whose Address matches addr.
func devicePath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, addr string) (dbus.ObjectPath, error) {
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if a, ok := props["Address"].Value().(string); ok && strings.EqualFold(a, addr) {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluez: no device object for %s", addr)
}

// locate returns the device object for addr and the characteristic object
// with the given UUID beneath it.
func locate(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, addr, charUUID string) (dbus.ObjectPath, dbus.ObjectPath, error) {
	dev, err := devicePath(objects, addr)
	if err != nil {
		return "", "", err
	}
	prefix := string(dev) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		if u, ok := props["UUID"].Value().(string); ok && strings.EqualFold(u, charUUID) {
			return dev, path, nil
		}
	}
	return "", "", fmt.Errorf("bluez: no characteristic %s under %s", charUUID, dev)
}
