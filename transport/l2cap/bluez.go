package l2cap

import (
	"fmt"
	"path"

	"github.com/godbus/dbus/v5"

	"github.com/risa-org/avct/transport"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterAddress asks BlueZ for the address of the named controller, such
// as "hci0". An empty name picks the first controller found.
func AdapterAddress(name string) (transport.Address, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return transport.Address{}, fmt.Errorf("connect system bus: %w", err)
	}

	var objs managedObjects
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return transport.Address{}, fmt.Errorf("GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return transport.Address{}, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return adapterAddress(objs, name)
}

// adapterAddress picks the controller out of a GetManagedObjects reply.
func adapterAddress(objs managedObjects, name string) (transport.Address, error) {
	var best dbus.ObjectPath
	for p, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		if name != "" && path.Base(string(p)) != name {
			continue
		}
		// lowest path wins so the choice is stable across calls
		if best == "" || p < best {
			best = p
		}
	}
	if best == "" {
		if name == "" {
			return transport.Address{}, fmt.Errorf("no bluetooth adapter found")
		}
		return transport.Address{}, fmt.Errorf("bluetooth adapter %q not found", name)
	}

	v, ok := objs[best][adapterIface]["Address"]
	if !ok {
		return transport.Address{}, fmt.Errorf("adapter %s has no address", best)
	}
	s, ok := v.Value().(string)
	if !ok {
		return transport.Address{}, fmt.Errorf("adapter %s: address is %s", best, v.Signature())
	}
	return transport.ParseAddress(s)
}
