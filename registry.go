package mellofs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/persistence"
)

// FsType binds a filesystem type name to its mount entry point. Mount
// requests are resolved against the registered types by name.
type FsType struct {
	Name  string
	Mount func(dev persistence.Dev, opts Options) (*FileSystem, error)
}

var (
	registryMu sync.Mutex
	fsTypes    = map[string]FsType{}
	devices    = map[string]persistence.Dev{}
)

// RegisterFsType makes the type mountable by name. Registering the same name
// twice keeps the first registration and is not an error.
func RegisterFsType(t FsType) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := fsTypes[t.Name]; ok {
		return
	}
	fsTypes[t.Name] = t
}

// RegisterDevice makes the device mountable under dev.Name(). Registering
// the same name twice keeps the first device and is not an error.
func RegisterDevice(dev persistence.Dev) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := devices[dev.Name()]; ok {
		return
	}
	devices[dev.Name()] = dev
}

// Device returns a registered device by name.
func Device(name string) (persistence.Dev, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	dev, ok := devices[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "device %q is not registered", name)
	}
	return dev, nil
}

// Mount resolves the filesystem type and the device by name and mounts.
func Mount(fsType, device string, opts Options) (*FileSystem, error) {
	registryMu.Lock()
	t, ok := fsTypes[fsType]
	registryMu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "filesystem type %q is not registered", fsType)
	}

	dev, err := Device(device)
	if err != nil {
		return nil, err
	}
	return t.Mount(dev, opts)
}

func init() {
	RegisterFsType(FsType{Name: FsTypeName, Mount: MountDevice})
}
