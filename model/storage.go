// Package model implements the in-memory session registry and the
// persistent folder/file bookkeeping behind a running set of peer sessions.
package model

import (
	"github.com/bepfleet/bepd/protocol"
)

// StoredDevice is a peer's membership row for one folder, persisted across
// restarts.
type StoredDevice struct {
	ID              protocol.DeviceID
	MaxLocalVersion uint64
	Flags           uint32
	Options         protocol.Options
}

// StoredFolder is a folder's local configuration: its ID and the devices
// it's shared with.
type StoredFolder struct {
	ID      string
	Devices []StoredDevice
	Flags   uint32
	Options protocol.Options
}

// Storage is the persistence collaborator the Model relies on for folder
// membership and per-device file snapshots. Two implementations are
// provided: leveldbStorage for durable on-disk state, and memoryStorage
// for tests and ephemeral use.
type Storage interface {
	GetDevice(id protocol.DeviceID) (StoredDevice, bool, error)
	UpsertDevice(d StoredDevice) error

	GetFoldersFor(id protocol.DeviceID) ([]StoredFolder, error)
	LocalFolders() ([]StoredFolder, error)
	UpsertFolder(f StoredFolder) error

	UpsertFileInfo(deviceID protocol.DeviceID, folder string, fi protocol.FileInfo) error
	ListFileInfos(deviceID protocol.DeviceID, folder string) ([]protocol.FileInfo, error)
	GetFileInfo(deviceID protocol.DeviceID, folder, name string) (protocol.FileInfo, bool, error)

	GetBlock(folder, name string, offset int64, size int) ([]byte, error)

	Close() error
}

// LocalIndexSubscriber is satisfied by anything that can notify a waiter
// of local index activity; Model itself implements it via Subscribe, whose
// channel is closed by SignalUpdate.
type LocalIndexSubscriber interface {
	Subscribe() <-chan struct{}
}
