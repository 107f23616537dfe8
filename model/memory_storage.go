package model

import (
	"sync"

	"github.com/bepfleet/bepd/protocol"
)

// memoryStorage is an in-memory Storage, used for tests and for running
// without a configured data directory.
type memoryStorage struct {
	mut sync.RWMutex

	devices map[protocol.DeviceID]StoredDevice
	folders map[string]StoredFolder
	files   map[string]map[string]protocol.FileInfo // deviceID.String()+"/"+folder -> name -> FileInfo
}

// NewMemoryStorage returns an empty, ready-to-use in-memory Storage.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		devices: make(map[protocol.DeviceID]StoredDevice),
		folders: make(map[string]StoredFolder),
		files:   make(map[string]map[string]protocol.FileInfo),
	}
}

func (s *memoryStorage) GetDevice(id protocol.DeviceID) (StoredDevice, bool, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	d, ok := s.devices[id]
	return d, ok, nil
}

func (s *memoryStorage) UpsertDevice(d StoredDevice) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.devices[d.ID] = d
	return nil
}

func (s *memoryStorage) GetFoldersFor(id protocol.DeviceID) ([]StoredFolder, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var out []StoredFolder
	for _, f := range s.folders {
		for _, d := range f.Devices {
			if d.ID == id {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStorage) LocalFolders() ([]StoredFolder, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	out := make([]StoredFolder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f)
	}
	return out, nil
}

func (s *memoryStorage) UpsertFolder(f StoredFolder) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.folders[f.ID] = f
	return nil
}

func fileKey(id protocol.DeviceID, folder string) string {
	return id.String() + "/" + folder
}

func (s *memoryStorage) UpsertFileInfo(deviceID protocol.DeviceID, folder string, fi protocol.FileInfo) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	key := fileKey(deviceID, folder)
	if s.files[key] == nil {
		s.files[key] = make(map[string]protocol.FileInfo)
	}
	s.files[key][fi.Name] = fi
	return nil
}

func (s *memoryStorage) ListFileInfos(deviceID protocol.DeviceID, folder string) ([]protocol.FileInfo, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	m := s.files[fileKey(deviceID, folder)]
	out := make([]protocol.FileInfo, 0, len(m))
	for _, fi := range m {
		out = append(out, fi)
	}
	return out, nil
}

func (s *memoryStorage) GetFileInfo(deviceID protocol.DeviceID, folder, name string) (protocol.FileInfo, bool, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	fi, ok := s.files[fileKey(deviceID, folder)][name]
	return fi, ok, nil
}

func (s *memoryStorage) GetBlock(folder, name string, offset int64, size int) ([]byte, error) {
	return nil, &protocol.NoSuchFileError{Folder: folder, Name: name}
}

func (s *memoryStorage) Close() error { return nil }
