package model

import (
	"encoding/json"
	"fmt"

	"github.com/bepfleet/bepd/protocol"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout, a prefix byte per record kind followed by its identifying
// fields:
//
//	'D' deviceID (32 bytes)                         -> json(StoredDevice)
//	'F' folderID                                    -> json(StoredFolder)
//	'I' deviceID (32 bytes) '/' folderID '/' name    -> json(protocol.FileInfo)
const (
	prefixDevice = 'D'
	prefixFolder = 'F'
	prefixFile   = 'I'
)

// leveldbStorage is the default on-disk Storage.
type leveldbStorage struct {
	db *leveldb.DB
}

// NewLevelDBStorage opens (creating if necessary) a leveldb-backed Storage
// rooted at dir.
func NewLevelDBStorage(dir string) (Storage, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{OpenFilesCacheCapacity: 32})
	if err != nil {
		return nil, &protocol.StorageError{Op: "open", Err: err}
	}
	return &leveldbStorage{db: db}, nil
}

func deviceKey(id protocol.DeviceID) []byte {
	k := make([]byte, 1+len(id))
	k[0] = prefixDevice
	copy(k[1:], id[:])
	return k
}

func folderKey(id string) []byte {
	return append([]byte{prefixFolder}, []byte(id)...)
}

func fileInfoKey(deviceID protocol.DeviceID, folder, name string) []byte {
	return []byte(fmt.Sprintf("%c%s/%s/%s", prefixFile, deviceID.String(), folder, name))
}

func fileInfoPrefix(deviceID protocol.DeviceID, folder string) []byte {
	return []byte(fmt.Sprintf("%c%s/%s/", prefixFile, deviceID.String(), folder))
}

func (s *leveldbStorage) GetDevice(id protocol.DeviceID) (StoredDevice, bool, error) {
	bs, err := s.db.Get(deviceKey(id), nil)
	if err == leveldb.ErrNotFound {
		return StoredDevice{}, false, nil
	}
	if err != nil {
		return StoredDevice{}, false, &protocol.StorageError{Op: "get device", Err: err}
	}
	var d StoredDevice
	if err := json.Unmarshal(bs, &d); err != nil {
		return StoredDevice{}, false, &protocol.StorageError{Op: "decode device", Err: err}
	}
	return d, true, nil
}

func (s *leveldbStorage) UpsertDevice(d StoredDevice) error {
	bs, err := json.Marshal(d)
	if err != nil {
		return &protocol.StorageError{Op: "encode device", Err: err}
	}
	if err := s.db.Put(deviceKey(d.ID), bs, nil); err != nil {
		return &protocol.StorageError{Op: "put device", Err: err}
	}
	return nil
}

func (s *leveldbStorage) LocalFolders() ([]StoredFolder, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixFolder}), nil)
	defer iter.Release()

	var out []StoredFolder
	for iter.Next() {
		var f StoredFolder
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, &protocol.StorageError{Op: "decode folder", Err: err}
		}
		out = append(out, f)
	}
	return out, iter.Error()
}

func (s *leveldbStorage) GetFoldersFor(id protocol.DeviceID) ([]StoredFolder, error) {
	all, err := s.LocalFolders()
	if err != nil {
		return nil, err
	}
	var out []StoredFolder
	for _, f := range all {
		for _, d := range f.Devices {
			if d.ID == id {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

func (s *leveldbStorage) UpsertFolder(f StoredFolder) error {
	bs, err := json.Marshal(f)
	if err != nil {
		return &protocol.StorageError{Op: "encode folder", Err: err}
	}
	if err := s.db.Put(folderKey(f.ID), bs, nil); err != nil {
		return &protocol.StorageError{Op: "put folder", Err: err}
	}
	return nil
}

func (s *leveldbStorage) UpsertFileInfo(deviceID protocol.DeviceID, folder string, fi protocol.FileInfo) error {
	bs, err := json.Marshal(fi)
	if err != nil {
		return &protocol.StorageError{Op: "encode file info", Err: err}
	}
	if err := s.db.Put(fileInfoKey(deviceID, folder, fi.Name), bs, nil); err != nil {
		return &protocol.StorageError{Op: "put file info", Err: err}
	}
	return nil
}

func (s *leveldbStorage) ListFileInfos(deviceID protocol.DeviceID, folder string) ([]protocol.FileInfo, error) {
	iter := s.db.NewIterator(util.BytesPrefix(fileInfoPrefix(deviceID, folder)), nil)
	defer iter.Release()

	var out []protocol.FileInfo
	for iter.Next() {
		var fi protocol.FileInfo
		if err := json.Unmarshal(iter.Value(), &fi); err != nil {
			return nil, &protocol.StorageError{Op: "decode file info", Err: err}
		}
		out = append(out, fi)
	}
	return out, iter.Error()
}

func (s *leveldbStorage) GetFileInfo(deviceID protocol.DeviceID, folder, name string) (protocol.FileInfo, bool, error) {
	bs, err := s.db.Get(fileInfoKey(deviceID, folder, name), nil)
	if err == leveldb.ErrNotFound {
		return protocol.FileInfo{}, false, nil
	}
	if err != nil {
		return protocol.FileInfo{}, false, &protocol.StorageError{Op: "get file info", Err: err}
	}
	var fi protocol.FileInfo
	if err := json.Unmarshal(bs, &fi); err != nil {
		return protocol.FileInfo{}, false, &protocol.StorageError{Op: "decode file info", Err: err}
	}
	return fi, true, nil
}

// GetBlock is not served from leveldb; it is a placeholder until a real
// block-store collaborator (local disk, object storage) is wired in. For
// now it always reports the file missing, which the session maps to
// NO_SUCH_FILE.
func (s *leveldbStorage) GetBlock(folder, name string, offset int64, size int) ([]byte, error) {
	return nil, &protocol.NoSuchFileError{Folder: folder, Name: name}
}

func (s *leveldbStorage) Close() error {
	return s.db.Close()
}
