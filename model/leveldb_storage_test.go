package model

import (
	"testing"

	"github.com/bepfleet/bepd/protocol"
)

func newTestLevelDBStorage(t *testing.T) Storage {
	t.Helper()
	s, err := NewLevelDBStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLevelDBStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelDBStorageDeviceRoundTrip(t *testing.T) {
	s := newTestLevelDBStorage(t)
	id := protocol.DeviceID{1}

	if _, ok, err := s.GetDevice(id); err != nil || ok {
		t.Fatalf("GetDevice before upsert: ok=%v err=%v", ok, err)
	}

	want := StoredDevice{ID: id, MaxLocalVersion: 42}
	if err := s.UpsertDevice(want); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	got, ok, err := s.GetDevice(id)
	if err != nil || !ok {
		t.Fatalf("GetDevice after upsert: ok=%v err=%v", ok, err)
	}
	if got.MaxLocalVersion != want.MaxLocalVersion {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLevelDBStorageFolderRoundTrip(t *testing.T) {
	s := newTestLevelDBStorage(t)
	peer := protocol.DeviceID{1}
	other := protocol.DeviceID{2}

	if err := s.UpsertFolder(StoredFolder{ID: "default", Devices: []StoredDevice{{ID: peer}}}); err != nil {
		t.Fatalf("UpsertFolder default: %v", err)
	}
	if err := s.UpsertFolder(StoredFolder{ID: "other", Devices: []StoredDevice{{ID: other}}}); err != nil {
		t.Fatalf("UpsertFolder other: %v", err)
	}

	all, err := s.LocalFolders()
	if err != nil {
		t.Fatalf("LocalFolders: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("LocalFolders returned %d folders, want 2", len(all))
	}

	forPeer, err := s.GetFoldersFor(peer)
	if err != nil {
		t.Fatalf("GetFoldersFor: %v", err)
	}
	if len(forPeer) != 1 || forPeer[0].ID != "default" {
		t.Fatalf("GetFoldersFor(peer) = %+v, want just \"default\"", forPeer)
	}
}

func TestLevelDBStorageFileInfoRoundTrip(t *testing.T) {
	s := newTestLevelDBStorage(t)
	peer := protocol.DeviceID{1}

	if _, ok, err := s.GetFileInfo(peer, "default", "missing.txt"); err != nil || ok {
		t.Fatalf("GetFileInfo before upsert: ok=%v err=%v", ok, err)
	}

	fi := protocol.FileInfo{Name: "a.txt", Version: protocol.Vector{1: 1}, LocalVersion: 7}
	if err := s.UpsertFileInfo(peer, "default", fi); err != nil {
		t.Fatalf("UpsertFileInfo: %v", err)
	}

	got, ok, err := s.GetFileInfo(peer, "default", "a.txt")
	if err != nil || !ok {
		t.Fatalf("GetFileInfo after upsert: ok=%v err=%v", ok, err)
	}
	if !got.Version.Equal(fi.Version) || got.LocalVersion != fi.LocalVersion {
		t.Errorf("got %+v, want %+v", got, fi)
	}
}

func TestLevelDBStorageListFileInfosIsScopedToDeviceAndFolder(t *testing.T) {
	s := newTestLevelDBStorage(t)
	peer := protocol.DeviceID{1}
	other := protocol.DeviceID{2}

	s.UpsertFileInfo(peer, "default", protocol.FileInfo{Name: "a.txt"})
	s.UpsertFileInfo(peer, "default", protocol.FileInfo{Name: "b.txt"})
	s.UpsertFileInfo(peer, "other", protocol.FileInfo{Name: "c.txt"})
	s.UpsertFileInfo(other, "default", protocol.FileInfo{Name: "d.txt"})

	files, err := s.ListFileInfos(peer, "default")
	if err != nil {
		t.Fatalf("ListFileInfos: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListFileInfos(peer, default) returned %d files, want 2: %+v", len(files), files)
	}
}

func TestLevelDBStorageGetBlockReportsNoSuchFile(t *testing.T) {
	s := newTestLevelDBStorage(t)
	_, err := s.GetBlock("default", "missing.txt", 0, 128)
	if err == nil {
		t.Fatal("GetBlock for a missing file returned no error")
	}
	if _, ok := err.(*protocol.NoSuchFileError); !ok {
		t.Errorf("GetBlock error = %T, want *protocol.NoSuchFileError", err)
	}
}
