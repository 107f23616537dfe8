package model

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bepfleet/bepd/events"
	"github.com/bepfleet/bepd/logger"
	"github.com/bepfleet/bepd/protocol"
)

var log = logger.DefaultLogger.NewFacility("model", "cluster model and session registry")

var (
	metricDevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bepd",
		Subsystem: "model",
		Name:      "devices_connected",
	})
	metricRequestsServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bepd",
		Subsystem: "model",
		Name:      "requests_served_total",
	}, []string{"result"})
)

// Model is the in-memory hub of a running endpoint: it tracks currently
// connected Sessions, delegates folder/file bookkeeping to a Storage, and
// fans out local index activity to every Session waiting on it.
//
// A Model satisfies protocol.Model, so the same value is handed to every
// Session the listener spawns.
type Model struct {
	local         protocol.DeviceID
	clientName    string
	clientVersion string
	storage       Storage
	events        *events.Logger
	dedupe        *introducerDedupe

	mut      sync.RWMutex
	sessions map[protocol.DeviceID]*protocol.Session

	updateMut sync.Mutex
	updateCh  chan struct{}

	// PendingConnects receives devices discovered via an introducer's
	// ClusterConfig that the caller (listener/dialer) should attempt to
	// connect to. The channel is buffered and never closed; callers should
	// drain it in a select alongside their own shutdown signal.
	PendingConnects chan protocol.DeviceID
}

// New returns a ready-to-use Model identified as local on the wire.
func New(local protocol.DeviceID, clientName, clientVersion string, storage Storage, ev *events.Logger) *Model {
	return &Model{
		local:           local,
		clientName:      clientName,
		clientVersion:   clientVersion,
		storage:         storage,
		events:          ev,
		dedupe:          newIntroducerDedupe(),
		sessions:        make(map[protocol.DeviceID]*protocol.Session),
		updateCh:        make(chan struct{}),
		PendingConnects: make(chan protocol.DeviceID, 256),
	}
}

// AddSession registers s as the current Session for its peer, replacing
// any prior Session for that peer (the listener is responsible for
// rejecting duplicate connections before reaching this point).
func (m *Model) AddSession(id protocol.DeviceID, s *protocol.Session) {
	m.mut.Lock()
	m.sessions[id] = s
	m.mut.Unlock()
	metricDevicesConnected.Set(float64(m.sessionCount()))
	m.events.Log(events.DeviceConnected, id.String())
}

// removeSession drops the registry entry for id if it still points at s
// (a newer Session for the same peer must not be evicted by an older
// one's Close racing in).
func (m *Model) removeSession(id protocol.DeviceID, s *protocol.Session) {
	m.mut.Lock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
	}
	m.mut.Unlock()
	metricDevicesConnected.Set(float64(m.sessionCount()))
	m.events.Log(events.DeviceDisconnected, id.String())
}

func (m *Model) sessionCount() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.sessions)
}

// IsConnected reports whether id currently has a live Session.
func (m *Model) IsConnected(id protocol.DeviceID) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// LocalClusterConfig builds the ClusterConfig to announce to peer,
// containing every folder shared with it and that folder's device list.
func (m *Model) LocalClusterConfig(peer protocol.DeviceID) protocol.ClusterConfigMessage {
	folders, err := m.storage.GetFoldersFor(peer)
	if err != nil {
		log.Warnf("building cluster config for %s: %v", peer, err)
		folders = nil
	}

	wireFolders := make([]protocol.Folder, 0, len(folders))
	for _, f := range folders {
		devices := make([]protocol.Device, 0, len(f.Devices))
		for _, d := range f.Devices {
			devices = append(devices, protocol.Device{
				ID:              d.ID,
				MaxLocalVersion: d.MaxLocalVersion,
				Flags:           d.Flags,
				Options:         d.Options,
			})
		}
		wireFolders = append(wireFolders, protocol.Folder{
			ID:      f.ID,
			Devices: devices,
			Flags:   f.Flags,
			Options: f.Options,
		})
	}

	return protocol.ClusterConfigMessage{
		ClientName:    m.clientName,
		ClientVersion: m.clientVersion,
		Folders:       wireFolders,
		Options:       protocol.Options{},
	}
}

// ClusterConfig handles each announced folder that is also configured
// locally: it raises the peer's persisted MaxLocalVersion for that folder to
// the version the peer reports having received from us (adding a membership
// record for the peer if needed), and — if the peer is an introducer on the
// folder — enqueues connection attempts to devices it lists that the folder
// doesn't already include. The peer's client name, client version and
// options are not persisted.
func (m *Model) ClusterConfig(peer protocol.DeviceID, cfg protocol.ClusterConfigMessage) error {
	m.events.Log(events.ClusterConfigReceived, peer.String())

	local, err := m.storage.LocalFolders()
	if err != nil {
		return &protocol.StorageError{Op: "cluster config: local folders", Err: err}
	}
	localByID := make(map[string]StoredFolder, len(local))
	for _, f := range local {
		localByID[f.ID] = f
	}

	for _, wf := range cfg.Folders {
		lf, shared := localByID[wf.ID]
		if !shared {
			continue
		}

		var introducer bool
		var ackVersion uint64
		for _, wd := range wf.Devices {
			if wd.ID == peer {
				introducer = wd.Introducer()
			}
			if wd.ID == m.local {
				// The peer is telling us, for its own copy of this folder,
				// how much of our local index it has already received.
				// Raising our persisted threshold from this avoids
				// resending files the peer already has after a restart
				// wipes any in-memory fan-out state.
				ackVersion = wd.MaxLocalVersion
			}
		}

		if ackVersion > 0 && advanceDeviceThreshold(&lf, peer, ackVersion) {
			if err := m.storage.UpsertFolder(lf); err != nil {
				return &protocol.StorageError{Op: "cluster config: persist ack", Err: err}
			}
			localByID[wf.ID] = lf
		}

		for _, wd := range wf.Devices {
			already := false
			for _, ld := range lf.Devices {
				if ld.ID == wd.ID {
					already = true
					break
				}
			}
			if already || wd.ID == m.local {
				continue
			}
			if introducer && m.dedupe.ShouldEnqueue(peer, wd.ID) {
				select {
				case m.PendingConnects <- wd.ID:
				default:
					log.Warnf("pending-connect queue full, dropping introduction of %s from %s", wd.ID, peer)
				}
			}
		}
	}

	return nil
}

// advanceDeviceThreshold raises peer's MaxLocalVersion entry in f to
// version, adding a membership record for peer if f doesn't have one yet.
// It reports whether f.Devices was modified, so callers can skip a no-op
// UpsertFolder.
func advanceDeviceThreshold(f *StoredFolder, peer protocol.DeviceID, version uint64) bool {
	for i := range f.Devices {
		if f.Devices[i].ID == peer {
			if f.Devices[i].MaxLocalVersion >= version {
				return false
			}
			f.Devices[i].MaxLocalVersion = version
			return true
		}
	}
	f.Devices = append(f.Devices, StoredDevice{ID: peer, MaxLocalVersion: version})
	return true
}

// Index stores each of files in the peer's known file set for folder,
// replacing any stored entry of the same name. Entries stored earlier that
// are absent from files are not removed.
func (m *Model) Index(peer protocol.DeviceID, folder string, files []protocol.FileInfo) error {
	for _, fi := range files {
		if err := m.upsertFile(peer, folder, fi); err != nil {
			return err
		}
	}
	return nil
}

// IndexUpdate merges files into the peer's known file set for folder.
func (m *Model) IndexUpdate(peer protocol.DeviceID, folder string, files []protocol.FileInfo) error {
	for _, fi := range files {
		existing, ok, err := m.storage.GetFileInfo(peer, folder, fi.Name)
		if err != nil {
			return &protocol.StorageError{Op: "index update: lookup", Err: err}
		}
		if ok {
			fi.Version = existing.Version.Copy().Merge(fi.Version)
		}
		if err := m.upsertFile(peer, folder, fi); err != nil {
			return err
		}
	}
	m.events.Log(events.RemoteIndexUpdated, folder)
	return nil
}

func (m *Model) upsertFile(peer protocol.DeviceID, folder string, fi protocol.FileInfo) error {
	if err := m.storage.UpsertFileInfo(peer, folder, fi); err != nil {
		return &protocol.StorageError{Op: "upsert file info", Err: err}
	}
	return nil
}

// Request serves a byte range of a file out of the local store.
func (m *Model) Request(peer protocol.DeviceID, folder, name string, offset int64, size int, hash []byte) ([]byte, error) {
	data, err := m.storage.GetBlock(folder, name, offset, size)
	if err != nil {
		metricRequestsServedTotal.WithLabelValues(responseResultLabel(err)).Inc()
		return nil, err
	}
	metricRequestsServedTotal.WithLabelValues("ok").Inc()
	m.events.Log(events.RequestServed, name)
	return data, nil
}

func responseResultLabel(err error) string {
	switch err.(type) {
	case *protocol.NoSuchFileError:
		return "no_such_file"
	case *protocol.InvalidError:
		return "invalid"
	default:
		return "error"
	}
}

// Close drops the peer's Session registration. It is called by the
// protocol package itself when a Session ends, so it must not try to
// re-close the Session.
func (m *Model) Close(peer protocol.DeviceID, err error) {
	m.mut.RLock()
	s := m.sessions[peer]
	m.mut.RUnlock()
	if s != nil {
		m.removeSession(peer, s)
	}
}

// SharedFolders lists the folder IDs shared with peer.
func (m *Model) SharedFolders(peer protocol.DeviceID) []string {
	folders, err := m.storage.GetFoldersFor(peer)
	if err != nil {
		log.Warnf("listing shared folders for %s: %v", peer, err)
		return nil
	}
	out := make([]string, len(folders))
	for i, f := range folders {
		out[i] = f.ID
	}
	return out
}

// PendingIndexUpdates returns the files in folder whose LocalVersion is
// higher than the last one advertised to peer, and advances the
// persisted high-water mark so the same files aren't resent on the next
// wakeup. A missed or coalesced wakeup just means a bigger batch next
// time. The threshold is read from and written back to the peer's
// StoredDevice.MaxLocalVersion entry in folder's membership record, so it
// survives a process restart instead of resetting to zero.
func (m *Model) PendingIndexUpdates(peer protocol.DeviceID, folder string) []protocol.FileInfo {
	files, err := m.storage.ListFileInfos(m.local, folder)
	if err != nil {
		log.Warnf("listing local files for %s: %v", folder, err)
		return nil
	}

	threshold, err := m.sentThreshold(peer, folder)
	if err != nil {
		log.Warnf("reading sent threshold for %s/%s: %v", peer, folder, err)
		return nil
	}

	var pending []protocol.FileInfo
	high := threshold
	for _, fi := range files {
		if fi.LocalVersion > threshold {
			pending = append(pending, fi)
			if fi.LocalVersion > high {
				high = fi.LocalVersion
			}
		}
	}

	if high > threshold {
		if err := m.setSentThreshold(peer, folder, high); err != nil {
			log.Warnf("persisting sent threshold for %s/%s: %v", peer, folder, err)
		}
	}
	return pending
}

func (m *Model) sentThreshold(peer protocol.DeviceID, folder string) (uint64, error) {
	folders, err := m.storage.LocalFolders()
	if err != nil {
		return 0, err
	}
	for _, f := range folders {
		if f.ID != folder {
			continue
		}
		for _, d := range f.Devices {
			if d.ID == peer {
				return d.MaxLocalVersion, nil
			}
		}
	}
	return 0, nil
}

func (m *Model) setSentThreshold(peer protocol.DeviceID, folder string, version uint64) error {
	folders, err := m.storage.LocalFolders()
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.ID != folder {
			continue
		}
		if !advanceDeviceThreshold(&f, peer, version) {
			return nil
		}
		return m.storage.UpsertFolder(f)
	}
	return m.storage.UpsertFolder(StoredFolder{
		ID:      folder,
		Devices: []StoredDevice{{ID: peer, MaxLocalVersion: version}},
	})
}

// Subscribe returns the current update channel, which the next SignalUpdate
// call closes; after that, Subscribe returns a fresh channel. It satisfies
// protocol.Model and model.LocalIndexSubscriber.
func (m *Model) Subscribe() <-chan struct{} {
	m.updateMut.Lock()
	defer m.updateMut.Unlock()
	return m.updateCh
}

// SignalUpdate fires the update broadcast: every goroutine currently
// blocked on a channel from Subscribe wakes up, and a fresh channel is
// installed atomically so the next Subscribe call gets the new one.
func (m *Model) SignalUpdate() {
	m.updateMut.Lock()
	old := m.updateCh
	m.updateCh = make(chan struct{})
	m.updateMut.Unlock()
	close(old)
	m.events.Log(events.LocalIndexUpdated, nil)
}
