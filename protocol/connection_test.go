package protocol

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/calmh/xdr"
)

func connectionPair(t *testing.T, compression Compression) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewConnection(DeviceID{1}, a, compression, nil)
	cb := NewConnection(DeviceID{2}, b, compression, nil)
	t.Cleanup(func() {
		ca.close()
		cb.close()
	})
	return ca, cb
}

func TestConnectionSendRecvRoundTrip(t *testing.T) {
	ca, cb := connectionPair(t, CompressNever)

	ping := &PingMessage{}
	done := make(chan error, 1)
	go func() {
		_, err := ca.send(context.Background(), ping, -1)
		done <- err
	}()

	m, _, err := cb.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := m.(*PingMessage); !ok {
		t.Errorf("recv returned %T, want *PingMessage", m)
	}
}

func TestConnectionCompressedRoundTrip(t *testing.T) {
	ca, cb := connectionPair(t, CompressAlways)

	files := make([]FileInfo, 0, 20)
	for i := 0; i < 20; i++ {
		files = append(files, FileInfo{Name: "a-fairly-long-file-name-to-pad-past-the-compression-threshold.txt"})
	}
	idx := &IndexMessage{Folder: "default", Files: files}

	done := make(chan error, 1)
	go func() {
		_, err := ca.send(context.Background(), idx, -1)
		done <- err
	}()

	m, _, err := cb.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := m.(*IndexMessage)
	if !ok {
		t.Fatalf("recv returned %T, want *IndexMessage", m)
	}
	if got.Folder != idx.Folder || len(got.Files) != len(idx.Files) {
		t.Errorf("got %+v, want %+v", got, idx)
	}
}

func TestConnectionMsgIDAllocation(t *testing.T) {
	ca, cb := connectionPair(t, CompressNever)

	for want := 0; want < 3; want++ {
		done := make(chan int, 1)
		go func() {
			id, err := ca.send(context.Background(), &PingMessage{}, -1)
			if err != nil {
				t.Error(err)
			}
			done <- id
		}()
		_, gotID, err := cb.recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		sentID := <-done
		if gotID != sentID {
			t.Errorf("recv msgID %d != sent msgID %d", gotID, sentID)
		}
		if sentID != want {
			t.Errorf("allocated msgID %d, want %d", sentID, want)
		}
	}
}

func TestConnectionLastSentReceivedAdvance(t *testing.T) {
	ca, cb := connectionPair(t, CompressNever)
	before := time.Now()

	done := make(chan struct{})
	go func() {
		ca.send(context.Background(), &PingMessage{}, -1)
		close(done)
	}()
	cb.recv()
	<-done

	if !ca.LastSent().After(before.Add(-time.Second)) {
		t.Error("LastSent did not advance")
	}
	if !cb.LastReceived().After(before.Add(-time.Second)) {
		t.Error("LastReceived did not advance")
	}
}

func TestConnectionRecvSkipsUnknownVersion(t *testing.T) {
	ca, cb := connectionPair(t, CompressNever)

	var buf growBuffer
	xw := xdr.NewWriter(&buf)
	(&PingMessage{}).encodeXDR(xw)
	body := buf.Bytes()

	fh := frameHeader{version: 1, msgID: 7, msgType: typePing}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], encodeHeader(fh))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(body)))

	done := make(chan struct{})
	go func() {
		ca.w.Write(hdr[:])
		ca.w.Write(body)
		ca.w.Flush()
		close(done)
	}()
	<-done

	m, gotID, err := cb.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if m != nil {
		t.Errorf("recv returned %T for an unknown-version frame, want nil (skip)", m)
	}
	if gotID != 7 {
		t.Errorf("recv msgID = %d, want 7 (msgID is still reported on skip)", gotID)
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	ca, _ := connectionPair(t, CompressNever)
	if err := ca.close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ca.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !ca.isClosed() {
		t.Error("isClosed should report true after close")
	}
}
