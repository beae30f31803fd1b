package downloadarea

import (
	"testing"

	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
)

func TestWriteInstanceAndCommit(t *testing.T) {
	payload := []byte("0123456789")
	md5 := toolbox.MD5Hex(payload)
	infos := []instance.Info{instance.New("a", uint64(len(payload)), md5)}

	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 1, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := area.WriteInstance("a", payload); err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	if err := area.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, ok := backend.Imported("a")
	if !ok {
		t.Fatal("expected instance a to be imported")
	}
	if string(got) != string(payload) {
		t.Fatalf("imported = %q, want %q", got, payload)
	}
}

func TestWriteInstanceRejectsBadMD5(t *testing.T) {
	infos := []instance.Info{instance.New("a", 10, "deadbeefdeadbeefdeadbeefdeadbeef")}
	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 1, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := area.WriteInstance("a", []byte("0123456789")); err == nil {
		t.Fatal("expected corrupted error on MD5 mismatch")
	}
}

func TestWriteBucketAndCommitMD5Mismatch(t *testing.T) {
	infos := []instance.Info{
		instance.New("a", 3, toolbox.MD5Hex([]byte("abc"))),
		instance.New("b", 5, "ffffffffffffffffffffffffffffffff"),
	}
	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 2, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bucket := scheduler.Bucket{Chunks: []scheduler.Chunk{
		{InstanceID: "a", Offset: 0, Size: 3},
		{InstanceID: "b", Offset: 0, Size: 5},
	}}
	payload := []byte("abchello")
	if err := area.WriteUncompressedBucket(bucket, payload); err != nil {
		t.Fatalf("WriteUncompressedBucket: %v", err)
	}

	if err := area.Commit(); err == nil {
		t.Fatal("expected commit to fail on b's MD5 mismatch")
	}
	if _, ok := backend.Imported("b"); ok {
		t.Fatal("instance b must not be imported on MD5 mismatch")
	}
}

func TestWriteUncompressedBucketRejectsSizeMismatch(t *testing.T) {
	infos := []instance.Info{instance.New("a", 3, toolbox.MD5Hex([]byte("abc")))}
	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 1, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bucket := scheduler.Bucket{Chunks: []scheduler.Chunk{{InstanceID: "a", Offset: 0, Size: 3}}}
	if err := area.WriteUncompressedBucket(bucket, []byte("ab")); err == nil {
		t.Fatal("expected protocol error on size disagreement")
	}
}

func TestWriteChunkOutOfRange(t *testing.T) {
	infos := []instance.Info{instance.New("a", 3, toolbox.MD5Hex([]byte("abc")))}
	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 1, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bucket := scheduler.Bucket{Chunks: []scheduler.Chunk{{InstanceID: "a", Offset: 2, Size: 3}}}
	if err := area.WriteUncompressedBucket(bucket, []byte("xyz")); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestCheckMD5DoesNotImport(t *testing.T) {
	payload := []byte("hello")
	infos := []instance.Info{instance.New("a", uint64(len(payload)), toolbox.MD5Hex(payload))}
	backend := host.NewMemoryBackend()
	area, err := New(infos, backend, 1, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := area.WriteInstance("a", payload); err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	if err := area.CheckMD5(); err != nil {
		t.Fatalf("CheckMD5: %v", err)
	}
	if _, ok := backend.Imported("a"); ok {
		t.Fatal("CheckMD5 must not import")
	}
}
