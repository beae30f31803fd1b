package scheduler

import (
	"testing"

	"github.com/orthanc-team/transfers-accelerator/internal/instance"
)

func TestPackSingleSmallInstance(t *testing.T) {
	infos := []instance.Info{instance.New("a", 10, "")}
	plan := Pack(infos, 4096, 0)

	if len(plan.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(plan.Buckets))
	}
	want := []Chunk{{"a", 0, 10}}
	if got := plan.Buckets[0].Chunks; !chunksEqual(got, want) {
		t.Fatalf("bucket 0 = %+v, want %+v", got, want)
	}
}

func TestPackTwoInstancesOneBucket(t *testing.T) {
	infos := []instance.Info{
		instance.New("a", 3, ""),
		instance.New("b", 5, ""),
	}
	plan := Pack(infos, 1024, 2048)

	if len(plan.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(plan.Buckets))
	}
	want := []Chunk{{"a", 0, 3}, {"b", 0, 5}}
	if got := plan.Buckets[0].Chunks; !chunksEqual(got, want) {
		t.Fatalf("bucket 0 = %+v, want %+v", got, want)
	}
	if plan.TotalBytes != 8 || plan.TotalInstances != 2 {
		t.Fatalf("unexpected totals: %+v", plan)
	}
}

func TestPackSplitAcrossBuckets(t *testing.T) {
	infos := []instance.Info{instance.New("a", 1500, "")}
	plan := Pack(infos, 1024, 1024)

	if len(plan.Buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(plan.Buckets))
	}
	want0 := []Chunk{{"a", 0, 1024}}
	want1 := []Chunk{{"a", 1024, 476}}
	if got := plan.Buckets[0].Chunks; !chunksEqual(got, want0) {
		t.Fatalf("bucket 0 = %+v, want %+v", got, want0)
	}
	if got := plan.Buckets[1].Chunks; !chunksEqual(got, want1) {
		t.Fatalf("bucket 1 = %+v, want %+v", got, want1)
	}
}

func TestPackNeverEmitsZeroLengthChunk(t *testing.T) {
	infos := []instance.Info{
		instance.New("a", 1024, ""),
		instance.New("b", 10, ""),
	}
	plan := Pack(infos, 1024, 1024)

	for bi, b := range plan.Buckets {
		for _, c := range b.Chunks {
			if c.Size == 0 {
				t.Fatalf("bucket %d has a zero-length chunk: %+v", bi, c)
			}
		}
	}
}

func chunksEqual(a, b []Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
