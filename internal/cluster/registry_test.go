package cluster

import (
	"context"
	"math"
	"testing"

	"github.com/soluva78-blip/Soluv-core/internal/post"
	"github.com/soluva78-blip/Soluv-core/internal/store"
)

func openTestRegistry(t *testing.T, threshold float64) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, threshold), s
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"dimension mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFindNearestEmptyRegistry(t *testing.T) {
	r, _ := openTestRegistry(t, 0.7)

	match, err := r.FindNearest(context.Background(), []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("FindNearest: %v", err)
	}
	if match != nil {
		t.Errorf("empty registry returned match %+v", match)
	}
}

func TestAssignCreatesClusterWhenNoneQualify(t *testing.T) {
	r, s := openTestRegistry(t, 0.7)
	ctx := context.Background()

	id, err := r.Assign(ctx, []float32{1, 0, 0}, "leaky faucets", 0)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	c, err := s.GetCluster(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.MemberCount != 1 {
		t.Errorf("member_count = %d, want 1", c.MemberCount)
	}
	if c.Centroid[0] != 1 {
		t.Errorf("centroid = %v", c.Centroid)
	}
}

func TestFindNearestThresholdIsInclusive(t *testing.T) {
	// Two unit vectors at a known angle: cos(45°) ≈ 0.7071.
	r, s := openTestRegistry(t, 0.7071)
	ctx := context.Background()

	inv := float32(1 / math.Sqrt2)
	if _, err := s.CreateCluster(ctx, "c", []float32{1, 0}, 0, nil); err != nil {
		t.Fatal(err)
	}

	match, err := r.FindNearest(ctx, []float32{inv, inv})
	if err != nil {
		t.Fatal(err)
	}
	if match == nil {
		t.Fatal("similarity equal to threshold must count as nearest")
	}
}

func TestIncrementalUpdateMath(t *testing.T) {
	r, s := openTestRegistry(t, 0.5)
	ctx := context.Background()

	id, err := s.CreateCluster(ctx, "c", []float32{1, 0}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	// (1*1 + 0)/2 = 0.5; (0*1 + 1)/2 = 0.5.
	if err := r.IncrementalUpdate(ctx, id, []float32{0, 1}); err != nil {
		t.Fatalf("IncrementalUpdate: %v", err)
	}

	c, _ := s.GetCluster(ctx, id)
	if c.MemberCount != 2 {
		t.Errorf("member_count = %d, want 2", c.MemberCount)
	}
	if math.Abs(float64(c.Centroid[0])-0.5) > 1e-6 || math.Abs(float64(c.Centroid[1])-0.5) > 1e-6 {
		t.Errorf("centroid = %v, want [0.5 0.5]", c.Centroid)
	}
}

func TestAssignJoinsNearestAndIncrements(t *testing.T) {
	r, s := openTestRegistry(t, 0.7)
	ctx := context.Background()

	near, _ := s.CreateCluster(ctx, "near", []float32{1, 0}, 0, nil)
	s.CreateCluster(ctx, "far", []float32{0, 1}, 0, nil)

	id, err := r.Assign(ctx, []float32{0.95, 0.05}, "unused", 0)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if id != near {
		t.Errorf("assigned cluster %d, want %d", id, near)
	}

	c, _ := s.GetCluster(ctx, near)
	if c.MemberCount != 2 {
		t.Errorf("member_count = %d, want 2", c.MemberCount)
	}
}

func seedMember(t *testing.T, s *store.Store, id string, clusterID int64, embedding []float32) {
	t.Helper()
	ctx := context.Background()
	p := post.RawPost{ID: id, Source: "reddit", SubSource: "s", Title: "t", Body: "b", CreatedAt: 1}
	if _, err := s.InsertRaw(ctx, []post.RawPost{p}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSemantic(ctx, id, "sum", nil, embedding); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCluster(ctx, id, clusterID); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.AcquirePostLock(ctx, p, 3); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if err := s.MarkProcessed(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestRecomputeAllMatchesMean(t *testing.T) {
	r, s := openTestRegistry(t, 0.7)
	ctx := context.Background()

	id, _ := s.CreateCluster(ctx, "c", []float32{9, 9}, 0, nil) // drifted centroid
	seedMember(t, s, "t3_m1", id, []float32{1, 0})
	seedMember(t, s, "t3_m2", id, []float32{0, 1})
	seedMember(t, s, "t3_m3", id, []float32{1, 1})

	if err := r.RecomputeAll(ctx, 100); err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}

	c, _ := s.GetCluster(ctx, id)
	if c.MemberCount != 3 {
		t.Errorf("member_count = %d, want 3", c.MemberCount)
	}
	wantX, wantY := 2.0/3.0, 2.0/3.0
	if math.Abs(float64(c.Centroid[0])-wantX) > 1e-6 || math.Abs(float64(c.Centroid[1])-wantY) > 1e-6 {
		t.Errorf("centroid = %v, want [%v %v]", c.Centroid, wantX, wantY)
	}
}

func TestMergeSimilarAbsorbsSmaller(t *testing.T) {
	r, s := openTestRegistry(t, 0.7)
	ctx := context.Background()

	big, _ := s.CreateCluster(ctx, "big", []float32{1, 0}, 0, nil)
	small, _ := s.CreateCluster(ctx, "small", []float32{0.999, 0.001}, 0, nil)
	s.CreateCluster(ctx, "unrelated", []float32{0, 1}, 0, nil)

	seedMember(t, s, "t3_b1", big, []float32{1, 0})
	seedMember(t, s, "t3_b2", big, []float32{0.98, 0.02})
	seedMember(t, s, "t3_s1", small, []float32{0.99, 0.01})
	s.SetCentroid(ctx, big, []float32{0.99, 0.01}, 2)

	merged, err := r.MergeSimilar(ctx, 0.95)
	if err != nil {
		t.Fatalf("MergeSimilar: %v", err)
	}
	if merged != 1 {
		t.Errorf("merged = %d, want 1", merged)
	}

	if _, err := s.GetCluster(ctx, small); err == nil {
		t.Error("small cluster should be absorbed")
	}

	moved, _ := s.GetPost(ctx, "t3_s1")
	if moved.ClusterID != big {
		t.Errorf("post cluster = %d, want %d", moved.ClusterID, big)
	}

	c, _ := s.GetCluster(ctx, big)
	if c.MemberCount != 3 {
		t.Errorf("survivor member_count = %d, want 3", c.MemberCount)
	}
}

func TestReassignOutliers(t *testing.T) {
	r, s := openTestRegistry(t, 0.5)
	ctx := context.Background()

	a, _ := s.CreateCluster(ctx, "a", []float32{1, 0}, 0, nil)
	b, _ := s.CreateCluster(ctx, "b", []float32{0, 1}, 0, nil)

	// Post assigned to a but its embedding sits on b's centroid.
	seedMember(t, s, "t3_out", a, []float32{0.05, 0.99})
	s.SetCentroid(ctx, a, []float32{1, 0}, 2)
	s.SetCentroid(ctx, b, []float32{0, 1}, 1)

	moved, err := r.ReassignOutliers(ctx)
	if err != nil {
		t.Fatalf("ReassignOutliers: %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}

	got, _ := s.GetPost(ctx, "t3_out")
	if got.ClusterID != b {
		t.Errorf("post cluster = %d, want %d", got.ClusterID, b)
	}
}
