package catalog

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/memstore"
)

func newTestCatalog(t *testing.T) (*Catalog, *memstore.Store) {
	t.Helper()
	repo := memstore.New()
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	c := New(repo, cfg, nil)
	if _, err := c.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	return c, repo
}

// ─── Generation ─────────────────────────────────────────────────────────────

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate(DefaultSpec(), 7)
	b := Generate(DefaultSpec(), 7)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("Generate with the same seed produced different boards")
	}
}

func TestGenerate_RewardsInBand(t *testing.T) {
	spec := DefaultSpec()
	bands := make(map[string]Sector)
	want := 0
	for _, s := range spec.Sectors {
		bands[s.Name] = s
		want += s.Count
	}

	tasks := Generate(spec, 99)
	if len(tasks) != want {
		t.Fatalf("len(tasks) = %d, want %d", len(tasks), want)
	}
	for i, task := range tasks {
		if task.ID != int64(i+1) {
			t.Errorf("tasks[%d].ID = %d, want %d", i, task.ID, i+1)
		}
		sec := bands[task.Sector]
		if task.Reward < domain.NewCredits(sec.MinReward) || task.Reward > domain.NewCredits(sec.MaxReward) {
			t.Errorf("task %d reward %s outside %d..%d", task.ID, task.Reward, sec.MinReward, sec.MaxReward)
		}
		if task.Status != domain.TaskOpen {
			t.Errorf("task %d status = %q, want open", task.ID, task.Status)
		}
		if task.Difficulty == "" {
			t.Errorf("task %d has no difficulty", task.ID)
		}
	}
}

func TestGenerate_CyclesTitles(t *testing.T) {
	spec := Spec{Sectors: []Sector{{Name: "X", Count: 3, MinReward: 1, MaxReward: 1, Titles: []string{"a", "b"}}}}
	tasks := Generate(spec, 1)
	got := []string{tasks[0].Title, tasks[1].Title, tasks[2].Title}
	want := []string{"a", "b", "a #2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("titles = %v, want %v", got, want)
	}
}

func TestDifficulty(t *testing.T) {
	tests := []struct {
		reward, lo, hi int64
		want           domain.Difficulty
	}{
		{10, 10, 40, domain.DifficultyEasy},
		{19, 10, 40, domain.DifficultyEasy},
		{20, 10, 40, domain.DifficultyMedium},
		{30, 10, 40, domain.DifficultyHard},
		{40, 10, 40, domain.DifficultyHard},
		{5, 5, 5, domain.DifficultyMedium},
	}
	for _, tt := range tests {
		if got := difficulty(tt.reward, tt.lo, tt.hi); got != tt.want {
			t.Errorf("difficulty(%d, %d, %d) = %q, want %q", tt.reward, tt.lo, tt.hi, got, tt.want)
		}
	}
}

// ─── Spec Loading ───────────────────────────────────────────────────────────

func TestLoadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.yaml")
	data := `
sectors:
  - name: Robotics
    count: 2
    min_reward: 10
    max_reward: 20
    titles: ["Calibrate arm", "Plan gait"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("LoadSpec() error: %v", err)
	}
	if len(spec.Sectors) != 1 || spec.Sectors[0].Name != "Robotics" || spec.Sectors[0].Count != 2 {
		t.Errorf("LoadSpec() = %+v", spec)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"empty", Spec{}},
		{"no_name", Spec{Sectors: []Sector{{Count: 1, MinReward: 1, MaxReward: 2, Titles: []string{"a"}}}}},
		{"bad_band", Spec{Sectors: []Sector{{Name: "A", Count: 1, MinReward: 5, MaxReward: 2, Titles: []string{"a"}}}}},
		{"zero_reward", Spec{Sectors: []Sector{{Name: "A", Count: 1, MinReward: 0, MaxReward: 2, Titles: []string{"a"}}}}},
		{"no_titles", Spec{Sectors: []Sector{{Name: "A", Count: 1, MinReward: 1, MaxReward: 2}}}},
		{"duplicate", Spec{Sectors: []Sector{
			{Name: "A", Count: 1, MinReward: 1, MaxReward: 2, Titles: []string{"a"}},
			{Name: "A", Count: 1, MinReward: 1, MaxReward: 2, Titles: []string{"a"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
	if err := DefaultSpec().Validate(); err != nil {
		t.Errorf("DefaultSpec().Validate() = %v", err)
	}
}

// ─── Catalog Operations ─────────────────────────────────────────────────────

func TestSeed_Once(t *testing.T) {
	c, repo := newTestCatalog(t)
	n, err := c.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if n != 0 {
		t.Errorf("second Seed() inserted %d, want 0", n)
	}
	count, _ := repo.CountTasks(context.Background())
	if count != len(Generate(DefaultSpec(), 42)) {
		t.Errorf("CountTasks = %d", count)
	}
}

func TestListOpen(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	all, err := c.ListOpen(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("ListOpen not ascending at %d: %d >= %d", i, all[i-1].ID, all[i].ID)
		}
	}

	sec, err := c.ListOpen(ctx, "Blockchain")
	if err != nil {
		t.Fatal(err)
	}
	if len(sec) != 4 {
		t.Errorf("len(Blockchain) = %d, want 4", len(sec))
	}
	for _, task := range sec {
		if task.Sector != "Blockchain" {
			t.Errorf("task %d sector = %q", task.ID, task.Sector)
		}
	}

	if _, err := c.MarkCompleted(ctx, sec[0].ID, "op-1"); err != nil {
		t.Fatal(err)
	}
	after, _ := c.ListOpen(ctx, "Blockchain")
	if len(after) != 3 {
		t.Errorf("len(Blockchain) after completion = %d, want 3", len(after))
	}
}

func TestListOpen_ExtremeIDs(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	err := repo.InsertTasks(ctx, []domain.Task{
		{ID: math.MaxInt64, Sector: "Blockchain", Title: "Last", Reward: domain.NewCredits(5), Status: domain.TaskOpen},
		{ID: -10, Sector: "Blockchain", Title: "First", Reward: domain.NewCredits(5), Status: domain.TaskOpen},
	})
	if err != nil {
		t.Fatal(err)
	}
	c := New(repo, DefaultConfig(), nil)

	got, err := c.ListOpen(ctx, "")
	if err != nil {
		t.Fatalf("ListOpen() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != -10 || got[1].ID != math.MaxInt64 {
		t.Errorf("ListOpen() ids = %v, want [-10 %d]", ids(got), int64(math.MaxInt64))
	}
}

func ids(tasks []domain.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestMarkCompleted_Twice(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	task, err := c.MarkCompleted(ctx, 1, "op-1")
	if err != nil {
		t.Fatalf("MarkCompleted() error: %v", err)
	}
	if task.Status != domain.TaskCompleted || task.CompletedBy != "op-1" {
		t.Errorf("task = %+v", task)
	}

	_, err = c.MarkCompleted(ctx, 1, "op-2")
	if !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Errorf("second MarkCompleted() error = %v, want ErrAlreadyCompleted", err)
	}
	task, _ = c.Get(ctx, 1)
	if task.CompletedBy != "op-1" {
		t.Errorf("CompletedBy = %q, want op-1", task.CompletedBy)
	}

	_, err = c.MarkCompleted(ctx, 9999, "op-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("MarkCompleted(9999) error = %v, want ErrNotFound", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	c, _ := newTestCatalog(t)
	if _, err := c.Get(context.Background(), 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get(9999) error = %v, want ErrNotFound", err)
	}
}

func TestSectors(t *testing.T) {
	c, _ := newTestCatalog(t)
	want := []string{"Neural Networks", "Data Mining", "Cyber Security", "Quantum Computing", "Blockchain"}
	if got := c.Sectors(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sectors() = %v, want %v", got, want)
	}
}
