// Package catalog is the Task Catalog: generation of the sector task board
// and the read/complete operations the settlement path relies on.
package catalog

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/agentledger/internal/domain"
)

// ─── Sector Definitions ─────────────────────────────────────────────────────

// Sector describes one category of generated tasks.
type Sector struct {
	Name      string   `yaml:"name"`
	Count     int      `yaml:"count"`      // tasks generated for this sector
	MinReward int64    `yaml:"min_reward"` // whole credits, inclusive
	MaxReward int64    `yaml:"max_reward"` // whole credits, inclusive
	Titles    []string `yaml:"titles"`     // title pool; cycled when Count exceeds it
}

// Spec is the full catalog definition.
type Spec struct {
	Sectors []Sector `yaml:"sectors"`
}

// DefaultSpec returns the built-in task board.
func DefaultSpec() Spec {
	return Spec{Sectors: []Sector{
		{
			Name: "Neural Networks", Count: 6, MinReward: 8, MaxReward: 40,
			Titles: []string{
				"Prune attention heads", "Distill vision encoder", "Tune learning-rate schedule",
				"Quantize embedding layer", "Benchmark transformer depth", "Regularize sparse MLP",
			},
		},
		{
			Name: "Data Mining", Count: 6, MinReward: 5, MaxReward: 30,
			Titles: []string{
				"Cluster clickstream logs", "Deduplicate product feed", "Extract entity graph",
				"Label sentiment corpus", "Detect outlier sessions", "Summarize sales ledger",
			},
		},
		{
			Name: "Cyber Security", Count: 6, MinReward: 10, MaxReward: 50,
			Titles: []string{
				"Audit firewall rules", "Triage intrusion alerts", "Fuzz packet parser",
				"Rotate leaked credentials", "Harden container image", "Trace phishing campaign",
			},
		},
		{
			Name: "Quantum Computing", Count: 4, MinReward: 20, MaxReward: 80,
			Titles: []string{
				"Simulate qubit decoherence", "Optimize gate sequence",
				"Calibrate error correction", "Map annealing schedule",
			},
		},
		{
			Name: "Blockchain", Count: 4, MinReward: 12, MaxReward: 60,
			Titles: []string{
				"Verify contract invariants", "Index settlement events",
				"Estimate gas profile", "Replay fork history",
			},
		},
	}}
}

// LoadSpec reads sector definitions from a YAML file.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read sectors: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse sectors: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks that every sector can produce tasks.
func (s Spec) Validate() error {
	if len(s.Sectors) == 0 {
		return fmt.Errorf("sectors: none defined")
	}
	seen := make(map[string]bool, len(s.Sectors))
	for _, sec := range s.Sectors {
		switch {
		case sec.Name == "":
			return fmt.Errorf("sectors: empty name")
		case seen[sec.Name]:
			return fmt.Errorf("sector %q: duplicate", sec.Name)
		case sec.Count < 0:
			return fmt.Errorf("sector %q: negative count", sec.Name)
		case sec.MinReward <= 0 || sec.MaxReward < sec.MinReward:
			return fmt.Errorf("sector %q: invalid reward band %d..%d", sec.Name, sec.MinReward, sec.MaxReward)
		case len(sec.Titles) == 0 && sec.Count > 0:
			return fmt.Errorf("sector %q: no titles", sec.Name)
		}
		seen[sec.Name] = true
	}
	return nil
}

// ─── Generation ─────────────────────────────────────────────────────────────

// Generate builds the open task board. The same spec and seed always
// produce the same tasks, with ids assigned from 1 in sector order.
func Generate(spec Spec, seed uint64) []domain.Task {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var tasks []domain.Task
	var id int64
	for _, sec := range spec.Sectors {
		for i := range sec.Count {
			id++
			reward := sec.MinReward
			if span := sec.MaxReward - sec.MinReward; span > 0 {
				reward += rng.Int64N(span + 1)
			}
			title := sec.Titles[i%len(sec.Titles)]
			if i >= len(sec.Titles) {
				title = fmt.Sprintf("%s #%d", title, i/len(sec.Titles)+1)
			}
			tasks = append(tasks, domain.Task{
				ID:         id,
				Sector:     sec.Name,
				Title:      title,
				Reward:     domain.NewCredits(reward),
				Difficulty: difficulty(reward, sec.MinReward, sec.MaxReward),
				Status:     domain.TaskOpen,
			})
		}
	}
	return tasks
}

// difficulty grades a reward by its third of the sector's band.
func difficulty(reward, lo, hi int64) domain.Difficulty {
	span := hi - lo
	if span <= 0 {
		return domain.DifficultyMedium
	}
	switch pos := reward - lo; {
	case pos*3 < span:
		return domain.DifficultyEasy
	case pos*3 < span*2:
		return domain.DifficultyMedium
	default:
		return domain.DifficultyHard
	}
}

// ─── Catalog ────────────────────────────────────────────────────────────────

// Config controls catalog behavior.
type Config struct {
	Spec Spec
	Seed uint64           // PRNG seed for Generate
	Now  func() time.Time // clock for completion timestamps
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Spec: DefaultSpec(),
		Seed: 42,
		Now:  time.Now,
	}
}

// Catalog serves the task board from a domain.LedgerStore.
type Catalog struct {
	repo   domain.LedgerStore
	cfg    Config
	logger *zap.Logger
}

// New creates a catalog.
func New(repo domain.LedgerStore, cfg Config, logger *zap.Logger) *Catalog {
	if len(cfg.Spec.Sectors) == 0 {
		cfg.Spec = DefaultSpec()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{repo: repo, cfg: cfg, logger: logger.Named("catalog")}
}

// Seed inserts the generated board when the store holds no tasks.
// It returns the number of tasks inserted.
func (c *Catalog) Seed(ctx context.Context) (int, error) {
	n, err := c.repo.CountTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	tasks := Generate(c.cfg.Spec, c.cfg.Seed)
	if err := c.repo.InsertTasks(ctx, tasks); err != nil {
		return 0, fmt.Errorf("insert tasks: %w", err)
	}
	c.logger.Info("task board seeded", zap.Int("tasks", len(tasks)), zap.Int("sectors", len(c.cfg.Spec.Sectors)))
	return len(tasks), nil
}

// ListOpen returns open tasks in ascending id order. An empty sector
// selects every sector.
func (c *Catalog) ListOpen(ctx context.Context, sector string) ([]domain.Task, error) {
	tasks, err := c.repo.ListTasks(ctx, domain.TaskFilter{Sector: sector, OpenOnly: true})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, func(a, b domain.Task) int { return cmp.Compare(a.ID, b.ID) })
	return tasks, nil
}

// Get returns the task or domain.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id int64) (domain.Task, error) {
	return c.repo.GetTask(ctx, id)
}

// MarkCompleted flips an open task to completed. A second call on the same
// id fails with domain.ErrAlreadyCompleted.
func (c *Catalog) MarkCompleted(ctx context.Context, id int64, by string) (domain.Task, error) {
	return c.repo.MarkTaskCompleted(ctx, id, by, c.cfg.Now())
}

// Sectors returns the configured sector names in definition order.
func (c *Catalog) Sectors() []string {
	names := make([]string, len(c.cfg.Spec.Sectors))
	for i, s := range c.cfg.Spec.Sectors {
		names[i] = s.Name
	}
	return names
}
