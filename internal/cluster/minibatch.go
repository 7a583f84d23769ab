// Package cluster implements mini-batch k-means over row matrices that may
// not fit in memory.
//
// Rows are read through gonum's mat.Matrix interface. Sources that also
// implement mat.RawRowViewer (mat.Dense, the chunked Zarr histogram store)
// are read row by row without materializing the whole matrix.
package cluster

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Config contains mini-batch k-means parameters.
type Config struct {
	K                int
	BatchSize        int
	MaxNoImprovement int
	Seed             int64
	// MaxEpochs caps the number of passes over the data.
	MaxEpochs int
	// InitSize is the number of rows sampled for seeding.
	// Zero selects 3*BatchSize, raised to 3*K when smaller.
	InitSize int
	// Prefetch is the number of batches gathered ahead of the update loop.
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.MaxEpochs <= 0 {
		c.MaxEpochs = 100
	}
	if c.MaxNoImprovement <= 0 {
		c.MaxNoImprovement = 200
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 2
	}
	return c
}

// Summary describes a finished fit.
type Summary struct {
	Steps        int
	Epochs       int
	Inertia      float64
	EarlyStopped bool
	Duration     time.Duration
}

// Result is the output of FitPredict.
type Result struct {
	Labels  []int
	Centers *mat.Dense
	Summary Summary
}

// MiniBatchKMeans fits k centroids with mini-batch updates.
type MiniBatchKMeans struct {
	cfg     Config
	logger  *zap.Logger
	centers *mat.Dense
	counts  []float64
	summary Summary
}

// New validates cfg and returns an unfitted model.
func New(cfg Config, logger *zap.Logger) (*MiniBatchKMeans, error) {
	cfg = cfg.withDefaults()
	if cfg.K <= 0 {
		return nil, nicheerr.New(nicheerr.TypeConfig, "number of clusters must be positive").WithDetail("k", cfg.K)
	}
	if cfg.BatchSize <= 0 {
		return nil, nicheerr.New(nicheerr.TypeConfig, "batch size must be positive").WithDetail("batch_size", cfg.BatchSize)
	}
	if cfg.InitSize < 0 {
		return nil, nicheerr.New(nicheerr.TypeConfig, "init size must not be negative").WithDetail("init_size", cfg.InitSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MiniBatchKMeans{cfg: cfg, logger: logger}, nil
}

// Centers returns a copy of the fitted centroids, or nil before Fit.
func (km *MiniBatchKMeans) Centers() *mat.Dense {
	if km.centers == nil {
		return nil
	}
	return mat.DenseCopyOf(km.centers)
}

// Summary returns the summary of the last fit.
func (km *MiniBatchKMeans) Summary() Summary { return km.summary }

type batch struct {
	epoch int
	rows  int
	data  []float64
}

// Fit estimates the centroids from x. Same seed, batch size and row order
// give identical centroids; a different row order may not.
func (km *MiniBatchKMeans) Fit(ctx context.Context, x mat.Matrix) error {
	start := time.Now()
	n, m := x.Dims()
	if n == 0 || m == 0 {
		return nicheerr.New(nicheerr.TypeValidation, "cannot cluster an empty matrix").
			WithDetail("rows", n).
			WithDetail("columns", m)
	}
	if km.cfg.K > n {
		return nicheerr.New(nicheerr.TypeValidation, "more clusters than rows").
			WithDetail("k", km.cfg.K).
			WithDetail("rows", n)
	}

	rng := rand.New(rand.NewSource(km.cfg.Seed))
	initX := km.initSample(x, n, m, rng)
	km.centers = kmeansPlusPlus(initX, km.cfg.K, rng)
	km.counts = make([]float64, km.cfg.K)
	if err := sourceErr(x); err != nil {
		return err
	}

	fitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan *batch, km.cfg.Prefetch)
	free := make(chan []float64, km.cfg.Prefetch+2)
	go km.produce(fitCtx, x, rng, batches, free)

	stop := stopState{
		maxNoImprovement: km.cfg.MaxNoImprovement,
		batchSize:        min(km.cfg.BatchSize, n),
		n:                n,
	}
	sc := newScratch(km.cfg.K, m, min(km.cfg.BatchSize, n))
	summary := Summary{}

	for b := range batches {
		if b.rows == 0 {
			continue
		}
		inertia := km.step(b, m, sc)
		metrics.BatchesApplied.Inc()
		summary.Epochs = b.epoch + 1

		select {
		case free <- b.data:
		default:
		}

		if stop.update(summary.Steps, inertia/float64(b.rows)) {
			summary.Steps++
			summary.EarlyStopped = true
			cancel()
			break
		}
		summary.Steps++
	}
	// the producer exits once fitCtx is done; wait for it to close the channel
	for range batches {
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sourceErr(x); err != nil {
		return err
	}

	summary.Duration = time.Since(start)
	km.summary = summary
	km.logger.Info("mini-batch k-means fitted",
		zap.Int("rows", n),
		zap.Int("k", km.cfg.K),
		zap.Int("steps", summary.Steps),
		zap.Int("epochs", summary.Epochs),
		zap.Bool("early_stopped", summary.EarlyStopped),
		zap.Duration("duration", summary.Duration))
	return nil
}

// FitPredict fits the model and assigns every row of x to its nearest centroid.
func (km *MiniBatchKMeans) FitPredict(ctx context.Context, x mat.Matrix) (*Result, error) {
	if err := km.Fit(ctx, x); err != nil {
		return nil, err
	}
	labels, inertia, err := km.predict(ctx, x)
	if err != nil {
		return nil, err
	}
	km.summary.Inertia = inertia
	return &Result{Labels: labels, Centers: km.Centers(), Summary: km.summary}, nil
}

// Predict assigns every row of x to its nearest fitted centroid.
func (km *MiniBatchKMeans) Predict(ctx context.Context, x mat.Matrix) ([]int, error) {
	labels, _, err := km.predict(ctx, x)
	return labels, err
}

func (km *MiniBatchKMeans) predict(ctx context.Context, x mat.Matrix) ([]int, float64, error) {
	if km.centers == nil {
		return nil, 0, nicheerr.New(nicheerr.TypeInternal, "model is not fitted")
	}
	n, m := x.Dims()
	if _, cm := km.centers.Dims(); cm != m {
		return nil, 0, nicheerr.New(nicheerr.TypeValidation, "column count does not match prototypes").
			WithDetail("columns", m).
			WithDetail("prototype_columns", cm)
	}

	src := newRowSource(x)
	labels := make([]int, n)
	inertia := 0.0
	for i := 0; i < n; i++ {
		if i%65536 == 0 && ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		c, d := nearest(km.centers, src.row(i))
		labels[i] = c
		inertia += d
	}
	if err := sourceErr(x); err != nil {
		return nil, 0, err
	}
	return labels, inertia, nil
}

func (km *MiniBatchKMeans) initSample(x mat.Matrix, n, m int, rng *rand.Rand) *mat.Dense {
	size := km.cfg.InitSize
	if size == 0 {
		size = 3 * km.cfg.BatchSize
		if size < km.cfg.K {
			size = 3 * km.cfg.K
		}
	}
	if size > n {
		size = n
	}
	if size < km.cfg.K {
		size = km.cfg.K
	}

	idx := rng.Perm(n)[:size]
	src := newRowSource(x)
	out := mat.NewDense(size, m, nil)
	for i, r := range idx {
		copy(out.RawRowView(i), src.row(r))
	}
	return out
}

// produce gathers batches in epoch order. Each epoch visits every row once in
// a seeded random order.
func (km *MiniBatchKMeans) produce(ctx context.Context, x mat.Matrix, rng *rand.Rand, out chan<- *batch, free <-chan []float64) {
	defer close(out)
	n, m := x.Dims()
	bs := min(km.cfg.BatchSize, n)
	src := newRowSource(x)

	for epoch := 0; epoch < km.cfg.MaxEpochs; epoch++ {
		perm := rng.Perm(n)
		for start := 0; start < n; start += bs {
			end := min(start+bs, n)

			var data []float64
			select {
			case data = <-free:
			default:
				data = make([]float64, bs*m)
			}
			b := &batch{epoch: epoch, rows: end - start, data: data[:(end-start)*m]}
			for k, r := range perm[start:end] {
				copy(b.data[k*m:(k+1)*m], src.row(r))
			}

			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

type scratch struct {
	labels []int
	sums   []float64
	weight []float64
}

func newScratch(k, m, bs int) *scratch {
	return &scratch{
		labels: make([]int, bs),
		sums:   make([]float64, k*m),
		weight: make([]float64, k),
	}
}

// step assigns the batch to the current centroids and moves each touched
// centroid to the running mean of everything assigned to it so far. It
// returns the batch inertia measured against the centroids before the update.
func (km *MiniBatchKMeans) step(b *batch, m int, sc *scratch) float64 {
	for i := range sc.sums {
		sc.sums[i] = 0
	}
	for i := range sc.weight {
		sc.weight[i] = 0
	}

	inertia := 0.0
	for i := 0; i < b.rows; i++ {
		row := b.data[i*m : (i+1)*m]
		c, d := nearest(km.centers, row)
		sc.labels[i] = c
		inertia += d
		sc.weight[c]++
		acc := sc.sums[c*m : (c+1)*m]
		for j, v := range row {
			acc[j] += v
		}
	}

	for c, w := range sc.weight {
		if w == 0 {
			continue
		}
		total := km.counts[c] + w
		center := km.centers.RawRowView(c)
		acc := sc.sums[c*m : (c+1)*m]
		for j := range center {
			center[j] = (center[j]*km.counts[c] + acc[j]) / total
		}
		km.counts[c] = total
	}
	return inertia
}

// stopState tracks the smoothed batch inertia for early stopping.
type stopState struct {
	maxNoImprovement int
	batchSize        int
	n                int

	ewa           float64
	ewaMin        float64
	haveEWA       bool
	haveMin       bool
	noImprovement int
}

// update records the per-row inertia of batch number step and reports
// whether fitting should stop. The first batch only reflects seeding and is
// ignored.
func (s *stopState) update(step int, batchInertia float64) bool {
	if step == 0 {
		return false
	}
	if !s.haveEWA {
		s.ewa = batchInertia
		s.haveEWA = true
	} else {
		alpha := float64(s.batchSize) * 2 / float64(s.n+1)
		if alpha > 1 {
			alpha = 1
		}
		s.ewa = s.ewa*(1-alpha) + batchInertia*alpha
	}

	if !s.haveMin || s.ewa < s.ewaMin {
		s.noImprovement = 0
		s.ewaMin = s.ewa
		s.haveMin = true
	} else {
		s.noImprovement++
	}
	return s.noImprovement >= s.maxNoImprovement
}

// kmeansPlusPlus seeds k centroids from x with greedy k-means++: each new
// centroid is the best of 2+ln(k) candidates drawn proportionally to the
// squared distance from the centroids chosen so far.
func kmeansPlusPlus(x *mat.Dense, k int, rng *rand.Rand) *mat.Dense {
	n, m := x.Dims()
	centers := mat.NewDense(k, m, nil)
	trials := 2 + int(math.Log(float64(k)))

	first := rng.Intn(n)
	centers.SetRow(0, x.RawRowView(first))

	closest := make([]float64, n)
	pot := 0.0
	for i := 0; i < n; i++ {
		closest[i] = sqDist(x.RawRowView(i), centers.RawRowView(0))
		pot += closest[i]
	}

	cum := make([]float64, n)
	cand := make([]float64, n)
	best := make([]float64, n)
	for c := 1; c < k; c++ {
		acc := 0.0
		for i, d := range closest {
			acc += d
			cum[i] = acc
		}

		bestPot := math.Inf(1)
		bestIdx := 0
		for t := 0; t < trials; t++ {
			idx := sort.SearchFloat64s(cum, rng.Float64()*pot)
			if idx >= n {
				idx = n - 1
			}
			cr := x.RawRowView(idx)
			candPot := 0.0
			for i := 0; i < n; i++ {
				d := sqDist(x.RawRowView(i), cr)
				if closest[i] < d {
					d = closest[i]
				}
				cand[i] = d
				candPot += d
			}
			if candPot < bestPot {
				bestPot = candPot
				bestIdx = idx
				best, cand = cand, best
			}
		}

		centers.SetRow(c, x.RawRowView(bestIdx))
		closest, best = best, closest
		pot = bestPot
	}
	return centers
}

// nearest returns the index of the closest centroid and the squared
// distance to it. Ties go to the lowest index.
func nearest(centers *mat.Dense, row []float64) (int, float64) {
	k, _ := centers.Dims()
	bestC, bestD := 0, math.Inf(1)
	for c := 0; c < k; c++ {
		if d := sqDist(row, centers.RawRowView(c)); d < bestD {
			bestC, bestD = c, d
		}
	}
	return bestC, bestD
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
