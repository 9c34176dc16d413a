package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/utils"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

const ClassModeBinary = "binary"

var (
	ErrNoClasses = errors.New("no class subdirectories found")
	ErrNoImages  = errors.New("no images found")

	imageExtensions = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true,
	}
)

type Options struct {
	TargetSize int
	BatchSize  int
	ClassMode  string
	Shuffle    bool
	Seed       int64
	Workers    int
}

func DefaultOptions() Options {
	return Options{
		TargetSize: cnn.DefaultImageSize,
		BatchSize:  cnn.DefaultBatchSize,
		ClassMode:  ClassModeBinary,
		Shuffle:    true,
		Workers:    runtime.NumCPU(),
	}
}

// DirectoryIterator yields augmented batches from a directory laid out as
// dir/<class>/<image>. Class indices follow the sorted subdirectory names.
// After the last (possibly short) batch of an epoch it starts over and
// reshuffles.
type DirectoryIterator struct {
	dir        string
	classNames []string
	files      []string
	labels     []float64

	opts Options
	gen  *Generator

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
}

// Scan lists the classes and image files under dir without decoding them.
func Scan(dir string) ([]string, []string, []float64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading image directory %s: %w", dir, err)
	}

	var classNames []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			classNames = append(classNames, entry.Name())
		}
	}
	sort.Strings(classNames)
	if len(classNames) == 0 {
		return nil, nil, nil, fmt.Errorf("%w in %s", ErrNoClasses, dir)
	}

	var files []string
	var labels []float64
	for idx, class := range classNames {
		classDir := filepath.Join(dir, class)
		var classFiles []string
		err := filepath.WalkDir(classDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
				classFiles = append(classFiles, path)
			}
			return nil
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("error listing images in %s: %w", classDir, err)
		}
		sort.Strings(classFiles)
		for _, f := range classFiles {
			files = append(files, f)
			labels = append(labels, float64(idx))
		}
	}

	if len(files) == 0 {
		return nil, nil, nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}

	return classNames, files, labels, nil
}

func FlowFromDirectory(dir string, gen *Generator, opts Options) (*DirectoryIterator, error) {
	if opts.TargetSize <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("target size and batch size must be positive")
	}
	if opts.ClassMode == "" {
		opts.ClassMode = ClassModeBinary
	}
	if opts.ClassMode != ClassModeBinary {
		return nil, fmt.Errorf("unsupported class mode '%s'", opts.ClassMode)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if gen == nil {
		gen = &Generator{}
	}

	classNames, files, labels, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	if len(classNames) != 2 {
		return nil, fmt.Errorf("binary class mode requires exactly 2 classes in %s, found %d: %v", dir, len(classNames), classNames)
	}

	it := &DirectoryIterator{
		dir:        dir,
		classNames: classNames,
		files:      files,
		labels:     labels,
		opts:       opts,
		gen:        gen,
		rng:        rand.New(rand.NewSource(opts.Seed)),
		order:      make([]int, len(files)),
	}
	for i := range it.order {
		it.order[i] = i
	}
	if opts.Shuffle {
		it.rng.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
	}

	return it, nil
}

func (it *DirectoryIterator) Dir() string {
	return it.dir
}

func (it *DirectoryIterator) ClassNames() []string {
	return it.classNames
}

func (it *DirectoryIterator) Samples() int {
	return len(it.files)
}

func (it *DirectoryIterator) ClassCounts() map[string]int {
	counts := make(map[string]int, len(it.classNames))
	for _, label := range it.labels {
		counts[it.classNames[int(label)]]++
	}
	return counts
}

func (it *DirectoryIterator) Len() int {
	return (len(it.files) + it.opts.BatchSize - 1) / it.opts.BatchSize
}

// Reset starts a new epoch at the next call to Next, reshuffling when
// shuffling is enabled.
func (it *DirectoryIterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.pos = 0
	if it.opts.Shuffle {
		it.rng.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
	}
}

// Generator returns the augmentation applied to every batch.
func (it *DirectoryIterator) Generator() *Generator {
	return it.gen
}

type pending struct {
	path   string
	params TransformParams
}

func (it *DirectoryIterator) Next() (cnn.Batch, error) {
	it.mu.Lock()
	if it.pos >= len(it.order) {
		it.pos = 0
		if it.opts.Shuffle {
			it.rng.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
		}
	}
	end := min(it.pos+it.opts.BatchSize, len(it.order))
	indices := it.order[it.pos:end]
	it.pos = end

	work := make([]pending, len(indices))
	labels := make([]float64, len(indices))
	for i, idx := range indices {
		work[i] = pending{path: it.files[idx], params: it.gen.RandomParams(it.rng, it.opts.TargetSize, it.opts.TargetSize)}
		labels[i] = it.labels[idx]
	}
	it.mu.Unlock()

	images, err := utils.ParallelMap(work, func(p pending) (*cnn.Tensor, error) {
		img, err := LoadImageFile(p.path, it.opts.TargetSize)
		if err != nil {
			return nil, err
		}
		return it.gen.Apply(img, p.params), nil
	}, it.opts.Workers)
	if err != nil {
		return cnn.Batch{}, err
	}

	return cnn.Batch{Images: images, Labels: labels}, nil
}

func LoadImageFile(path string, size int) (*cnn.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}
	defer f.Close()

	t, err := LoadImage(f, size)
	if err != nil {
		return nil, fmt.Errorf("error loading image %s: %w", path, err)
	}
	return t, nil
}

// LoadImage decodes an image, resizes it to size x size with nearest
// neighbour sampling and returns RGB values in [0, 255].
func LoadImage(r io.Reader, size int) (*cnn.Tensor, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	t := cnn.NewTensor(size, size, 3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := dst.RGBAAt(x, y)
			t.Set(y, x, 0, float64(p.R))
			t.Set(y, x, 1, float64(p.G))
			t.Set(y, x, 2, float64(p.B))
		}
	}
	return t, nil
}

// ToImage converts a tensor with values in [0, 1] back to an image.
func ToImage(t *cnn.Tensor) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	clamp := func(v float64) uint8 {
		return uint8(min(max(v*255+0.5, 0), 255))
	}
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: clamp(t.At(y, x, 0)),
				G: clamp(t.At(y, x, 1)),
				B: clamp(t.At(y, x, 2)),
				A: 255,
			})
		}
	}
	return img
}
