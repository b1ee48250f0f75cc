package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// GrowthTag selects the built-in colony growth model.
const GrowthTag = "growth"

// GrowthConfig is parsed from a simulation's source text, written as
// key=value pairs separated by newlines or semicolons. Unknown keys are
// rejected.
type GrowthConfig struct {
	MaxSteps       int     `mapstructure:"max_steps"`
	SeedCells      int     `mapstructure:"seed_cells"`
	MaxCells       int     `mapstructure:"max_cells"`
	GrowthRate     float64 `mapstructure:"growth_rate"`
	DivisionLength float64 `mapstructure:"division_length"`
	Radius         float64 `mapstructure:"radius"`
}

func DefaultGrowthConfig() GrowthConfig {
	return GrowthConfig{
		MaxSteps:       100,
		SeedCells:      1,
		MaxCells:       4096,
		GrowthRate:     1.0,
		DivisionLength: 3.5,
		Radius:         0.5,
	}
}

// ParseGrowthSource overlays the pairs in src on the defaults.
func ParseGrowthSource(src string) (GrowthConfig, error) {
	return DefaultGrowthConfig().Apply(src)
}

// Apply returns c with the pairs in src applied on top.
func (c GrowthConfig) Apply(src string) (GrowthConfig, error) {
	fields := strings.FieldsFunc(src, func(r rune) bool { return r == ';' || r == '\n' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || strings.HasPrefix(f, "#") {
			continue
		}
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return c, fmt.Errorf("malformed setting %q", f)
		}
		if err := c.set(strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			return c, err
		}
	}
	return c, c.Validate()
}

func (c *GrowthConfig) set(k, v string) error {
	var err error
	switch strings.ToLower(k) {
	case "max_steps":
		c.MaxSteps, err = strconv.Atoi(v)
	case "seed_cells":
		c.SeedCells, err = strconv.Atoi(v)
	case "max_cells":
		c.MaxCells, err = strconv.Atoi(v)
	case "growth_rate":
		c.GrowthRate, err = strconv.ParseFloat(v, 64)
	case "division_length":
		c.DivisionLength, err = strconv.ParseFloat(v, 64)
	case "radius":
		c.Radius, err = strconv.ParseFloat(v, 64)
	default:
		return fmt.Errorf("unknown setting %q", k)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", k, err)
	}
	return nil
}

func (c GrowthConfig) Validate() error {
	switch {
	case c.MaxSteps < 0:
		return errors.New("max_steps must not be negative")
	case c.SeedCells < 1:
		return errors.New("seed_cells must be at least 1")
	case c.MaxCells < c.SeedCells:
		return errors.New("max_cells must be at least seed_cells")
	case c.GrowthRate <= 0:
		return errors.New("growth_rate must be positive")
	case c.DivisionLength <= 2*c.Radius:
		return errors.New("division_length must exceed the cell diameter")
	}
	return nil
}

// Cell is the state of one rod shaped cell.
type Cell struct {
	ID     uint64     `json:"id"`
	Pos    [3]float64 `json:"pos"`
	Dir    [3]float64 `json:"dir"`
	Length float64    `json:"length"`
	Radius float64    `json:"radius"`
	Color  [3]float64 `json:"color"`
}

// Growth is a deterministic colony model: cells elongate every step and split
// in two along their axis once they reach the division length.
type Growth struct {
	params Parameters
	cfg    GrowthConfig

	cells  []Cell
	nextID uint64
	step   int
	ready  bool
}

// NewGrowth is the Factory for GrowthTag.
func NewGrowth(p Parameters) (Backend, error) {
	return &Growth{params: p}, nil
}

// NewGrowthWithConfig builds a growth model with explicit settings instead of
// parsing the source text.
func NewGrowthWithConfig(p Parameters, cfg GrowthConfig) *Growth {
	return &Growth{params: p, cfg: cfg}
}

func (g *Growth) Initialize() error {
	if g.cfg == (GrowthConfig{}) {
		cfg, err := ParseGrowthSource(g.params.Source)
		if err != nil {
			return &InitializationError{Tag: GrowthTag, Err: err}
		}
		g.cfg = cfg
	} else if err := g.cfg.Validate(); err != nil {
		return &InitializationError{Tag: GrowthTag, Err: err}
	}
	if g.params.CacheDir == "" || g.params.RootDir == "" {
		return &InitializationError{Tag: GrowthTag, Err: errors.New("simulation directories not set")}
	}
	g.cells = g.cells[:0]
	for i := 0; i < g.cfg.SeedCells; i++ {
		angle := 2 * math.Pi * float64(i) / float64(g.cfg.SeedCells)
		r := 0.0
		if i > 0 {
			r = 4
		}
		g.cells = append(g.cells, Cell{
			ID:     g.newID(),
			Pos:    [3]float64{r * math.Cos(angle), 0, r * math.Sin(angle)},
			Dir:    [3]float64{math.Cos(angle), 0, math.Sin(angle)},
			Length: 2 * g.cfg.Radius,
			Radius: g.cfg.Radius,
			Color:  palette(i),
		})
	}
	g.step = 0
	g.ready = true
	return nil
}

func (g *Growth) newID() uint64 {
	id := g.nextID
	g.nextID++
	return id
}

func palette(i int) [3]float64 {
	h := math.Mod(float64(i)*0.618033988749895, 1)
	return [3]float64{0.5 + 0.5*math.Cos(2*math.Pi*h), 0.5 + 0.5*math.Cos(2*math.Pi*(h+1.0/3)), 0.5 + 0.5*math.Cos(2*math.Pi*(h+2.0/3))}
}

func (g *Growth) Step() error {
	if !g.ready {
		return &StepError{Step: g.step, Err: errors.New("backend not initialized")}
	}
	dt := g.params.DeltaTime
	if dt <= 0 {
		dt = DefaultDeltaTime
	}
	grown := make([]Cell, 0, len(g.cells))
	for i, c := range g.cells {
		c.Length = math.Min(c.Length+g.cfg.GrowthRate*dt*20, g.cfg.DivisionLength)
		rest := len(g.cells) - i - 1
		if c.Length < g.cfg.DivisionLength || len(grown)+2+rest > g.cfg.MaxCells {
			grown = append(grown, c)
			continue
		}
		a, b := g.divide(c)
		grown = append(grown, a, b)
	}
	g.cells = grown
	g.step++
	return nil
}

// divide splits c into two daughters that keep the parent's axis, turned
// slightly so the colony spreads in the plane.
func (g *Growth) divide(c Cell) (Cell, Cell) {
	half := c.Length / 2
	offset := half/2 + c.Radius/2
	turn := 0.15
	if c.ID%2 == 1 {
		turn = -turn
	}
	dir := rotateY(c.Dir, turn)
	a := c
	a.ID = g.newID()
	a.Length = half
	a.Dir = dir
	a.Pos = [3]float64{c.Pos[0] + c.Dir[0]*offset, c.Pos[1], c.Pos[2] + c.Dir[2]*offset}
	b := c
	b.ID = g.newID()
	b.Length = half
	b.Dir = rotateY(c.Dir, -turn)
	b.Pos = [3]float64{c.Pos[0] - c.Dir[0]*offset, c.Pos[1], c.Pos[2] - c.Dir[2]*offset}
	return a, b
}

func rotateY(v [3]float64, a float64) [3]float64 {
	s, c := math.Sincos(a)
	return [3]float64{v[0]*c - v[2]*s, v[1], v[0]*s + v[2]*c}
}

func (g *Growth) IsRunning() bool {
	return g.ready && g.step < g.cfg.MaxSteps
}

// Cells returns a copy of the current colony.
func (g *Growth) Cells() []Cell {
	return append([]Cell(nil), g.cells...)
}

type stepFile struct {
	Step  int     `json:"step"`
	Time  float64 `json:"time"`
	Cells []Cell  `json:"cells"`
}

// WriteStepFiles writes step-NNNNN.step (JSON) in the simulation root and
// step-NNNNN.viz (zlib compressed packed cells) in the cache dir.
func (g *Growth) WriteStepFiles() (string, string, error) {
	if !g.ready {
		return "", "", errors.New("backend not initialized")
	}
	base := fmt.Sprintf("step-%05d", g.step)
	stepName, vizName := base+".step", base+".viz"

	dt := g.params.DeltaTime
	if dt <= 0 {
		dt = DefaultDeltaTime
	}
	sb, err := json.Marshal(stepFile{Step: g.step, Time: float64(g.step) * dt, Cells: g.cells})
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(g.params.RootDir, stepName), sb, 0o644); err != nil {
		return "", "", fmt.Errorf("write step file: %w", err)
	}

	vb, err := PackViz(g.cells)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(g.params.CacheDir, vizName), vb, 0o644); err != nil {
		return "", "", fmt.Errorf("write viz file: %w", err)
	}
	prefix := g.params.CacheRelPrefix
	if prefix == "" {
		prefix = "."
	}
	return filepath.Join(".", stepName), filepath.Join(prefix, vizName), nil
}

// PackViz encodes cells in the viewer's binary layout and compresses it with
// zlib, which is what HTTP calls deflate content encoding. Layout (little
// endian): int32 count, then per cell pos xzy, dir xzy, length, radius as
// float32 and an RGBA uint32, then every cell id as uint64.
func PackViz(cells []Cell) ([]byte, error) {
	var raw bytes.Buffer
	le := binary.LittleEndian
	w := func(v any) { _ = binary.Write(&raw, le, v) }
	w(int32(len(cells)))
	for _, c := range cells {
		w([3]float32{float32(c.Pos[0]), float32(c.Pos[2]), float32(c.Pos[1])})
		w([3]float32{float32(c.Dir[0]), float32(c.Dir[2]), float32(c.Dir[1])})
		w(float32(c.Length + 1 - 2*c.Radius))
		w(float32(c.Radius))
		w(packColor(c.Color))
	}
	for _, c := range cells {
		w(c.ID)
	}

	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func packColor(c [3]float64) uint32 {
	ch := func(v float64) uint32 { return uint32(255 * math.Max(0, math.Min(v, 1))) }
	return 0xFF000000 | ch(c[2])<<16 | ch(c[1])<<8 | ch(c[0])
}

// HandleMessage accepts "configure" with an object of settings, applied from
// the next step on.
func (g *Growth) HandleMessage(action string, data json.RawMessage) error {
	if action != "configure" {
		return fmt.Errorf("unsupported action %q", action)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	next := g.cfg
	for k, v := range m {
		if err := next.set(k, fmt.Sprint(v)); err != nil {
			return err
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	g.cfg = next
	return nil
}

func (g *Growth) Shutdown() {
	g.ready = false
	g.cells = nil
}
