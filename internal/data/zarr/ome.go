package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// OMEVersion is the OME-NGFF version written by CreateMultiscale.
const OMEVersion = "0.5"

// ErrNotMultiscale is returned when a group carries no multiscales metadata.
var ErrNotMultiscale = errors.New("no OME multiscales metadata")

type omeAxis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Unit string `json:"unit,omitempty"`
}

type omeTransform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale,omitempty"`
}

type omeDataset struct {
	Path                      string         `json:"path"`
	CoordinateTransformations []omeTransform `json:"coordinateTransformations"`
}

type omeMultiscale struct {
	Version  string       `json:"version,omitempty"`
	Name     string       `json:"name,omitempty"`
	Axes     []omeAxis    `json:"axes"`
	Datasets []omeDataset `json:"datasets"`
}

type omeroWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type omeroChannel struct {
	Label  string       `json:"label"`
	Color  string       `json:"color,omitempty"`
	Active bool         `json:"active"`
	Window *omeroWindow `json:"window,omitempty"`
}

type omeroMeta struct {
	Channels []omeroChannel `json:"channels"`
}

type imageLabel struct {
	Version string `json:"version,omitempty"`
}

type omeAttrs struct {
	Version     string          `json:"version,omitempty"`
	Multiscales []omeMultiscale `json:"multiscales"`
	Omero       *omeroMeta      `json:"omero,omitempty"`
	ImageLabel  *imageLabel     `json:"image-label,omitempty"`
}

type groupMeta struct {
	ZarrFormat int                    `json:"zarr_format"`
	NodeType   string                 `json:"node_type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// MultiscaleSpec describes an OME-Zarr multiscale image to write.
type MultiscaleSpec struct {
	Name string
	// LevelShapes holds (height, width) per pyramid level, level 0 first.
	LevelShapes [][2]int
	// Channels > 0 gives (c, y, x) arrays; 0 gives single-plane (y, x) arrays.
	Channels        int
	DataType        string
	TileSize        int
	Compression     Codec
	DownscaleFactor float64
	PixelSize       float64
	PixelUnit       string
	ChannelNames    []string
	// Label marks the image as a segmentation (image-label metadata).
	Label bool
}

// Multiscale writes one OME-Zarr multiscale image. Level arrays are created
// on demand; the group metadata is written last by Finalize so that a
// directory without it is recognisably incomplete.
type Multiscale struct {
	path string
	spec MultiscaleSpec
	opts Options

	mu      sync.Mutex
	created map[int]bool
}

// CreateMultiscale prepares an empty multiscale group at path.
func CreateMultiscale(path string, spec MultiscaleSpec, opts Options) (*Multiscale, error) {
	if len(spec.LevelShapes) == 0 {
		return nil, fmt.Errorf("multiscale %s: no levels", path)
	}
	if spec.TileSize <= 0 {
		return nil, fmt.Errorf("multiscale %s: invalid tile size %d", path, spec.TileSize)
	}
	if _, err := dtypeSize(spec.DataType); err != nil {
		return nil, err
	}
	if spec.DownscaleFactor <= 1 {
		spec.DownscaleFactor = 2
	}
	if spec.PixelSize <= 0 {
		spec.PixelSize = 1
	}
	if spec.PixelUnit == "" {
		spec.PixelUnit = "micrometer"
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Multiscale{path: path, spec: spec, opts: opts, created: make(map[int]bool)}, nil
}

// Path returns the group directory.
func (m *Multiscale) Path() string { return m.path }

// NumLevels returns the number of pyramid levels.
func (m *Multiscale) NumLevels() int { return len(m.spec.LevelShapes) }

// LevelPath returns the array directory of level z under a multiscale root.
func LevelPath(root string, z int) string {
	return filepath.Join(root, strconv.Itoa(z))
}

// LevelShape returns the full array shape of level z.
func (m *Multiscale) LevelShape(z int) []int {
	hw := m.spec.LevelShapes[z]
	if m.spec.Channels > 0 {
		return []int{m.spec.Channels, hw[0], hw[1]}
	}
	return []int{hw[0], hw[1]}
}

// CreateLevel creates the array for level z.
func (m *Multiscale) CreateLevel(z int) (*Array, error) {
	if z < 0 || z >= len(m.spec.LevelShapes) {
		return nil, fmt.Errorf("multiscale %s: level %d out of range", m.path, z)
	}
	shape := m.LevelShape(z)
	// Levels smaller than a tile get a single chunk of their own size.
	hw := m.spec.LevelShapes[z]
	tileH := max(min(m.spec.TileSize, hw[0]), 1)
	tileW := max(min(m.spec.TileSize, hw[1]), 1)
	chunks := []int{tileH, tileW}
	dims := []string{"y", "x"}
	if m.spec.Channels > 0 {
		chunks = []int{1, tileH, tileW}
		dims = []string{"c", "y", "x"}
	}
	arr, err := CreateArray(LevelPath(m.path, z), ArraySpec{
		Shape:          shape,
		ChunkShape:     chunks,
		DataType:       m.spec.DataType,
		FillValue:      0,
		Compression:    m.spec.Compression,
		DimensionNames: dims,
	}, m.opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.created[z] = true
	m.mu.Unlock()
	return arr, nil
}

// WriteLevel creates level z and writes data covering its whole extent.
func (m *Multiscale) WriteLevel(ctx context.Context, z int, data []byte) error {
	arr, err := m.CreateLevel(z)
	if err != nil {
		return err
	}
	shape := arr.Shape()
	return arr.WriteRegion(ctx, make([]int, len(shape)), shape, data)
}

// Finalize writes the group zarr.json with OME multiscales metadata. Level
// arrays may already have been moved elsewhere; only their creation is
// checked.
func (m *Multiscale) Finalize() error {
	m.mu.Lock()
	for z := range m.spec.LevelShapes {
		if !m.created[z] {
			m.mu.Unlock()
			return fmt.Errorf("multiscale %s: level %d not written", m.path, z)
		}
	}
	m.mu.Unlock()

	ome := omeAttrs{
		Version:     OMEVersion,
		Multiscales: []omeMultiscale{m.multiscale()},
	}
	if m.spec.Label {
		ome.ImageLabel = &imageLabel{Version: OMEVersion}
	} else if m.spec.Channels > 0 {
		ome.Omero = m.omero()
	}

	group := groupMeta{
		ZarrFormat: 3,
		NodeType:   "group",
		Attributes: map[string]interface{}{"ome": ome},
	}
	return writeJSONFile(filepath.Join(m.path, "zarr.json"), group)
}

func (m *Multiscale) multiscale() omeMultiscale {
	axes := []omeAxis{
		{Name: "y", Type: "space", Unit: m.spec.PixelUnit},
		{Name: "x", Type: "space", Unit: m.spec.PixelUnit},
	}
	if m.spec.Channels > 0 {
		axes = append([]omeAxis{{Name: "c", Type: "channel"}}, axes...)
	}

	datasets := make([]omeDataset, len(m.spec.LevelShapes))
	for z := range m.spec.LevelShapes {
		s := m.spec.PixelSize * math.Pow(m.spec.DownscaleFactor, float64(z))
		scale := []float64{s, s}
		if m.spec.Channels > 0 {
			scale = []float64{1, s, s}
		}
		datasets[z] = omeDataset{
			Path:                      strconv.Itoa(z),
			CoordinateTransformations: []omeTransform{{Type: "scale", Scale: scale}},
		}
	}
	return omeMultiscale{Name: m.spec.Name, Axes: axes, Datasets: datasets}
}

func (m *Multiscale) omero() *omeroMeta {
	maxVal := 65535.0
	if m.spec.DataType == "uint8" {
		maxVal = 255
	}
	channels := make([]omeroChannel, m.spec.Channels)
	for c := range channels {
		label := "Channel " + strconv.Itoa(c)
		if c < len(m.spec.ChannelNames) && m.spec.ChannelNames[c] != "" {
			label = m.spec.ChannelNames[c]
		}
		channels[c] = omeroChannel{
			Label:  label,
			Color:  "FFFFFF",
			Active: c < 3,
			Window: &omeroWindow{Start: 0, End: maxVal, Min: 0, Max: maxVal},
		}
	}
	return &omeroMeta{Channels: channels}
}

// ReferenceMeta is the metadata copied from a reference OME-Zarr image.
type ReferenceMeta struct {
	PixelSize    float64
	PixelUnit    string
	ChannelNames []string
	// BaseShape is the (height, width) of the full-resolution level.
	BaseShape [2]int
	Datasets  []string
}

// ReadReference reads pixel size, channel names and base shape from an
// OME-Zarr image. Both the v0.5 (zarr.json) and v0.4 (.zattrs/.zarray)
// layouts are accepted.
func ReadReference(path string) (*ReferenceMeta, error) {
	attrs, baseShape, err := readOMEGroup(path)
	if err != nil {
		return nil, err
	}
	if len(attrs.Multiscales) == 0 || len(attrs.Multiscales[0].Datasets) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotMultiscale)
	}
	ms := attrs.Multiscales[0]

	ref := &ReferenceMeta{PixelSize: 1}
	for _, ds := range ms.Datasets {
		ref.Datasets = append(ref.Datasets, ds.Path)
	}
	for _, t := range ms.Datasets[0].CoordinateTransformations {
		if t.Type == "scale" && len(t.Scale) > 0 {
			ref.PixelSize = t.Scale[len(t.Scale)-1]
		}
	}
	if n := len(ms.Axes); n > 0 {
		ref.PixelUnit = ms.Axes[n-1].Unit
	}
	if attrs.Omero != nil {
		for _, ch := range attrs.Omero.Channels {
			ref.ChannelNames = append(ref.ChannelNames, ch.Label)
		}
	}

	if baseShape == nil {
		meta, err := loadArrayMeta(filepath.Join(path, ms.Datasets[0].Path))
		if err != nil {
			return nil, fmt.Errorf("failed to read base level of %s: %w", path, err)
		}
		baseShape = meta.Shape
	} else {
		baseShape, err = readV2Shape(filepath.Join(path, ms.Datasets[0].Path))
		if err != nil {
			return nil, err
		}
	}
	if len(baseShape) < 2 {
		return nil, fmt.Errorf("%s: base level has %d dims", path, len(baseShape))
	}
	ref.BaseShape = [2]int{baseShape[len(baseShape)-2], baseShape[len(baseShape)-1]}
	return ref, nil
}

// readOMEGroup returns the OME attributes of a group. A non-nil second
// result marks a v0.4 group whose arrays use .zarray metadata.
func readOMEGroup(path string) (*omeAttrs, []int, error) {
	data, err := os.ReadFile(filepath.Join(path, "zarr.json"))
	if err == nil {
		var group struct {
			Attributes struct {
				OME omeAttrs `json:"ome"`
			} `json:"attributes"`
		}
		if err := json.Unmarshal(data, &group); err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s/zarr.json: %w", path, err)
		}
		return &group.Attributes.OME, nil, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}

	data, err = os.ReadFile(filepath.Join(path, ".zattrs"))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrNotMultiscale)
	}
	var attrs omeAttrs
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s/.zattrs: %w", path, err)
	}
	return &attrs, []int{}, nil
}

func readV2Shape(arrayPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, ".zarray"))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/.zarray: %w", arrayPath, err)
	}
	var meta struct {
		Shape []int `json:"shape"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/.zarray: %w", arrayPath, err)
	}
	return meta.Shape, nil
}
