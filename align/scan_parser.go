package align

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// scanFile is the on-disk and on-the-wire form of a PointCloud. Coordinates
// are [x, y, z] triples in meters.
type scanFile struct {
	Name   string                  `json:"name" yaml:"name"`
	Points map[string][][3]float64 `json:"points" yaml:"points"`
	Planes []struct {
		Centroid [3]float64 `json:"centroid" yaml:"centroid"`
		Normal   [3]float64 `json:"normal" yaml:"normal"`
	} `json:"planes" yaml:"planes"`
	Lines []struct {
		Point     [3]float64 `json:"point" yaml:"point"`
		Direction [3]float64 `json:"direction" yaml:"direction"`
	} `json:"lines" yaml:"lines"`
}

func vec(c [3]float64) r3.Vector {
	return r3.Vector{X: c[0], Y: c[1], Z: c[2]}
}

func unit(c [3]float64, what string, i int) (r3.Vector, error) {
	v := vec(c)
	if v.Norm() < 1e-12 {
		return r3.Vector{}, fmt.Errorf("%s[%d]: zero-length vector", what, i)
	}
	return v.Normalize(), nil
}

func (f *scanFile) toPointCloud() (*PointCloud, error) {
	pc := NewPointCloud(f.Name)
	for layer, pts := range f.Points {
		vs := make([]r3.Vector, len(pts))
		for i, p := range pts {
			vs[i] = vec(p)
		}
		pc.Points[layer] = vs
	}
	for i, p := range f.Planes {
		n, err := unit(p.Normal, "planes", i)
		if err != nil {
			return nil, err
		}
		pc.Planes = append(pc.Planes, Plane{Centroid: vec(p.Centroid), Normal: n})
	}
	for i, l := range f.Lines {
		d, err := unit(l.Direction, "lines", i)
		if err != nil {
			return nil, err
		}
		pc.Lines = append(pc.Lines, Line{Point: vec(l.Point), Direction: d})
	}
	return pc, nil
}

// ParseScanFile reads a scan from a .json, .yaml or .yml file. The base file
// name is used when the scan carries no name.
func ParseScanFile(path string) (*PointCloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var pc *PointCloud
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		pc, err = ParseScanYAML(data)
	default:
		pc, err = ParseScanJSON(data)
	}
	if err != nil {
		return nil, err
	}
	if pc.Name == "" {
		pc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return pc, nil
}

// ParseScanJSON parses scan JSON data
func ParseScanJSON(data []byte) (*PointCloud, error) {
	var f scanFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return f.toPointCloud()
}

// ParseScanYAML parses scan YAML data
func ParseScanYAML(data []byte) (*PointCloud, error) {
	var f scanFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return f.toPointCloud()
}

// DecodeScan decodes a scan payload received over MQTT: raw JSON,
// zlib-compressed JSON, or YAML.
func DecodeScan(data []byte) (*PointCloud, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if data[0] == '{' {
		return ParseScanJSON(data)
	}
	if inflated, err := inflateZlib(data); err == nil {
		return ParseScanJSON(inflated)
	}
	pc, err := ParseScanYAML(data)
	if err != nil {
		return nil, fmt.Errorf("unknown format: not JSON, zlib-compressed JSON, or YAML: %w", err)
	}
	return pc, nil
}

func inflateZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
