package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

// Script is a replayable scene: meshes, objects placed from them, and the
// frames on which they are visible or move.
type Script struct {
	Frames  int          `toml:"frames"`
	Camera  [3]float32   `toml:"camera"`
	Meshes  []MeshDef    `toml:"mesh"`
	Objects []ObjectDef  `toml:"object"`
	Moves   []MoveDef    `toml:"move"`
	Shares  []TextureDef `toml:"texture"`
}

// MeshDef declares a vertex/index buffer pair and its input layout.
type MeshDef struct {
	Name      string   `toml:"name"`
	Vertices  uint32   `toml:"vertices"`
	Triangles uint32   `toml:"triangles"`
	Index32   bool     `toml:"index32"`
	Layout    []string `toml:"layout"` // SEMANTIC:FORMAT
}

// ObjectDef places a mesh in the world.
type ObjectDef struct {
	ID        uint64     `toml:"id"`
	Mesh      string     `toml:"mesh"`
	Position  [3]float32 `toml:"position"`
	Radius    float32    `toml:"radius"`
	Materials []string   `toml:"materials"`
	// Visible lists the 1-based frames the object is visible on. Empty
	// means every frame.
	Visible []int `toml:"visible"`
}

// MoveDef translates an object before the given frame.
type MoveDef struct {
	Frame  int        `toml:"frame"`
	Object uint64     `toml:"object"`
	To     [3]float32 `toml:"to"`
}

// TextureDef is a primary texture offered to the secondary device.
type TextureDef struct {
	Name   string `toml:"name"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	Shared bool   `toml:"shared"`
}

// ParseScript decodes and checks a script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if s.Frames <= 0 {
		s.Frames = 1
	}
	meshes := make(map[string]bool, len(s.Meshes))
	for _, m := range s.Meshes {
		if m.Name == "" || m.Vertices == 0 || m.Triangles == 0 {
			return nil, fmt.Errorf("mesh %q: name, vertices and triangles are required", m.Name)
		}
		if _, err := m.elements(); err != nil {
			return nil, fmt.Errorf("mesh %q: %w", m.Name, err)
		}
		meshes[m.Name] = true
	}
	ids := make(map[uint64]bool, len(s.Objects))
	for _, o := range s.Objects {
		if !meshes[o.Mesh] {
			return nil, fmt.Errorf("object %d: unknown mesh %q", o.ID, o.Mesh)
		}
		if ids[o.ID] {
			return nil, fmt.Errorf("object %d: duplicate id", o.ID)
		}
		ids[o.ID] = true
		if _, err := scene.ParseMaterialFlags(o.Materials); err != nil {
			return nil, fmt.Errorf("object %d: %w", o.ID, err)
		}
	}
	for _, m := range s.Moves {
		if !ids[m.Object] {
			return nil, fmt.Errorf("move: unknown object %d", m.Object)
		}
	}
	return &s, nil
}

// LoadScript reads a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (m MeshDef) elements() ([]xdev.InputElement, error) {
	elems := make([]xdev.InputElement, 0, len(m.Layout))
	var offset uint32
	for _, e := range m.Layout {
		sem, fs, ok := strings.Cut(e, ":")
		if !ok {
			return nil, fmt.Errorf("layout element %q: want SEMANTIC:FORMAT", e)
		}
		f, err := xdev.ParseFormat(fs)
		if err != nil {
			return nil, err
		}
		elems = append(elems, xdev.InputElement{Semantic: sem, Format: f, AlignedByteOffset: offset})
		offset += f.Size()
	}
	return elems, nil
}

func (m MeshDef) stride() uint32 {
	elems, _ := m.elements()
	var n uint32
	for _, e := range elems {
		n += e.Format.Size()
	}
	return n
}

func (m MeshDef) indexFormat() xdev.Format {
	if m.Index32 {
		return xdev.FormatR32Uint
	}
	return xdev.FormatR16Uint
}

// VisibleOn reports whether the object is visible on a 1-based frame.
func (o ObjectDef) VisibleOn(frame int) bool {
	if len(o.Visible) == 0 {
		return true
	}
	for _, f := range o.Visible {
		if f == frame {
			return true
		}
	}
	return false
}
