package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gogpu/voxgi"
	"github.com/gogpu/voxgi/accel/reference"
	"github.com/gogpu/voxgi/internal/halgpu"
	"github.com/gogpu/voxgi/internal/handles"
	"github.com/gogpu/voxgi/internal/loopback"
	"github.com/gogpu/voxgi/scene"
	"github.com/gogpu/voxgi/xdev"
)

// replayer drives a System through a script on a loopback primary and a
// hal secondary device.
type replayer struct {
	cfg     voxgi.Config
	backend string

	sec  *halgpu.Device
	prim *loopback.Device
	lib  *reference.Library
	pass *halgpu.DebugPass
	sys  *voxgi.System

	meshes   map[string]meshState
	objects  map[uint64]*objectState
	textures []*loopback.Resource
}

type meshState struct {
	def    MeshDef
	vb, ib *loopback.Resource
	key    uint64
}

type objectState struct {
	def   ObjectDef
	world scene.Transform
}

func newReplayer(cfg voxgi.Config, backend string) (*replayer, error) {
	tbl := handles.NewTable()
	timeout := time.Duration(cfg.FenceTimeout)
	sec, err := halgpu.Open(halgpu.Options{Backend: backend, Handles: tbl, FenceTimeout: timeout})
	if err != nil {
		return nil, err
	}
	r := &replayer{
		cfg:     cfg,
		backend: backend,
		sec:     sec,
		prim: loopback.New(loopback.Options{
			HalDevice:    sec.HalDevice(),
			HalQueue:     sec.HalQueue(),
			FenceTimeout: timeout,
			Handles:      tbl,
		}),
		lib:     reference.New(),
		meshes:  make(map[string]meshState),
		objects: make(map[uint64]*objectState),
	}
	if r.pass, err = halgpu.NewDebugPass(sec); err != nil {
		sec.Close()
		return nil, err
	}
	r.sys, err = voxgi.New(voxgi.Options{
		Config:    cfg,
		Primary:   r.prim,
		Secondary: sec,
		Library:   r.lib,
		Releases:  r.prim,
		Debug:     r.pass,
	})
	if err != nil {
		r.pass.Close()
		sec.Close()
		return nil, err
	}
	return r, nil
}

func (r *replayer) load(s *Script) error {
	for i, m := range s.Meshes {
		vbDesc := xdev.ResourceDesc{
			Label:     m.Name + "_vb",
			ByteWidth: uint64(m.Vertices) * uint64(m.stride()),
			Bind:      xdev.BindVertexBuffer,
		}
		vb, err := r.prim.CreateBuffer(vbDesc, nil)
		if err != nil {
			return err
		}
		ibDesc := xdev.ResourceDesc{
			Label:     m.Name + "_ib",
			ByteWidth: uint64(m.Triangles) * 3 * uint64(m.indexFormat().Size()),
			Bind:      xdev.BindIndexBuffer,
		}
		ib, err := r.prim.CreateBuffer(ibDesc, nil)
		if err != nil {
			return err
		}
		for _, b := range []*loopback.Resource{vb, ib} {
			if err := r.sys.OnBufferCreated(b.Desc(), b.Data(), b.ID()); err != nil {
				return err
			}
		}

		elems, _ := m.elements()
		lid := xdev.NextResourceID()
		if err := r.sys.OnInputLayoutCreated(lid, elems); err != nil {
			return fmt.Errorf("mesh %q: %w", m.Name, err)
		}
		key := uint64(i + 1)
		r.sys.BindVertexDescriptor(key, lid)
		r.meshes[m.Name] = meshState{def: m, vb: vb, ib: ib, key: key}
	}

	for _, o := range s.Objects {
		p := o.Position
		r.objects[o.ID] = &objectState{def: o, world: scene.Translation(p[0], p[1], p[2])}
	}

	for _, t := range s.Shares {
		desc := xdev.ResourceDesc{
			Label:  t.Name,
			Width:  t.Width,
			Height: t.Height,
			Format: xdev.FormatR8G8B8A8Unorm,
			Bind:   xdev.BindShaderResource,
		}
		if t.Shared {
			desc.Misc = xdev.MiscShared | xdev.MiscSharedNTHandle
		}
		tex, err := r.prim.CreateTexture(desc)
		if err != nil {
			return err
		}
		r.textures = append(r.textures, tex)
		if _, err := r.sys.ShareTexture(tex); err != nil {
			return fmt.Errorf("texture %q: %w", t.Name, err)
		}
	}
	return nil
}

func (r *replayer) geometry(o *objectState) scene.Geometry {
	m := r.meshes[o.def.Mesh]
	mat, _ := scene.ParseMaterialFlags(o.def.Materials)
	return scene.Geometry{
		ID:               scene.ObjectID(o.def.ID),
		World:            o.world,
		BoundRadius:      o.def.Radius,
		Material:         mat,
		VertexBuffer:     m.vb.ID(),
		IndexBuffer:      m.ib.ID(),
		VertexDescriptor: m.key,
		IndexFormat:      m.def.indexFormat(),
		TriangleCount:    m.def.Triangles,
		VertexCount:      m.def.Vertices,
	}
}

// run replays every frame and writes one line per frame to out.
func (r *replayer) run(ctx context.Context, s *Script, out io.Writer) error {
	for frame := 1; frame <= s.Frames; frame++ {
		for _, mv := range s.Moves {
			if mv.Frame != frame {
				continue
			}
			o := r.objects[mv.Object]
			after := scene.Translation(mv.To[0], mv.To[1], mv.To[2])
			if err := r.sys.OnWorldUpdate(scene.ObjectID(mv.Object), o.world, after); err != nil {
				return err
			}
			o.world = after
		}
		for _, o := range s.Objects {
			if o.VisibleOn(frame) {
				r.sys.OnGeometryVisible(r.geometry(r.objects[o.ID]))
			}
		}
		st, err := r.sys.Frame(ctx, s.Camera)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "frame %d: instances=%d created=%d deleted=%d scratch=%d fences=%d/%d\n",
			frame, st.Instances.Active, st.Instances.Created, st.Instances.Deleted, st.Scratch, st.SignalA, st.SignalB)
	}
	return nil
}

func (r *replayer) close() error {
	err := r.sys.Close(context.Background())
	for _, m := range r.meshes {
		m.vb.Release()
		m.ib.Release()
	}
	for _, t := range r.textures {
		t.Release()
	}
	r.pass.Close()
	if cerr := r.sec.Close(); err == nil {
		err = cerr
	}
	return err
}
