// Package voxgi maintains a sparse voxel distance-field representation of a
// host renderer's visible scene on a secondary GPU device.
//
// The host owns the frame loop and a primary device. voxgi runs the
// acceleration library on an independent secondary device and bridges the
// two: primary vertex and index buffers are copied to the secondary and
// imported into the library, textures are shared through named handles,
// and a pair of shared fences orders the two queues every frame.
//
// # Quick Start
//
//	sys, err := voxgi.New(voxgi.Options{
//	    Config:    voxgi.DefaultConfig(),
//	    Primary:   primary,
//	    Secondary: secondary,
//	    Library:   lib,
//	    Releases:  primary,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sys.Close(context.Background())
//
// The host then forwards its interception points:
//
//	sys.OnBufferCreated(desc, data, id)      // every vertex/index buffer
//	sys.OnInputLayoutCreated(id, elements)   // every input layout
//	sys.BindVertexDescriptor(key, id)
//	sys.OnGeometryVisible(geometry)          // per visible object per frame
//	sys.OnWorldUpdate(id, before, after)     // transform changes
//	sys.Frame(ctx, camera)                   // once per frame
//
// # Failure Model
//
// Initialization errors are returned by New. Runtime failures of the
// library, the scratch budget or the fences disable the subsystem for the
// rest of the session: the error is latched, logged as critical and every
// later hook becomes a no-op. Ineligible geometry is skipped silently.
//
// # Logging
//
// voxgi is silent by default. Call [SetLogger] to route its log records to
// any slog.Handler.
package voxgi
