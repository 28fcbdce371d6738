package demo

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/gpusync"
)

// Transform is the per-object constant block.
type Transform struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

const transformSize = 3 * 16 * 4

// Transforms returns n object transforms spinning around a shared camera.
func Transforms(n int) []Transform {
	view := mgl32.LookAt(2, 2, 2, 0, 0, 0, 0, 0, 1)
	proj := mgl32.Perspective(mgl32.DegToRad(45), 16.0/9.0, 0.1, 10)
	out := make([]Transform, n)
	for i := range out {
		angle := mgl32.DegToRad(float32(i) * 360 / float32(n))
		out[i] = Transform{
			Model: mgl32.HomogRotate3D(angle, mgl32.Vec3{0, 0, 1}).Mul4(mgl32.Translate3D(float32(i), 0, 0)),
			View:  view,
			Proj:  proj,
		}
	}
	return out
}

func objectRegion(i int) string { return fmt.Sprintf("object%d", i) }

// TransformLayout places each transform in its own constant-aligned region.
func TransformLayout(n int) (gpusync.Layout, error) {
	b := gpusync.NewLayout()
	for i := range n {
		b.AddConstants(objectRegion(i), transformSize)
	}
	return b.Build()
}

// Projection uploads per-object transforms into a constant buffer in one
// copy and reads the buffer back to check every region.
func Projection(ctx context.Context, c *gpusync.Context, _ Config) (Result, error) {
	const objects = 4
	layout, err := TransformLayout(objects)
	if err != nil {
		return Result{}, err
	}
	for _, reg := range layout.Regions() {
		if reg.Offset%gpusync.ConstantBufferAlignment != 0 {
			return Result{}, fmt.Errorf("%w: region %s at %d", gpusync.ErrMisaligned, reg.Name, reg.Offset)
		}
	}

	r, err := newRunner(ctx, c, "projection")
	if err != nil {
		return Result{}, err
	}
	defer r.close()

	cb, err := c.CreateBuffer(gpusync.BufferDesc{Label: "transforms", Size: layout.Size(), Role: gpusync.RoleConstant})
	if err != nil {
		return Result{}, err
	}
	up, err := c.CreateUploadBuffer("transforms-up", layout)
	if err != nil {
		release(cb)
		return Result{}, err
	}
	rb, err := c.CreateReadbackBuffer("transforms-rb", layout)
	if err != nil {
		release(cb, up)
		return Result{}, err
	}
	defer release(cb, up, rb)

	want := Transforms(objects)
	for i := range want {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &want[i]); err != nil {
			return Result{}, err
		}
		if err := up.WriteRegion(objectRegion(i), buf.Bytes()); err != nil {
			return Result{}, err
		}
	}

	if err := r.step(func(s *gpusync.Session) error {
		return s.UploadAndSync(cb, up, 0, 0, layout.Size())
	}); err != nil {
		return r.res, err
	}
	if err := r.step(func(s *gpusync.Session) error {
		return s.ReadbackBuffer(layout.Size(), rb, cb)
	}); err != nil {
		return r.res, err
	}

	for i := range want {
		raw, err := rb.ReadRegion(objectRegion(i))
		if err != nil {
			return r.res, err
		}
		var got Transform
		if err := binary.Read(bytes.NewReader(raw[:transformSize]), binary.LittleEndian, &got); err != nil {
			return r.res, err
		}
		if !got.Model.ApproxEqual(want[i].Model) || !got.View.ApproxEqual(want[i].View) || !got.Proj.ApproxEqual(want[i].Proj) {
			return r.res, fmt.Errorf("%w: object %d transform", ErrMismatch, i)
		}
		r.res.Verified += transformSize
	}
	return r.res, nil
}
