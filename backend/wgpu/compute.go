// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package wgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/backend"
)

// Pipeline is a compute pipeline whose bind group 0 holds Bindings storage
// buffers at bindings 0..n-1.
type Pipeline struct {
	dev      *Device
	label    string
	bindings int

	module hal.ShaderModule
	layout hal.BindGroupLayout
	plLay  hal.PipelineLayout
	raw    hal.ComputePipeline
}

// Label returns the debug label.
func (p *Pipeline) Label() string { return p.label }

// Destroy releases the pipeline and the objects it was built from.
func (p *Pipeline) Destroy() {
	d := p.dev.raw
	if p.raw != nil {
		d.DestroyComputePipeline(p.raw)
		p.raw = nil
	}
	if p.plLay != nil {
		d.DestroyPipelineLayout(p.plLay)
		p.plLay = nil
	}
	if p.layout != nil {
		d.DestroyBindGroupLayout(p.layout)
		p.layout = nil
	}
	if p.module != nil {
		d.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile shader: SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// CreateComputePipeline compiles desc.WGSL with naga and builds a pipeline
// whose layout has desc.Bindings read-write storage buffers.
func (d *Device) CreateComputePipeline(desc backend.ComputeDesc) (backend.Pipeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if desc.WGSL == "" {
		return nil, fmt.Errorf("%w: pipeline %q has no WGSL source", backend.ErrUnsupported, desc.Label)
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	spirv, err := compileSPIRV(desc.WGSL)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", desc.Label, err)
	}

	p := &Pipeline{dev: d, label: desc.Label, bindings: desc.Bindings}
	ok := false
	defer func() {
		if !ok {
			p.Destroy()
		}
	}()

	p.module, err = d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: shader module: %w", desc.Label, d.check(err))
	}

	entries := make([]gputypes.BindGroupLayoutEntry, desc.Bindings)
	for i := range entries {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}
	p.layout, err = d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label + " layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: bind group layout: %w", desc.Label, d.check(err))
	}

	p.plLay, err = d.raw.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + " pipeline layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.layout},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: pipeline layout: %w", desc.Label, d.check(err))
	}

	p.raw, err = d.raw.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  p.plLay,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: entry},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", desc.Label, d.check(err))
	}
	ok = true
	slogger().Debug("wgpu: compute pipeline created", "label", desc.Label, "bindings", desc.Bindings, "spirvWords", len(spirv))
	return p, nil
}
