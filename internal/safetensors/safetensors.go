// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads and writes ".safetensors" files: an 8 bytes little-endian header length,
// a JSON header with the dtype, shape and data offsets of each tensor, followed by the tensors' data.
package safetensors

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedTensor is a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// MetadataKey is the header entry with the file metadata, as opposed to a tensor.
const MetadataKey = "__metadata__"

// maxHeaderLen protects from reading a corrupt length.
const maxHeaderLen = 100 << 20

type tensorInfo struct {
	// Format is only present for the MetadataKey entry.
	Format string `json:"format,omitempty"`

	DTypeName  string   `json:"dtype,omitempty"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	name string
}

func (t *tensorInfo) dtype() dtypes.DType {
	if dtype, found := dtypeNames[t.DTypeName]; found {
		return dtype
	}
	return dtypes.InvalidDType
}

func (t *tensorInfo) shape() shapes.Shape {
	return shapes.Make(t.dtype(), t.Dimensions...)
}

// readHeader returns the tensors' descriptions sorted by their offsets, and checks that the data is contiguous.
func readHeader(r io.Reader) ([]*tensorInfo, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "failed to read header length")
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, errors.Errorf("invalid header length %d", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	var header map[string]*tensorInfo
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header json")
	}
	if metadata, found := header[MetadataKey]; found && metadata != nil && metadata.Format != "" && metadata.Format != "pt" {
		return nil, errors.Errorf("unsupported format %q in %q, only \"pt\" is supported", metadata.Format, MetadataKey)
	}

	infos := make([]*tensorInfo, 0, len(header))
	for name, info := range header {
		if name == MetadataKey {
			continue
		}
		if info == nil {
			return nil, errors.Errorf("tensor %q has no description", name)
		}
		info.name = name
		if len(info.Offsets) != 2 || info.Offsets[1] < info.Offsets[0] {
			return nil, errors.Errorf("tensor %q: invalid data_offsets %v, expected [start, end]", name, info.Offsets)
		}
		if info.dtype() == dtypes.InvalidDType {
			return nil, errors.Errorf("tensor %q: unsupported dtype %q", name, info.DTypeName)
		}
		if size := uintptr(info.Offsets[1] - info.Offsets[0]); size != info.shape().Memory() {
			return nil, errors.Errorf("tensor %q: shape %s requires %d bytes, but data_offsets %v reserve %d bytes",
				name, info.shape(), info.shape().Memory(), info.Offsets, size)
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *tensorInfo) int {
		if c := cmp.Compare(a.Offsets[0], b.Offsets[0]); c != 0 {
			return c
		}
		return cmp.Compare(a.Offsets[1], b.Offsets[1])
	})
	var lastOffset uint64
	for _, info := range infos {
		if info.Offsets[0] != lastOffset {
			return nil, errors.Errorf("tensor %q: data not contiguous, expected it to start at %d, got %d",
				info.name, lastOffset, info.Offsets[0])
		}
		lastOffset = info.Offsets[1]
	}
	return infos, nil
}

// Scan reads the tensors from r in the order they are stored.
// It stops at the first error, yielding it.
func Scan(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		infos, err := readHeader(r)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, info := range infos {
			t := tensors.FromShape(info.shape())
			if info.shape().Size() > 0 {
				var readErr error
				err = t.MutableBytes(func(data []byte) {
					_, readErr = io.ReadFull(r, data)
				})
				if err == nil {
					err = readErr
				}
				if err != nil {
					yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes", info.name, info.shape().Memory()))
					return
				}
			}
			if !yield(&NamedTensor{Name: info.name, Tensor: t}, nil) {
				return
			}
		}
	}
}

// ScanFile is like Scan, but reads from the file at path.
func ScanFile(path string) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, errors.Wrapf(err, "failed to open safetensors file"))
			return
		}
		defer func() { _ = f.Close() }()
		for namedTensor, err := range Scan(bufio.NewReaderSize(f, 1<<20)) {
			if err != nil {
				err = errors.WithMessagef(err, "reading %q", path)
			}
			if !yield(namedTensor, err) || err != nil {
				return
			}
		}
	}
}

// Write the tensors to w, in the given order.
func Write(w io.Writer, namedTensors []*NamedTensor) error {
	header := make(map[string]any, len(namedTensors)+1)
	header[MetadataKey] = map[string]string{"format": "pt"}
	var offset uint64
	for _, nt := range namedTensors {
		if _, found := header[nt.Name]; found {
			return errors.Errorf("duplicate tensor name %q", nt.Name)
		}
		shape := nt.Tensor.Shape()
		size := uint64(shape.Memory())
		header[nt.Name] = &tensorInfo{
			DTypeName:  safetensorsDTypeName(shape.DType),
			Dimensions: append([]int{}, shape.Dimensions...),
			Offsets:    []uint64{offset, offset + size},
		}
		offset += size
	}
	headerBuf, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	if err = binary.Write(w, binary.LittleEndian, uint64(len(headerBuf))); err != nil {
		return errors.Wrap(err, "failed to write header length")
	}
	if _, err = w.Write(headerBuf); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, nt := range namedTensors {
		if nt.Tensor.Size() == 0 {
			continue
		}
		var writeErr error
		err = nt.Tensor.ConstBytes(func(data []byte) {
			_, writeErr = w.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", nt.Name)
		}
	}
	return nil
}

// dtypeNames maps the names used by the format to dtypes.
var dtypeNames = map[string]dtypes.DType{
	"BOOL": dtypes.Bool,
	"I8":   dtypes.Int8,
	"I16":  dtypes.Int16,
	"I32":  dtypes.Int32,
	"I64":  dtypes.Int64,
	"U8":   dtypes.Uint8,
	"U16":  dtypes.Uint16,
	"U32":  dtypes.Uint32,
	"U64":  dtypes.Uint64,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"F32":  dtypes.Float32,
	"F64":  dtypes.Float64,
}

// safetensorsDTypeName returns the short dtype name used by the format, e.g. "F32".
func safetensorsDTypeName(dtype dtypes.DType) string {
	for name, d := range dtypeNames {
		if d == dtype {
			return name
		}
	}
	return dtype.String()
}
