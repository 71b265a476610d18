package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// rawFile builds a safetensors file from a literal header and data.
func rawFile(header string, data []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func collect(t *testing.T, content []byte) (map[string]*tensors.Tensor, []string, error) {
	t.Helper()
	values := make(map[string]*tensors.Tensor)
	var order []string
	for nt, err := range Scan(bytes.NewReader(content)) {
		if err != nil {
			return values, order, err
		}
		values[nt.Name] = nt.Tensor
		order = append(order, nt.Name)
	}
	return values, order, nil
}

func TestScan(t *testing.T) {
	var data []byte
	data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(1.5).Bits())
	data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(-2).Bits())
	data = binary.LittleEndian.AppendUint16(data, bfloat16.FromFloat32(0.25).Bits())
	data = binary.LittleEndian.AppendUint64(data, 7)
	header := `{"__metadata__":{"format":"pt"},` +
		`"counter":{"dtype":"I64","shape":[],"data_offsets":[6,14]},` +
		`"half":{"dtype":"F16","shape":[2],"data_offsets":[0,4]},` +
		`"brain":{"dtype":"BF16","shape":[1,1],"data_offsets":[4,6]}}`
	values, order, err := collect(t, rawFile(header, data))
	require.NoError(t, err)
	assert.Equal(t, []string{"half", "brain", "counter"}, order)
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, values["half"].Value())
	assert.Equal(t, [][]bfloat16.BFloat16{{bfloat16.FromFloat32(0.25)}}, values["brain"].Value())
	assert.Equal(t, int64(7), values["counter"].Value())
}

func TestScanErrors(t *testing.T) {
	fourFloats := make([]byte, 16)
	for name, content := range map[string][]byte{
		"format":         rawFile(`{"__metadata__":{"format":"tf"},"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, fourFloats),
		"dtype":          rawFile(`{"x":{"dtype":"F42","shape":[4],"data_offsets":[0,16]}}`, fourFloats),
		"size":           rawFile(`{"x":{"dtype":"F32","shape":[3],"data_offsets":[0,16]}}`, fourFloats),
		"gap":            rawFile(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[8,16]}}`, fourFloats),
		"truncated":      rawFile(`{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, fourFloats[:10]),
		"json":           rawFile(`{"x":`, nil),
		"header_length":  {1, 2, 3},
		"invalid_offset": rawFile(`{"x":{"dtype":"F32","shape":[4],"data_offsets":[16]}}`, fourFloats),
	} {
		_, _, err := collect(t, content)
		assert.Error(t, err, "case %q should have failed", name)
	}
}

func TestHeaderLargeOffsets(t *testing.T) {
	// Offsets beyond the int64 range must still sort after the small ones.
	header := `{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]},` +
		`"b":{"dtype":"F32","shape":[1],"data_offsets":[9223372036854775808,9223372036854775812]}}`
	_, err := readHeader(bytes.NewReader(rawFile(header, make([]byte, 8))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tensor "b"`)
	assert.Contains(t, err.Error(), "expected it to start at 4")
}

func TestWriteAndScanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	weights := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	bias := tensors.FromValue([]float64{-1, 1})
	count := tensors.FromValue(int64(3))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, []*NamedTensor{{"layer.weight", weights}, {"layer.bias", bias}, {"layer.count", count}}))
	require.NoError(t, f.Close())

	var names []string
	for nt, err := range ScanFile(path) {
		require.NoError(t, err)
		names = append(names, nt.Name)
		switch nt.Name {
		case "layer.weight":
			assert.True(t, weights.Equal(nt.Tensor))
		case "layer.bias":
			assert.True(t, bias.Equal(nt.Tensor))
		case "layer.count":
			assert.Equal(t, int64(3), nt.Tensor.Value())
		}
	}
	assert.Equal(t, []string{"layer.weight", "layer.bias", "layer.count"}, names)

	err = Write(&bytes.Buffer{}, []*NamedTensor{{"x", bias}, {"x", bias}})
	assert.Error(t, err)

	for _, err := range ScanFile(filepath.Join(t.TempDir(), "missing.safetensors")) {
		assert.Error(t, err)
	}
}
