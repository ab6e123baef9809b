package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"llamactx/pkg/types"
)

const ggufMagic = 0x46554747 // "GGUF" little-endian

type ggufValueType uint32

const (
	ggufUint8 ggufValueType = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

// maxGGUFString and maxGGUFArray guard against corrupt length prefixes.
const (
	maxGGUFString = 64 << 20
	maxGGUFArray  = 1 << 28
)

type ggufReader struct {
	r *bufio.Reader
}

func (g *ggufReader) u32() (uint32, error) {
	var v uint32
	err := binary.Read(g.r, binary.LittleEndian, &v)
	return v, err
}

func (g *ggufReader) u64() (uint64, error) {
	var v uint64
	err := binary.Read(g.r, binary.LittleEndian, &v)
	return v, err
}

func (g *ggufReader) str() (string, error) {
	n, err := g.u64()
	if err != nil {
		return "", err
	}
	if n > maxGGUFString {
		return "", errors.Errorf("gguf: string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func scalarSize(t ggufValueType) int {
	switch t {
	case ggufUint8, ggufInt8, ggufBool:
		return 1
	case ggufUint16, ggufInt16:
		return 2
	case ggufUint32, ggufInt32, ggufFloat32:
		return 4
	case ggufUint64, ggufInt64, ggufFloat64:
		return 8
	}
	return 0
}

func (g *ggufReader) scalar(t ggufValueType) (any, error) {
	var b [8]byte
	n := scalarSize(t)
	if n == 0 {
		return nil, errors.Errorf("gguf: unknown value type %d", t)
	}
	if _, err := io.ReadFull(g.r, b[:n]); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	switch t {
	case ggufUint8:
		return b[0], nil
	case ggufInt8:
		return int8(b[0]), nil
	case ggufBool:
		return b[0] != 0, nil
	case ggufUint16:
		return le.Uint16(b[:]), nil
	case ggufInt16:
		return int16(le.Uint16(b[:])), nil
	case ggufUint32:
		return le.Uint32(b[:]), nil
	case ggufInt32:
		return int32(le.Uint32(b[:])), nil
	case ggufFloat32:
		return math.Float32frombits(le.Uint32(b[:])), nil
	case ggufUint64:
		return le.Uint64(b[:]), nil
	case ggufInt64:
		return int64(le.Uint64(b[:])), nil
	default:
		return math.Float64frombits(le.Uint64(b[:])), nil
	}
}

// value reads one value of type t; with keep false the value is consumed and discarded.
func (g *ggufReader) value(t ggufValueType, keep bool) (any, error) {
	switch t {
	case ggufString:
		return g.str()
	case ggufArray:
		et, err := g.u32()
		if err != nil {
			return nil, err
		}
		n, err := g.u64()
		if err != nil {
			return nil, err
		}
		if n > maxGGUFArray {
			return nil, errors.Errorf("gguf: array length %d too large", n)
		}
		elem := ggufValueType(et)
		if !keep {
			if sz := scalarSize(elem); sz > 0 {
				_, err := g.r.Discard(int(n) * sz)
				return nil, err
			}
		}
		var out []any
		if keep {
			out = make([]any, 0, min(n, 1024))
		}
		for i := uint64(0); i < n; i++ {
			v, err := g.value(elem, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return g.scalar(t)
	}
}

// ReadGGUFMetadata returns the key/value metadata of a GGUF file. Keys in skip
// are parsed past without being stored.
func ReadGGUFMetadata(path string, skip []string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readGGUF(f, skip)
}

func readGGUF(rd io.Reader, skip []string) (map[string]any, error) {
	g := &ggufReader{r: bufio.NewReaderSize(rd, 1<<16)}
	magic, err := g.u32()
	if err != nil {
		return nil, errors.Wrap(err, "gguf: read magic")
	}
	if magic != ggufMagic {
		return nil, errors.New("gguf: not a GGUF file")
	}
	version, err := g.u32()
	if err != nil {
		return nil, errors.Wrap(err, "gguf: read version")
	}
	if version < 2 {
		return nil, errors.Errorf("gguf: unsupported version %d", version)
	}
	if _, err := g.u64(); err != nil { // tensor count
		return nil, errors.Wrap(err, "gguf: read tensor count")
	}
	kvCount, err := g.u64()
	if err != nil {
		return nil, errors.Wrap(err, "gguf: read kv count")
	}
	skipSet := make(map[string]struct{}, len(skip))
	for _, k := range skip {
		skipSet[k] = struct{}{}
	}
	out := make(map[string]any, min(kvCount, 1024))
	for i := uint64(0); i < kvCount; i++ {
		key, err := g.str()
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: read key %d", i)
		}
		t, err := g.u32()
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: read type of %s", key)
		}
		_, skipped := skipSet[key]
		v, err := g.value(ggufValueType(t), !skipped)
		if err != nil {
			return nil, errors.Wrapf(err, "gguf: read value of %s", key)
		}
		if !skipped {
			out[key] = v
		}
	}
	return out, nil
}

// TokenizerSkipKeys are the bulky vocabulary arrays left out of model metadata.
var TokenizerSkipKeys = []string{
	"tokenizer.ggml.tokens",
	"tokenizer.ggml.token_type",
	"tokenizer.ggml.merges",
}

// fileTypeNames maps general.file_type to llama.cpp's quantization label.
var fileTypeNames = map[uint32]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1", 7: "Q8_0", 8: "Q5_0", 9: "Q5_1",
	10: "Q2_K", 11: "Q3_K - Small", 12: "Q3_K - Medium", 13: "Q3_K - Large",
	14: "Q4_K - Small", 15: "Q4_K - Medium", 16: "Q5_K - Small", 17: "Q5_K - Medium",
	18: "Q6_K", 32: "BF16",
}

// DescribeModel summarizes a GGUF file the way llama.cpp describes a loaded model.
func DescribeModel(path string) (types.ModelDetails, error) {
	md, err := ReadGGUFMetadata(path, TokenizerSkipKeys)
	if err != nil {
		return types.ModelDetails{}, err
	}
	var d types.ModelDetails
	if fi, err := os.Stat(path); err == nil {
		d.Size = fi.Size()
	}
	parts := make([]string, 0, 3)
	if arch, ok := md["general.architecture"].(string); ok {
		parts = append(parts, arch)
	}
	if label, ok := md["general.size_label"].(string); ok {
		parts = append(parts, label)
	}
	if ft, ok := md["general.file_type"].(uint32); ok {
		if name, ok := fileTypeNames[ft]; ok {
			parts = append(parts, name)
		}
	}
	d.Desc = strings.Join(parts, " ")
	switch n := md["general.parameter_count"].(type) {
	case uint64:
		d.NParams = int64(n)
	case int64:
		d.NParams = n
	}
	_, d.IsChatTemplateSupported = md["tokenizer.chat_template"]
	d.Metadata = make(map[string]string)
	for k, v := range md {
		if strings.HasPrefix(k, "general.") {
			d.Metadata[k] = fmt.Sprint(v)
		}
	}
	return d, nil
}
