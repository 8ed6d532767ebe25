package vindex

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// Artifact layout: 4-byte magic followed by a zstd stream holding a protobuf
// wire-format message with the fields below. Ids and vectors always travel
// together so positions cannot drift apart.
const (
	magic         = "LVIX"
	formatVersion = 1

	fieldVersion protowire.Number = 1
	fieldDim     protowire.Number = 2
	fieldModel   protowire.Number = 3
	fieldCount   protowire.Number = 4
	fieldID      protowire.Number = 5
	fieldVectors protowire.Number = 6
)

// Persist writes the index artifact to w.
func (ix *Index) Persist(w io.Writer) error {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	b = protowire.AppendTag(b, fieldDim, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ix.tag.Dim))
	b = protowire.AppendTag(b, fieldModel, protowire.BytesType)
	b = protowire.AppendString(b, ix.tag.Model)
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(ix.ids)))
	for _, id := range ix.ids {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	packed := make([]byte, 0, len(ix.vecs)*4)
	for _, f := range ix.vecs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, fieldVectors, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if _, err := io.WriteString(w, magic); err != nil {
		return fmt.Errorf("vindex: persist: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("vindex: persist: %w", err)
	}
	if _, err := enc.Write(b); err != nil {
		enc.Close()
		return fmt.Errorf("vindex: persist: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("vindex: persist: %w", err)
	}
	return nil
}

// MarshalBinary returns the artifact bytes.
func (ix *Index) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := ix.Persist(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads an artifact written by Persist. Non-zero fields of expect are
// checked against the stored tag; any mismatch yields a
// *domain.IncompatibleIndexError.
func Load(r io.Reader, expect Tag) (*Index, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("vindex: load: read header: %w", err)
	}
	if string(head) != magic {
		return nil, &domain.IncompatibleIndexError{Field: "magic", Want: magic, Got: fmt.Sprintf("%q", head)}
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("vindex: load: %w", err)
	}
	defer dec.Close()
	b, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("vindex: load: decompress: %w", err)
	}

	ix, count, version, err := decode(b)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, &domain.IncompatibleIndexError{Field: "format_version", Want: fmt.Sprint(formatVersion), Got: fmt.Sprint(version)}
	}
	if expect.Dim != 0 && expect.Dim != ix.tag.Dim {
		return nil, &domain.IncompatibleIndexError{Field: "dimension", Want: fmt.Sprint(expect.Dim), Got: fmt.Sprint(ix.tag.Dim)}
	}
	if expect.Model != "" && expect.Model != ix.tag.Model {
		return nil, &domain.IncompatibleIndexError{Field: "model", Want: expect.Model, Got: ix.tag.Model}
	}
	if len(ix.ids) != count {
		return nil, &domain.IncompatibleIndexError{Field: "id_count", Want: fmt.Sprint(count), Got: fmt.Sprint(len(ix.ids))}
	}
	if len(ix.vecs) != count*ix.tag.Dim {
		return nil, &domain.IncompatibleIndexError{Field: "vector_count", Want: fmt.Sprint(count * ix.tag.Dim), Got: fmt.Sprint(len(ix.vecs))}
	}
	return ix, nil
}

func decode(b []byte) (*Index, int, uint64, error) {
	ix := &Index{}
	var count int
	var version uint64
	corrupt := func(what string) error {
		return fmt.Errorf("vindex: load: corrupt %s: %w", what, domain.ErrIncompatibleIndex)
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, 0, 0, corrupt("tag")
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, 0, 0, corrupt("version")
			}
			version, b = v, b[n:]
		case num == fieldDim && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, 0, 0, corrupt("dimension")
			}
			ix.tag.Dim, b = int(v), b[n:]
		case num == fieldModel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, 0, 0, corrupt("model")
			}
			ix.tag.Model, b = v, b[n:]
		case num == fieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, 0, 0, corrupt("count")
			}
			count, b = int(v), b[n:]
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, 0, 0, corrupt("id")
			}
			ix.ids, b = append(ix.ids, v), b[n:]
		case num == fieldVectors && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v)%4 != 0 {
				return nil, 0, 0, corrupt("vectors")
			}
			b = b[n:]
			ix.vecs = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				ix.vecs = append(ix.vecs, math.Float32frombits(bits))
				v = v[m:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, 0, 0, corrupt("field")
			}
			b = b[n:]
		}
	}
	return ix, count, version, nil
}
