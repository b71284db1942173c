// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vars

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
)

// ErrCorruptMessage is returned when a packed message cannot be decoded.
var ErrCorruptMessage = errors.New("corrupt variable message")

// Piece is a window of one variable instance in transit, either between
// ranks or to an archive. Data covers Box in row-major order; Box is
// empty for PerPatch and Reduction pieces, which carry one value.
type Piece struct {
	Label VarLabel
	Key   Key
	Box   grid.Box
	Data  []float64
	// OldDW routes the piece into the previous timestep's warehouse.
	OldDW bool
}

// GridVar returns the piece as grid storage.
func (p Piece) GridVar() *GridVar {
	return &GridVar{Kind: p.Label.Kind, Box: p.Box, Data: p.Data}
}

const wireVersion = 1

// minPieceSize is the encoded size of a piece with an empty name and no
// data: name length, kind, op, flags, three keys, two corners, count.
const minPieceSize = 2 + 3 + 3*4 + 6*4 + 4

// EncodePieces packs pieces into one little-endian message. Values are
// written as IEEE-754 bit patterns so a round trip is exact.
func EncodePieces(pieces []Piece) []byte {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	w(uint8(wireVersion))
	w(uint32(len(pieces)))
	for _, p := range pieces {
		w(uint16(len(p.Label.Name)))
		buf.WriteString(p.Label.Name)
		w(uint8(p.Label.Kind))
		w(uint8(p.Label.Op))
		flags := uint8(0)
		if p.OldDW {
			flags = 1
		}
		w(flags)
		w(int32(p.Key.Patch))
		w(int32(p.Key.Matl))
		w(int32(p.Key.Level))
		for i := 0; i < 3; i++ {
			w(int32(p.Box.Low[i]))
		}
		for i := 0; i < 3; i++ {
			w(int32(p.Box.High[i]))
		}
		w(uint32(len(p.Data)))
		for _, x := range p.Data {
			w(math.Float64bits(x))
		}
	}
	return buf.Bytes()
}

// DecodePieces reverses EncodePieces.
func DecodePieces(msg []byte) ([]Piece, error) {
	r := bytes.NewReader(msg)
	var err error
	read := func(v any) {
		if err == nil {
			err = binary.Read(r, binary.LittleEndian, v)
		}
	}

	var version uint8
	var count uint32
	read(&version)
	read(&count)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptMessage, err)
	}
	if version != wireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptMessage, version)
	}

	if int64(count) > int64(r.Len()/minPieceSize) {
		return nil, fmt.Errorf("%w: piece count %d exceeds message", ErrCorruptMessage, count)
	}

	pieces := make([]Piece, 0, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		read(&nameLen)
		if err != nil {
			break
		}
		name := make([]byte, nameLen)
		if _, rerr := io.ReadFull(r, name); rerr != nil {
			err = rerr
			break
		}

		var kind, op, flags uint8
		var patch, matl, level int32
		var lo, hi [3]int32
		var n uint32
		read(&kind)
		read(&op)
		read(&flags)
		read(&patch)
		read(&matl)
		read(&level)
		read(&lo)
		read(&hi)
		read(&n)
		if err != nil {
			break
		}
		if FieldKind(kind) > Reduction {
			err = fmt.Errorf("unknown field kind %d", kind)
			break
		}
		if ReduceOp(op) > Max {
			err = fmt.Errorf("unknown reduce op %d", op)
			break
		}
		if !FieldKind(kind).IsGrid() && n != 1 {
			err = fmt.Errorf("%s piece carries %d values", FieldKind(kind), n)
			break
		}
		if int64(n) > int64(r.Len()/8) {
			err = fmt.Errorf("data length %d exceeds message", n)
			break
		}
		bits := make([]uint64, n)
		read(bits)

		p := Piece{
			Label: VarLabel{Name: string(name), Kind: FieldKind(kind), Op: ReduceOp(op)},
			Key:   Key{Label: string(name), Patch: int(patch), Matl: int(matl), Level: int(level)},
			OldDW: flags&1 != 0,
			Data:  make([]float64, n),
		}
		for j := 0; j < 3; j++ {
			p.Box.Low[j] = int(lo[j])
			p.Box.High[j] = int(hi[j])
		}
		for j, b := range bits {
			p.Data[j] = math.Float64frombits(b)
		}
		pieces = append(pieces, p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMessage, err)
	}
	return pieces, nil
}
