// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.True(t, p.Plain())
	assert.False(t, IsTerminal(&buf))
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestPrinter_PlainLines(t *testing.T) {
	tests := []struct {
		name  string
		print func(p *Printer)
		want  string
	}{
		{"title", func(p *Printer) { p.Title("Run") }, "== Run ==\n"},
		{"success", func(p *Printer) { p.Success("done") }, "OK: done\n"},
		{"warning", func(p *Printer) { p.Warning("slow") }, "WARN: slow\n"},
		{"error", func(p *Printer) { p.Error("diverged") }, "ERROR: diverged\n"},
		{"field", func(p *Printer) { p.Field("ranks", 4) }, "ranks: 4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.print(NewPlainPrinter(&buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	p.Table([]string{"STEP", "ENERGY", "PEAK"}, [][]string{
		{"0", "100", "12.5"},
		{"1", "200"},
	})
	out := buf.String()
	for _, want := range []string{"STEP", "ENERGY", "PEAK", "100", "12.5", "200"} {
		assert.Contains(t, out, want)
	}
	assert.Equal(t, 1, strings.Count(out, "12.5"))
}
