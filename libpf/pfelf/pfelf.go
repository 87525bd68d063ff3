// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfelf reads the section header table of ELF64 little-endian files through an
// io.ReaderAt, without mapping or loading the whole file.
package pfelf // import "go.opentelemetry.io/remote-unwinder/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// ErrNotELF is returned when the data does not start with the ELF magic.
var ErrNotELF = errors.New("not an ELF file")

// maxShstrtabSize bounds the section name string table we are willing to read.
const maxShstrtabSize = 1024 * 1024

// Section describes one section of an ELF file.
type Section struct {
	elf.SectionHeader
	// Index is the position of the section in the section header table.
	Index int
}

// ReadHeader reads and validates the ELF64 little-endian file header.
func ReadHeader(r io.ReaderAt) (*elf.Header64, error) {
	hdr := &elf.Header64{}
	sr := io.NewSectionReader(r, 0, int64(binary.Size(hdr)))
	if err := binary.Read(sr, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("failed to read ELF header: %w", err)
	}
	if !bytes.Equal(hdr.Ident[0:4], []byte(elf.ELFMAG)) {
		return nil, ErrNotELF
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB ||
		elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("unsupported ELF file: %v: %w", hdr.Ident, libpf.ErrProtocol)
	}
	return hdr, nil
}

// Sections reads the section header table and resolves the section names from the
// section name string table.
func Sections(r io.ReaderAt) ([]Section, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Shnum == 0 {
		return nil, nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return nil, fmt.Errorf("invalid ELF section string table index (%d / %d): %w",
			hdr.Shstrndx, hdr.Shnum, libpf.ErrProtocol)
	}

	raw := make([]elf.Section64, hdr.Shnum)
	sr := io.NewSectionReader(r, int64(hdr.Shoff), int64(binary.Size(raw)))
	if err = binary.Read(sr, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read section headers: %w", err)
	}

	strsh := raw[hdr.Shstrndx]
	if strsh.Size >= maxShstrtabSize {
		return nil, fmt.Errorf("section headers string table too large (%d): %w",
			strsh.Size, libpf.ErrProtocol)
	}
	strtab := make([]byte, strsh.Size)
	if _, err = r.ReadAt(strtab, int64(strsh.Off)); err != nil {
		return nil, fmt.Errorf("failed to read section string table: %w", err)
	}

	sections := make([]Section, len(raw))
	for i, sh := range raw {
		name, _ := getString(strtab, int(sh.Name))
		sections[i] = Section{
			SectionHeader: elf.SectionHeader{
				Name:      name,
				Type:      elf.SectionType(sh.Type),
				Flags:     elf.SectionFlag(sh.Flags),
				Addr:      sh.Addr,
				Offset:    sh.Off,
				Size:      sh.Size,
				Link:      sh.Link,
				Info:      sh.Info,
				Addralign: sh.Addralign,
				Entsize:   sh.Entsize,
				FileSize:  sh.Size,
			},
			Index: i,
		}
	}
	return sections, nil
}

// FindSection returns the first section with the given name, or libpf.ErrNotFound.
func FindSection(r io.ReaderAt, name string) (*Section, error) {
	sections, err := Sections(r)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		if sections[i].Name == name && sections[i].Type != elf.SHT_NOBITS {
			return &sections[i], nil
		}
	}
	return nil, fmt.Errorf("section %s: %w", name, libpf.ErrNotFound)
}

// getString extracts a null terminated string from an ELF string table.
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}
