// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/remote-unwinder/testsupport"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// ELFSection describes one section of a synthetic ELF64 image. The section is placed at
// Offset in the file and linked at the same address.
type ELFSection struct {
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Offset uint64
	Data   []byte
}

// BuildELF assembles a little-endian x86-64 ELF64 shared object containing the given
// sections, a section name string table and a section header table.
func BuildELF(sections []ELFSection) []byte {
	sections = append([]ELFSection(nil), sections...)
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Offset < sections[j].Offset
	})

	end := uint64(binary.Size(elf.Header64{}))
	for _, s := range sections {
		if s.Offset < end {
			panic(fmt.Sprintf("section %s at %#x overlaps previous data", s.Name, s.Offset))
		}
		end = s.Offset + uint64(len(s.Data))
	}

	// Index 0 of the string table is the empty name of the null section.
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	strOff := end
	shoff := alignUp(strOff+uint64(len(shstrtab)), 8)
	shnum := len(sections) + 2

	image := make([]byte, shoff)
	for _, s := range sections {
		copy(image[s.Offset:], s.Data)
	}
	copy(image[strOff:], shstrtab)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    uint16(binary.Size(elf.Header64{})),
		Shentsize: uint16(binary.Size(elf.Section64{})),
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shnum - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	shdrs := make([]elf.Section64, 0, shnum)
	shdrs = append(shdrs, elf.Section64{})
	for i, s := range sections {
		shdrs = append(shdrs, elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      s.Offset,
			Off:       s.Offset,
			Size:      uint64(len(s.Data)),
			Addralign: 1,
		})
	}
	shdrs = append(shdrs, elf.Section64{
		Name:      nameOff[len(sections)],
		Type:      uint32(elf.SHT_STRTAB),
		Off:       strOff,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})

	var buf bytes.Buffer
	buf.Write(image)
	mustWrite(&buf, shdrs)

	out := buf.Bytes()
	var hbuf bytes.Buffer
	mustWrite(&hbuf, &hdr)
	copy(out, hbuf.Bytes())
	return out
}

// FDESpec describes one Frame Description Entry covering [Start, Start+Len).
type FDESpec struct {
	Start        uint64
	Len          uint64
	Instructions []byte
}

// CIESpec describes the Common Information Entry shared by all FDEs of an image.
type CIESpec struct {
	// Augmentation is "zR" or "zRS" (signal frame).
	Augmentation string
	Instructions []byte
}

// DefaultCIEInstructions sets CFA = rsp+8 and the return address at CFA-8.
var DefaultCIEInstructions = []byte{
	0x0c, 0x07, 0x08, // DW_CFA_def_cfa rsp, 8
	0x90, 0x01, // DW_CFA_offset r16, 1*data_align
}

// BuildEhFrame encodes a .eh_frame section linked at base containing one CIE followed by
// the given FDEs and a zero terminator. It returns the section bytes and the address of
// each FDE. FDE addresses use the pc-relative signed 4-byte encoding.
func BuildEhFrame(base uint64, cie CIESpec, fdes []FDESpec) (data []byte, fdeAddrs []uint64) {
	var buf bytes.Buffer

	// CIE
	body := []byte{0, 0, 0, 0, 1} // CIE id, version 1
	body = append(body, cie.Augmentation...)
	body = append(body, 0)
	body = append(body, 0x01)       // code alignment factor
	body = append(body, 0x78)       // data alignment factor -8
	body = append(body, 16)         // return address register
	body = append(body, 0x01, 0x1b) // augmentation length, FDE encoding pcrel|sdata4
	body = append(body, cie.Instructions...)
	writeEntry(&buf, body)

	for _, fde := range fdes {
		pos := uint64(buf.Len())
		fdeAddrs = append(fdeAddrs, base+pos)

		// CIE pointer is relative to its own field, which follows the length.
		body = binary.LittleEndian.AppendUint32(nil, uint32(pos+4))
		pcBeginAddr := base + pos + 8
		body = binary.LittleEndian.AppendUint32(body, uint32(int32(int64(fde.Start)-
			int64(pcBeginAddr))))
		body = binary.LittleEndian.AppendUint32(body, uint32(fde.Len))
		body = append(body, 0) // augmentation length
		body = append(body, fde.Instructions...)
		writeEntry(&buf, body)
	}

	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes(), fdeAddrs
}

// BuildEhFrameHdr encodes a .eh_frame_hdr section linked at base that points to the
// .eh_frame at ehFrame and holds a binary search table for the given FDEs.
func BuildEhFrameHdr(base, ehFrame uint64, fdes []FDESpec, fdeAddrs []uint64) []byte {
	type entry struct{ start, fde uint64 }
	entries := make([]entry, len(fdes))
	for i := range fdes {
		entries[i] = entry{fdes[i].Start, fdeAddrs[i]}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	out := []byte{1, 0x1b, 0x03, 0x3b}
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(ehFrame)-int64(base+4))))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(entries)))
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(e.start)-int64(base))))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(e.fde)-int64(base))))
	}
	return out
}

// Fixed layout of the image produced by UnwindImage.Build.
const (
	UnwindImageHdrOffset     = 0x200
	UnwindImageEhFrameOffset = 0x400
	UnwindImageTextOffset    = 0x1000
)

// UnwindImage describes a synthetic ELF image whose .text is covered by FDEs.
type UnwindImage struct {
	// TextSize is the size of .text, filled with nop instructions.
	TextSize uint64
	// CIE defaults to augmentation "zR" with DefaultCIEInstructions.
	CIE CIESpec
	// FDEs default to a single FDE covering all of .text.
	FDEs []FDESpec
	// Text optionally overrides the .text contents.
	Text []byte
}

// Build assembles the image.
func (u UnwindImage) Build() []byte {
	if u.TextSize == 0 {
		u.TextSize = 0x1000
	}
	if u.CIE.Augmentation == "" {
		u.CIE.Augmentation = "zR"
	}
	if u.CIE.Instructions == nil {
		u.CIE.Instructions = DefaultCIEInstructions
	}
	if u.FDEs == nil {
		u.FDEs = []FDESpec{{Start: UnwindImageTextOffset, Len: u.TextSize}}
	}

	text := bytes.Repeat([]byte{0x90}, int(u.TextSize))
	copy(text, u.Text)

	ehFrame, fdeAddrs := BuildEhFrame(UnwindImageEhFrameOffset, u.CIE, u.FDEs)
	hdr := BuildEhFrameHdr(UnwindImageHdrOffset, UnwindImageEhFrameOffset, u.FDEs, fdeAddrs)
	if UnwindImageHdrOffset+len(hdr) > UnwindImageEhFrameOffset ||
		UnwindImageEhFrameOffset+len(ehFrame) > UnwindImageTextOffset {
		panic("unwind image tables too large for the fixed layout")
	}

	return BuildELF([]ELFSection{
		{Name: ".eh_frame_hdr", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC,
			Offset: UnwindImageHdrOffset, Data: hdr},
		{Name: ".eh_frame", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC,
			Offset: UnwindImageEhFrameOffset, Data: ehFrame},
		{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			Offset: UnwindImageTextOffset, Data: text},
	})
}

// writeEntry writes a CIE/FDE body prefixed with its 32-bit length, padding the body
// with DW_CFA_nop to a multiple of 4 bytes.
func writeEntry(buf *bytes.Buffer, body []byte) {
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	mustWrite(buf, uint32(len(body)))
	buf.Write(body)
}

func mustWrite(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
