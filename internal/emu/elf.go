package emu

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/anisette-go/provider/internal/errs"
)

// ARM64 relocation types the loader understands. Any other relocation
// type present in .rela.dyn/.rela.plt is an ElfInvalidError: the ADI
// libraries never require more than these four.
const (
	RAarch64Abs64     = 257
	RAarch64GlobDat   = 1025
	RAarch64JumpSlot  = 1026
	RAarch64Relative  = 1027
)

// Library describes a single loaded ELF shared object.
type Library struct {
	Path     string
	Entry    uint64
	Symbols  map[string]uint64 // all resolvable symbols -> virtual address
	Imports  map[string]uint64 // external symbol name -> PLT stub address
	Segments []Segment
	BaseAddr uint64
	EndAddr  uint64

	symCache map[string]uint64 // lazily populated alias of Symbols, per spec's "cache by index" note
}

// Segment is a single loadable ELF program header, mapped verbatim into
// guest memory.
type Segment struct {
	VAddr  uint64
	PAddr  uint64
	Offset uint64
	Size   uint64
	MemSz  uint64
	Flags  elf.ProgFlag
	Data   []byte
}

// IsExecutable reports whether the segment is mapped executable.
func (s *Segment) IsExecutable() bool { return s.Flags&elf.PF_X != 0 }

// IsWritable reports whether the segment is mapped writable.
func (s *Segment) IsWritable() bool { return s.Flags&elf.PF_W != 0 }

// IsReadable reports whether the segment is mapped readable.
func (s *Segment) IsReadable() bool { return s.Flags&elf.PF_R != 0 }

// LoadELFBase is the default load base for position-independent shared
// objects (ET_DYN with vaddr 0 segments).
const LoadELFBase = 0x40000000

// LoadLibrary parses path, validates it is an ARM64 ELF, maps its
// PT_LOAD segments into vm's guest memory at an automatically-chosen or
// explicit base address, and applies relocations.
func (vm *VM) LoadLibrary(path string) (*Library, error) {
	return vm.LoadLibraryAt(path, 0)
}

// LoadLibraryAt is LoadLibrary with an explicit, non-zero load base.
func (vm *VM) LoadLibraryAt(path string, loadBase uint64) (*Library, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &errs.ElfInvalidError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, &errs.ElfInvalidError{Path: path, Reason: fmt.Sprintf("expected EM_AARCH64, got %v", f.Machine)}
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, &errs.ElfInvalidError{Path: path, Reason: "expected 64-bit ELF class"}
	}
	if f.Type != elf.ET_DYN {
		return nil, &errs.ElfInvalidError{Path: path, Reason: fmt.Sprintf("expected ET_DYN shared object, got %v", f.Type)}
	}

	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > fileEnd {
			fileEnd = end
		}
	}
	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, &errs.ElfInvalidError{Path: path, Reason: "no PT_LOAD segments"}
	}

	var relocOffset uint64
	switch {
	case loadBase != 0:
		relocOffset = loadBase - fileBase
	case fileBase < 0x10000:
		relocOffset = LoadELFBase - fileBase
	default:
		relocOffset = 0
	}

	lib := &Library{
		Path:     path,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
		symCache: make(map[string]uint64),
	}

	if syms, err := f.DynamicSymbols(); err == nil {
		addVersionedSymbols(lib.Symbols, syms, relocOffset)
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				lib.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ElfInvalidError{Path: path, Reason: err.Error()}
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loadVAddr := prog.Vaddr + relocOffset
		seg := Segment{
			VAddr:  loadVAddr,
			PAddr:  prog.Paddr + relocOffset,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}
		lib.Segments = append(lib.Segments, seg)

		const pageSize = 0x1000
		alignedAddr := loadVAddr &^ (pageSize - 1)
		alignedEnd := (loadVAddr + prog.Memsz + pageSize - 1) &^ (pageSize - 1)
		_ = vm.MapRegion(alignedAddr, alignedEnd-alignedAddr)

		if len(seg.Data) > 0 {
			if err := vm.MemWrite(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("emu: write segment at 0x%x: %w", loadVAddr, err)
			}
		}
		if prog.Memsz > prog.Filesz {
			bssStart := loadVAddr + prog.Filesz
			_ = vm.MemWrite(bssStart, make([]byte, prog.Memsz-prog.Filesz))
		}
	}

	addPLTSymbols(f, relocOffset, lib.Symbols, lib.Imports)

	if err := vm.applyRelocations(f, relocOffset, lib.Imports); err != nil {
		return nil, &errs.ElfInvalidError{Path: path, Reason: "apply relocations: " + err.Error()}
	}

	return lib, nil
}

func addVersionedSymbols(dst map[string]uint64, syms []elf.Symbol, relocOffset uint64) {
	for _, sym := range syms {
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		addr := sym.Value + relocOffset
		dst[sym.Name] = addr
		if idx := strings.Index(sym.Name, "@@"); idx != -1 {
			dst[sym.Name[:idx]] = addr
		} else if idx := strings.Index(sym.Name, "@"); idx != -1 {
			dst[sym.Name[:idx]] = addr
		}
	}
}

// addPLTSymbols resolves the PLT stub address of every external (undefined)
// dynamic symbol referenced through .rela.plt, so later hook installation
// has a concrete guest address to intercept.
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return
	}

	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	const pltHeaderSize = 32
	const pltEntrySize = 16
	pltBase := pltSec.Addr + relocOffset

	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		symIdx := int(rInfo >> 32)

		arrayIdx := symIdx - 1 // Go's DynamicSymbols() omits the leading STN_UNDEF entry
		if arrayIdx < 0 || arrayIdx >= len(dynSyms) {
			entryIdx++
			continue
		}
		sym := dynSyms[arrayIdx]
		if sym.Name == "" {
			entryIdx++
			continue
		}
		if sym.Value == 0 {
			pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
			symbols[sym.Name] = pltAddr
			imports[sym.Name] = pltAddr
			if idx := strings.Index(sym.Name, "@@"); idx != -1 {
				symbols[sym.Name[:idx]] = pltAddr
				imports[sym.Name[:idx]] = pltAddr
			} else if idx := strings.Index(sym.Name, "@"); idx != -1 {
				symbols[sym.Name[:idx]] = pltAddr
				imports[sym.Name[:idx]] = pltAddr
			}
		}
		entryIdx++
	}
}

// applyRelocations processes .rela.dyn/.rela.plt, writing resolved
// addresses into GOT slots per the four relocation types this loader
// supports.
func (vm *VM) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	dynSyms, _ := f.DynamicSymbols()
	symByIndex := make(map[int]elf.Symbol, len(dynSyms))
	for i, sym := range dynSyms {
		symByIndex[i+1] = sym // ELF indices include STN_UNDEF at 0; Go's slice doesn't
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}

		const entrySize = 24
		for i := 0; i+entrySize <= len(data); i += entrySize {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			relType := uint32(rInfo & 0xFFFFFFFF)
			symIdx := int(rInfo >> 32)
			target := rOffset + relocOffset

			switch relType {
			case RAarch64Relative:
				vm.writeU64NoErr(target, relocOffset+uint64(rAddend))

			case RAarch64GlobDat, RAarch64JumpSlot:
				sym, ok := symByIndex[symIdx]
				if !ok {
					continue
				}
				switch {
				case sym.Value != 0:
					vm.writeU64NoErr(target, sym.Value+relocOffset)
				case sym.Name == "__stack_chk_guard":
					vm.writeU64NoErr(target, StackChkGuardAddr())
				}

			case RAarch64Abs64:
				sym, ok := symByIndex[symIdx]
				switch {
				case ok && sym.Value != 0:
					vm.writeU64NoErr(target, sym.Value+relocOffset+uint64(rAddend))
				case ok && sym.Name != "":
					name := sym.Name
					if idx := strings.Index(name, "@@"); idx != -1 {
						name = name[:idx]
					} else if idx := strings.Index(name, "@"); idx != -1 {
						name = name[:idx]
					}
					if stubAddr, ok := imports[name]; ok {
						vm.writeU64NoErr(target, stubAddr+uint64(rAddend))
					}
				case !ok && rAddend > 0:
					vm.writeU64NoErr(target, relocOffset+uint64(rAddend))
				}

			default:
				return fmt.Errorf("unsupported relocation type %d at offset 0x%x", relType, rOffset)
			}
		}
	}
	return nil
}

func (vm *VM) writeU64NoErr(addr, val uint64) {
	_ = vm.WriteU64(addr, val)
}

// ResolveSymbolByName looks up name, caching the result the way the
// original implementation caches by index: once found, repeat lookups of
// the same name never re-scan the symbol table.
func (lib *Library) ResolveSymbolByName(name string) (uint64, error) {
	if addr, ok := lib.symCache[name]; ok {
		return addr, nil
	}
	addr, ok := lib.Symbols[name]
	if !ok {
		return 0, &errs.NotFoundError{Kind: "symbol", Name: name}
	}
	lib.symCache[name] = addr
	return addr, nil
}
