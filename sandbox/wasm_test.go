package sandbox

// Minimal hand-assembled wasm binaries used by the session tests. Each
// builder emits a complete module in the binary format: type, import,
// function, export, and code sections.

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func wasmName(s string) []byte {
	return append(uleb(len(s)), []byte(s)...)
}

func wasmVec(items ...[]byte) []byte {
	out := uleb(len(items))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(len(content))...)
	return append(out, content...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func funcImport(module, field string, typeIdx byte) []byte {
	out := wasmName(module)
	out = append(out, wasmName(field)...)
	return append(out, 0x00, typeIdx)
}

func funcExport(field string, funcIdx byte) []byte {
	return append(wasmName(field), 0x00, funcIdx)
}

func codeEntry(body []byte) []byte {
	return append(uleb(len(body)), body...)
}

// exitModule calls wasi proc_exit with the given code from _start.
func exitModule(code byte) []byte {
	return wasmModule(
		wasmSection(1, wasmVec(
			[]byte{0x60, 0x01, 0x7f, 0x00}, // (i32) -> ()
			[]byte{0x60, 0x00, 0x00},       // () -> ()
		)),
		wasmSection(2, wasmVec(
			funcImport("wasi_snapshot_preview1", "proc_exit", 0),
		)),
		wasmSection(3, wasmVec([]byte{0x01})),
		wasmSection(7, wasmVec(funcExport("_start", 1))),
		wasmSection(10, wasmVec(codeEntry([]byte{
			0x00,       // no locals
			0x41, code, // i32.const code
			0x10, 0x00, // call proc_exit
			0x0b, // end
		}))),
	)
}

// trapModule executes an unreachable instruction from _start.
func trapModule() []byte {
	return wasmModule(
		wasmSection(1, wasmVec([]byte{0x60, 0x00, 0x00})),
		wasmSection(3, wasmVec([]byte{0x00})),
		wasmSection(7, wasmVec(funcExport("_start", 0))),
		wasmSection(10, wasmVec(codeEntry([]byte{
			0x00, // no locals
			0x00, // unreachable
			0x0b, // end
		}))),
	)
}

// loopModule spins forever; it never observes the shutdown flag.
func loopModule() []byte {
	return wasmModule(
		wasmSection(1, wasmVec([]byte{0x60, 0x00, 0x00})),
		wasmSection(3, wasmVec([]byte{0x00})),
		wasmSection(7, wasmVec(funcExport("_start", 0))),
		wasmSection(10, wasmVec(codeEntry([]byte{
			0x00,       // no locals
			0x03, 0x40, // loop (void)
			0x0c, 0x00, // br 0
			0x0b, // end loop
			0x0b, // end
		}))),
	)
}

// pollModule loops until the shutdown_requested host call returns
// nonzero, then exits cleanly with code 0.
func pollModule() []byte {
	return wasmModule(
		wasmSection(1, wasmVec(
			[]byte{0x60, 0x00, 0x01, 0x7f}, // () -> i32
			[]byte{0x60, 0x01, 0x7f, 0x00}, // (i32) -> ()
			[]byte{0x60, 0x00, 0x00},       // () -> ()
		)),
		wasmSection(2, wasmVec(
			funcImport("wasm_container", "shutdown_requested", 0),
			funcImport("wasi_snapshot_preview1", "proc_exit", 1),
		)),
		wasmSection(3, wasmVec([]byte{0x02})),
		wasmSection(7, wasmVec(funcExport("_start", 2))),
		wasmSection(10, wasmVec(codeEntry([]byte{
			0x00,       // no locals
			0x02, 0x40, // block (void)
			0x03, 0x40, // loop (void)
			0x10, 0x00, // call shutdown_requested
			0x0d, 0x01, // br_if 1 (leave block once requested)
			0x0c, 0x00, // br 0 (poll again)
			0x0b,       // end loop
			0x0b,       // end block
			0x41, 0x00, // i32.const 0
			0x10, 0x01, // call proc_exit
			0x0b, // end
		}))),
	)
}
