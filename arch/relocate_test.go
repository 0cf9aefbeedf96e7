package arch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Go amd64 function prologue: stack bound check followed by frame setup
var goPrologue = []byte{
	0x49, 0x3B, 0x66, 0x10, // CMPQ SP, 0x10(R14)
	0x76, 0x2A, // JBE +0x2a
	0x55,             // PUSHQ BP
	0x48, 0x89, 0xE5, // MOVQ SP, BP
}

func TestAMD64PrologueSize(t *testing.T) {
	size, err := AMD64{}.PrologueSize(goPrologue, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, size)

	size, err = AMD64{}.PrologueSize(goPrologue, 14)
	assert.ErrorIs(t, err, ErrRelocation)
	assert.Zero(t, size)

	size, err = AMD64{}.PrologueSize(goPrologue, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, size)
}

func TestAMD64RelocateWidensShortJump(t *testing.T) {
	const from, to = uintptr(0x401000), uintptr(0x402000)
	out, err := AMD64{}.Relocate(goPrologue[:6], from, to)
	require.NoError(t, err)
	require.Len(t, out, 10)

	assert.Equal(t, goPrologue[:4], out[:4])
	assert.Equal(t, []byte{0x0F, 0x86}, out[4:6]) // JBE rel32
	target := int64(from) + 6 + 0x2A
	rel := int32(binary.LittleEndian.Uint32(out[6:]))
	assert.Equal(t, target, int64(to)+10+int64(rel))
}

func TestAMD64RelocateRIPRelative(t *testing.T) {
	// LEAQ 0x100(IP), AX
	code := []byte{0x48, 0x8D, 0x05, 0x00, 0x01, 0x00, 0x00}
	const from, to = uintptr(0x500000), uintptr(0x480000)
	out, err := AMD64{}.Relocate(code, from, to)
	require.NoError(t, err)
	require.Len(t, out, len(code))
	assert.Equal(t, code[:3], out[:3])
	rel := int32(binary.LittleEndian.Uint32(out[3:]))
	assert.Equal(t, int64(from)+7+0x100, int64(to)+7+int64(rel))
}

func TestAMD64RelocateCall(t *testing.T) {
	code := []byte{0xE8, 0x10, 0x00, 0x00, 0x00} // CALL +0x10
	out, err := AMD64{}.Relocate(code, 0x1000, 0x3000)
	require.NoError(t, err)
	assert.Equal(t, byte(0xE8), out[0])
	assert.Equal(t, int32(0x1015-0x3005), int32(binary.LittleEndian.Uint32(out[1:])))
}

func TestAMD64RelocateFarCall(t *testing.T) {
	code := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	out, err := AMD64{}.Relocate(code, 0x1000, 0x7f0000000000)
	require.NoError(t, err)
	require.Len(t, out, 16)
	assert.Equal(t, []byte{0xFF, 0x15, 0x02, 0, 0, 0, 0xEB, 0x08}, out[:8])
	assert.Equal(t, uint64(0x1015), binary.LittleEndian.Uint64(out[8:]))
}

func TestAMD64RelocateFarConditional(t *testing.T) {
	const from, to = uintptr(0x401000), uintptr(0x7f0000000000)
	out, err := AMD64{}.Relocate(goPrologue[:6], from, to)
	require.NoError(t, err)
	require.Len(t, out, 4+2+14)
	assert.Equal(t, goPrologue[:4], out[:4])
	assert.Equal(t, []byte{0x77, 14}, out[4:6]) // JA over absolute jump
	assert.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, out[6:12])
	assert.Equal(t, uint64(from+6+0x2A), binary.LittleEndian.Uint64(out[12:]))
}

func TestAMD64RelocateFarJump(t *testing.T) {
	code := []byte{0xEB, 0x05} // JMP +5
	out, err := AMD64{}.Relocate(code, 0x1000, 0x7f0000000000)
	require.NoError(t, err)
	require.Len(t, out, 14)
	assert.Equal(t, uint64(0x1007), binary.LittleEndian.Uint64(out[6:]))
}

func TestAMD64RelocateOutOfRange(t *testing.T) {
	code := []byte{0x48, 0x8D, 0x05, 0x00, 0x01, 0x00, 0x00} // LEAQ 0x100(IP), AX
	_, err := AMD64{}.Relocate(code, 0x1000, 0x7f0000000000)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAMD64RelocateUnsupported(t *testing.T) {
	code := []byte{0xE3, 0x10} // JRCXZ +0x10
	_, err := AMD64{}.Relocate(code, 0x1000, 0x2000)
	assert.ErrorIs(t, err, ErrRelocation)
}

func TestAMD64RelocatePlain(t *testing.T) {
	code := []byte{0x55, 0x48, 0x89, 0xE5} // PUSHQ BP; MOVQ SP, BP
	out, err := AMD64{}.Relocate(code, 0x1000, 0x7f0000000000)
	require.NoError(t, err)
	assert.Equal(t, code, out)
}

func TestARM64PrologueSize(t *testing.T) {
	code := make([]byte, 32)
	size, err := ARM64{}.PrologueSize(code, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	size, err = ARM64{}.PrologueSize(code, 14)
	require.NoError(t, err)
	assert.Equal(t, 16, size)

	_, err = ARM64{}.PrologueSize(code[:8], 16)
	assert.ErrorIs(t, err, ErrRelocation)
}

func TestARM64RelocateBranch(t *testing.T) {
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0xD10083FF)     // SUB SP, SP, #0x20
	binary.LittleEndian.PutUint32(code[4:], 0x94000010) // BL +0x40
	const from, to = uintptr(0x100000), uintptr(0x200000)

	out, err := ARM64{}.Relocate(code, from, to)
	require.NoError(t, err)
	assert.Equal(t, code[:4], out[:4])
	instr := binary.LittleEndian.Uint32(out[4:])
	assert.Equal(t, uint32(0x94000000), instr&0xFC000000)
	assert.Equal(t, from+4+0x40, branchTarget(instr, to+4))
}

func TestARM64RelocateFarBranch(t *testing.T) {
	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x14000010) // B +0x40
	out, err := ARM64{}.Relocate(code, 0x100000, 0x7f0000000000)
	require.NoError(t, err)
	require.Len(t, out, 16)
	assert.Equal(t, uint32(0x58000051), binary.LittleEndian.Uint32(out))
	assert.Equal(t, uint64(0x100040), binary.LittleEndian.Uint64(out[8:]))

	binary.LittleEndian.PutUint32(code, 0x94000010) // BL +0x40
	_, err = ARM64{}.Relocate(code, 0x100000, 0x7f0000000000)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestARM64RelocateConditional(t *testing.T) {
	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x54000040) // B.EQ +8
	out, err := ARM64{}.Relocate(code, 0x1000, 0x2000)
	require.NoError(t, err)
	require.Len(t, out, 20)
	assert.Equal(t, uint32(0x540000A1), binary.LittleEndian.Uint32(out)) // B.NE +20
	assert.Equal(t, uint32(0x58000051), binary.LittleEndian.Uint32(out[4:]))
	assert.Equal(t, uint32(0xD61F0220), binary.LittleEndian.Uint32(out[8:]))
	assert.Equal(t, uint64(0x1008), binary.LittleEndian.Uint64(out[12:]))

	binary.LittleEndian.PutUint32(code, 0xB4000060) // CBZ X0, +12
	out, err = ARM64{}.Relocate(code, 0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xB50000A0), binary.LittleEndian.Uint32(out)) // CBNZ X0, +20
	assert.Equal(t, uint64(0x100C), binary.LittleEndian.Uint64(out[12:]))

	binary.LittleEndian.PutUint32(code, 0x36FFFFE0) // TBZ W0, #31, -4
	out, err = ARM64{}.Relocate(code, 0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x37F800A0), binary.LittleEndian.Uint32(out)) // TBNZ W0, #31, +20
	assert.Equal(t, uint64(0xFFC), binary.LittleEndian.Uint64(out[12:]))
}

func TestARM64RelocateBranchAlways(t *testing.T) {
	code := make([]byte, 4)
	for _, instr := range []uint32{0x5400004E, 0x5400004F} { // B.AL +8, B.NV +8
		binary.LittleEndian.PutUint32(code, instr)

		out, err := ARM64{}.Relocate(code, 0x1000, 0x2000)
		require.NoError(t, err)
		require.Len(t, out, 4)
		dst, ok := ARM64{}.DecodeShortJump(out, 0x2000)
		require.True(t, ok)
		assert.Equal(t, uintptr(0x1008), dst)

		out, err = ARM64{}.Relocate(code, 0x1000, 0x7f0000000000)
		require.NoError(t, err)
		require.Len(t, out, 16)
		assert.Equal(t, uint32(0x58000051), binary.LittleEndian.Uint32(out))
		assert.Equal(t, uint64(0x1008), binary.LittleEndian.Uint64(out[8:]))
	}
}

func TestARM64RelocateADR(t *testing.T) {
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0x90000000)     // ADRP X0, #0
	binary.LittleEndian.PutUint32(code[4:], 0x10000081) // ADR X1, #0x10
	out, err := ARM64{}.Relocate(code, 0x1230, 0x7f0000000000)
	require.NoError(t, err)
	require.Len(t, out, 32)

	assert.Equal(t, uint32(0x58000040), binary.LittleEndian.Uint32(out)) // LDR X0, #8
	assert.Equal(t, uint32(0x14000003), binary.LittleEndian.Uint32(out[4:]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(out[8:]))

	assert.Equal(t, uint32(0x58000041), binary.LittleEndian.Uint32(out[16:])) // LDR X1, #8
	assert.Equal(t, uint64(0x1234+0x10), binary.LittleEndian.Uint64(out[24:]))
}

func TestARM64RelocateUnsupported(t *testing.T) {
	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x58000040) // LDR X0, #8 (literal)
	_, err := ARM64{}.Relocate(code, 0x1000, 0x2000)
	assert.ErrorIs(t, err, ErrRelocation)

	_, err = ARM64{}.Relocate(code[:3], 0x1000, 0x2000)
	assert.ErrorIs(t, err, ErrRelocation)
}
