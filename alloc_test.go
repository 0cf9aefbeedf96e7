//go:build linux && (amd64 || arm64)

package hotpatch

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
	"github.com/qrdl/hotpatch/procmaps"
)

type fakeMapper struct {
	regions  procmaps.Map
	reject   map[uintptr]bool
	anywhere uintptr
	fail     bool
	calls    []uintptr
	unmapped []uintptr
}

var errRejected = errors.New("rejected")

func (m *fakeMapper) Map(addr uintptr, size int) (uintptr, error) {
	m.calls = append(m.calls, addr)
	if addr == 0 {
		if m.fail {
			return 0, unix.ENOMEM
		}
		return m.anywhere, nil
	}
	if m.reject[addr] {
		return 0, errRejected
	}
	return addr, nil
}

func (m *fakeMapper) Unmap(addr uintptr, size int) error {
	m.unmapped = append(m.unmapped, addr)
	return nil
}

func (m *fakeMapper) Regions() (procmaps.Map, error) {
	return m.regions, nil
}

func TestAllocateNearest(t *testing.T) {
	page := uintptr(os.Getpagesize())
	target := 0x10000000 + 3*page/2
	m := &fakeMapper{regions: procmaps.Map{{Start: 0x10000000, End: 0x10000000 + 4*page}}}
	a := NewAllocator(m, 64*page, zerolog.Nop())

	r, err := a.AllocateNear(target, 100)
	require.NoError(t, err)
	assert.True(t, r.Near)
	assert.Equal(t, 0x10000000-page, r.Addr)
	assert.Equal(t, int(page), r.Size)
	assert.Equal(t, r.Addr+page, r.End())
}

func TestAllocateSkipsRejected(t *testing.T) {
	page := uintptr(os.Getpagesize())
	target := uintptr(0x20000000)
	m := &fakeMapper{reject: map[uintptr]bool{target: true}}
	a := NewAllocator(m, 64*page, zerolog.Nop())

	// empty map gives single candidate, so the rejection leads to fallback
	m.anywhere = 0x7f0000000000
	r, err := a.AllocateNear(target, 1)
	require.NoError(t, err)
	assert.False(t, r.Near)
	assert.Equal(t, uintptr(0x7f0000000000), r.Addr)
	assert.Equal(t, []uintptr{target, 0}, m.calls)
}

func TestAllocateFailure(t *testing.T) {
	page := uintptr(os.Getpagesize())
	m := &fakeMapper{
		regions: procmaps.Map{{Start: 0, End: ^uintptr(0) &^ (page - 1)}},
		fail:    true,
	}
	a := NewAllocator(m, 64*page, zerolog.Nop())

	_, err := a.AllocateNear(0x30000000, 1)
	assert.ErrorIs(t, err, fault.ErrAllocation)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Equal(t, []uintptr{0}, m.calls)
}

func TestAllocateReal(t *testing.T) {
	a := NewAllocator(nil, 0, zerolog.Nop())
	target := reflectCode(t)

	r, err := a.AllocateNear(target, 1)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Free(r)) }()

	if r.Near {
		assert.LessOrEqual(t, distance(r.Addr, target), uintptr(DefaultWindow))
	}
	// region is writable
	buf := unsafe.Slice((*uint8)(unsafe.Pointer(r.Addr)), r.Size)
	buf[0], buf[r.Size-1] = 1, 2
}

func TestAllocateFallbackReal(t *testing.T) {
	// reserve big area and ask for memory in its middle, so nothing is free within window
	const reserved = 512 << 20
	mem, err := unix.Mmap(-1, 0, reserved, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	require.NoError(t, err)
	defer unix.Munmap(mem)
	start := uintptr(unsafe.Pointer(&mem[0]))
	target := start + reserved/2

	a := NewAllocator(nil, 128<<20, zerolog.Nop())
	r, err := a.AllocateNear(target, 1)
	require.NoError(t, err)
	defer a.Free(r)

	assert.False(t, r.Near)
	assert.False(t, r.Addr >= start && r.Addr < start+reserved, "region %#x is inside reserved area", r.Addr)
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
