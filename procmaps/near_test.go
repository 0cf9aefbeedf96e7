package procmaps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const page = 0x1000

func TestCandidatesEmptyMap(t *testing.T) {
	c := Map{}.Candidates(0x100000, 0x10, 0x10000, page)
	assert.Equal(t, []uintptr{0x100000}, c)
}

func TestCandidatesSkipRegions(t *testing.T) {
	m := Map{
		{Start: 0x200000, End: 0x210000},
		{Start: 0x212000, End: 0x230000},
	}
	// target inside the first region, small gap right after it
	c := m.Candidates(0x208000, 0x1000, 0x100000, page)
	assert.Equal(t, []uintptr{0x210000, 0x1FF000, 0x230000}, c)

	// gap between regions is too small for 3 pages
	c = m.Candidates(0x208000, 0x3000, 0x100000, page)
	assert.Equal(t, []uintptr{0x1FD000, 0x230000}, c)
}

func TestCandidatesWindow(t *testing.T) {
	m := Map{{Start: 0x100000, End: 0x300000}}
	assert.Empty(t, m.Candidates(0x200000, 0x1000, 0x80000, page))

	c := m.Candidates(0x200000, 0x1000, 0x101000, page)
	assert.Equal(t, []uintptr{0x300000, 0xFF000}, c)
}

func TestCandidatesLowAddress(t *testing.T) {
	c := Map{}.Candidates(0x2000, 0x1000, 0x100000, page)
	assert.Equal(t, []uintptr{MinAddress}, c)
}

func TestScanNear(t *testing.T) {
	m := Map{{Start: 0x200000, End: 0x210000}}
	var tried []uintptr
	ok := m.ScanNear(0x208000, 0x1000, 0x100000, page, func(addr uintptr) bool {
		tried = append(tried, addr)
		return addr < 0x200000
	})
	assert.True(t, ok)
	assert.Equal(t, []uintptr{0x210000, 0x1FF000}, tried)

	ok = m.ScanNear(0x208000, 0x1000, 0x100000, page, func(uintptr) bool { return false })
	assert.False(t, ok)
}
