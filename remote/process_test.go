//go:build linux && (amd64 || arm64)

package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
	"github.com/qrdl/hotpatch/procmaps"
)

// machine code snippets for the host architecture
type snippets struct {
	one   []byte // returns 1
	two   []byte // returns 2
	ident []byte // returns first argument
	loop  []byte // never returns
}

func code(t *testing.T) snippets {
	t.Helper()
	switch runtime.GOARCH {
	case "amd64":
		return snippets{
			one:   []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}, // MOVL $1, AX; RET
			two:   []byte{0xB8, 0x02, 0x00, 0x00, 0x00, 0xC3}, // MOVL $2, AX; RET
			ident: []byte{0x48, 0x89, 0xF8, 0xC3},             // MOVQ DI, AX; RET
			loop:  []byte{0xEB, 0xFE},                         // JMP .
		}
	case "arm64":
		return snippets{
			one:   []byte{0x20, 0x00, 0x80, 0x52, 0xC0, 0x03, 0x5F, 0xD6}, // MOVW $1, R0; RET
			two:   []byte{0x40, 0x00, 0x80, 0x52, 0xC0, 0x03, 0x5F, 0xD6}, // MOVW $2, R0; RET
			ident: []byte{0xC0, 0x03, 0x5F, 0xD6},                         // RET
			loop:  []byte{0x00, 0x00, 0x00, 0x14},                         // B .
		}
	}
	t.Skipf("no code for %s", runtime.GOARCH)
	return snippets{}
}

// spawn starts dynamically linked child which sleeps long enough for the test.
func spawn(t *testing.T) int {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not found")
	}
	cmd := exec.Command(path, "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	// wait for exec to complete, so the child doesn't run our own code anymore
	self, err := os.Executable()
	require.NoError(t, err)
	exe := fmt.Sprintf("/proc/%d/exe", cmd.Process.Pid)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if target, err := os.Readlink(exe); err == nil && target != self {
			break
		}
		require.True(t, time.Now().Before(deadline), "child didn't exec in time")
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // dynamic loader
	return cmd.Process.Pid
}

func attach(t *testing.T, pid int, opts ...Option) *Process {
	t.Helper()
	p, err := Attach(context.Background(), pid, opts...)
	if errors.Is(err, unix.EPERM) {
		t.Skip("ptrace not permitted:", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		if p.State() == Attached {
			assert.NoError(t, p.Detach())
		}
	})
	return p
}

// load puts code into fresh memory of the process and returns its address.
func load(t *testing.T, p *Process, code []byte) uintptr {
	t.Helper()
	ctx := context.Background()
	addr, err := p.Allocate(ctx, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		if p.State() == Attached {
			assert.NoError(t, p.Free(ctx, addr, 4096))
		}
	})
	fill := make([]byte, 256)
	bp := p.Arch().Breakpoint()
	for i := 0; i < len(fill); i += len(bp) {
		copy(fill[i:], bp)
	}
	copy(fill, code)
	require.NoError(t, p.WriteMemory(addr, fill))
	return addr
}

func TestAttachDetach(t *testing.T) {
	pid := spawn(t)
	p := attach(t, pid)
	assert.Equal(t, Attached, p.State())
	assert.Equal(t, pid, p.Pid())

	_, err := p.Registers()
	require.NoError(t, err)

	require.NoError(t, p.Detach())
	assert.Equal(t, Detached, p.State())
	assert.ErrorIs(t, p.Detach(), fault.ErrNotAttached)
	_, err = p.Registers()
	assert.ErrorIs(t, err, fault.ErrNotAttached)
}

func TestAttachMissing(t *testing.T) {
	_, err := Attach(context.Background(), math.MaxInt32)
	assert.ErrorIs(t, err, fault.ErrAttach)
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := attach(t, spawn(t))
	before, err := p.Registers()
	require.NoError(t, err)

	addr, err := p.Allocate(ctx, 4096)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	data := []byte{1, 2, 3, 4, 5, 6, 7}
	require.NoError(t, p.WriteMemory(addr, data))
	got, err := p.ReadMemory(addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, p.Free(ctx, addr, 4096))
	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// stop sends SIGSTOP to the process and waits until it is stopped.
func stop(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, unix.Kill(pid, unix.SIGSTOP))
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		require.NoError(t, err)
		// state follows command name in parentheses
		stat := string(data)
		if i := strings.LastIndexByte(stat, ')'); i > 0 && strings.HasPrefix(stat[i+1:], " T") {
			return
		}
		require.True(t, time.Now().Before(deadline), "process didn't stop in time")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAttachStopped(t *testing.T) {
	ctx := context.Background()
	pid := spawn(t)
	stop(t, pid)

	p := attach(t, pid)
	before, err := p.Registers()
	require.NoError(t, err)

	addr, err := p.Allocate(ctx, 4096)
	require.NoError(t, err)
	data := []byte{7, 6, 5, 4, 3, 2, 1}
	require.NoError(t, p.WriteMemory(addr, data))
	got, err := p.ReadMemory(addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, p.Free(ctx, addr, 4096))

	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStopPending(t *testing.T) {
	pending, err := stopPending(os.Getpid())
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = stopPending(math.MaxInt32)
	assert.Error(t, err)
}

func TestSyscallSite(t *testing.T) {
	pc := uintptr(0x401000)
	if runtime.GOARCH == "arm64" {
		// rewound PC of interrupted syscall must not be reused
		assert.Equal(t, pc+8, syscallSite(pc))
	} else {
		assert.Equal(t, pc, syscallSite(pc))
	}
}

func TestWritePartialWord(t *testing.T) {
	p := attach(t, spawn(t))
	addr := load(t, p, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})

	require.NoError(t, p.WriteMemory(addr+5, []byte{0xAA, 0xBB, 0xCC}))
	got, err := p.ReadMemory(addr, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 0xAA, 0xBB, 0xCC, 8, 9, 10, 11, 12, 13, 14, 15}, got)

	word, err := p.ReadWord(addr + 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0F0E0D0C0B0A0908), word)
}

func TestReadUnmapped(t *testing.T) {
	p := attach(t, spawn(t))
	_, err := p.ReadMemory(0, 16)
	assert.ErrorIs(t, err, fault.ErrPartialWrite)
	assert.ErrorIs(t, p.WriteMemory(0, []byte{1}), fault.ErrPartialWrite)
}

func TestSyscall(t *testing.T) {
	ctx := context.Background()
	pid := spawn(t)
	p := attach(t, pid)

	// first injection runs while the child is interrupted inside its sleep syscall
	res, err := p.Syscall(ctx, unix.SYS_GETPID)
	require.NoError(t, err)
	assert.Equal(t, uintptr(pid), res)

	// unaligned address
	_, err = p.Syscall(ctx, unix.SYS_MUNMAP, 1, 4096)
	assert.ErrorIs(t, err, unix.EINVAL)

	_, err = p.Syscall(ctx, unix.SYS_GETPID, 1, 2, 3, 4, 5, 6, 7)
	assert.Error(t, err)
}

func TestAllocateNear(t *testing.T) {
	ctx := context.Background()
	p := attach(t, spawn(t))
	target := load(t, p, code(t).one)

	addr, near, err := p.AllocateNear(ctx, target, 100, 1<<30)
	require.NoError(t, err)
	assert.True(t, near)
	dist := addr - target
	if addr < target {
		dist = target - addr
	}
	assert.Less(t, dist, uintptr(1<<30))
	require.NoError(t, p.Free(ctx, addr, 100))
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	p := attach(t, spawn(t))
	c := code(t)
	before, err := p.Registers()
	require.NoError(t, err)

	res, err := p.Call(ctx, load(t, p, c.one))
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), res)

	res, err = p.Call(ctx, load(t, p, c.ident), 42)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), res)

	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = p.Call(ctx, 0, make([]uintptr, MaxCallArgs+1)...)
	assert.Error(t, err)
}

func TestCallUnexpectedStop(t *testing.T) {
	ctx := context.Background()
	pid := spawn(t)
	p := attach(t, pid)
	before, err := p.Registers()
	require.NoError(t, err)

	// nothing is mapped at 0
	_, err = p.Call(ctx, 0)
	assert.ErrorIs(t, err, fault.ErrUnexpectedStop)

	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err := p.Syscall(ctx, unix.SYS_GETPID)
	require.NoError(t, err)
	assert.Equal(t, uintptr(pid), res)
}

func TestCallTimeout(t *testing.T) {
	ctx := context.Background()
	pid := spawn(t)
	p := attach(t, pid, WithWaitTimeout(200*time.Millisecond))
	before, err := p.Registers()
	require.NoError(t, err)

	_, err = p.Call(ctx, load(t, p, code(t).loop))
	assert.ErrorIs(t, err, fault.ErrRemoteCallTimeout)
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Equal(t, Attached, p.State())

	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err := p.Syscall(ctx, unix.SYS_GETPID)
	require.NoError(t, err)
	assert.Equal(t, uintptr(pid), res)
}

func TestInstallJump(t *testing.T) {
	ctx := context.Background()
	p := attach(t, spawn(t))
	c := code(t)
	one := load(t, p, c.one)
	two := load(t, p, c.two)
	original, err := p.ReadMemory(one, maxPrologue)
	require.NoError(t, err)

	patch, err := p.InstallJump(ctx, one, two)
	require.NoError(t, err)
	assert.Equal(t, one, patch.Target)
	assert.Equal(t, original[:len(patch.Prologue)], patch.Prologue)
	assert.Len(t, p.Patches(), 1)

	res, err := p.Call(ctx, one)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), res)

	res, err = p.Call(ctx, patch.Trampoline)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), res)

	_, err = p.InstallJump(ctx, one, two)
	assert.ErrorIs(t, err, fault.ErrAlreadyPatched)

	require.NoError(t, p.RemovePatch(ctx, one))
	res, err = p.Call(ctx, one)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), res)
	restored, err := p.ReadMemory(one, maxPrologue)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	assert.Empty(t, p.Patches())

	assert.ErrorIs(t, p.RemovePatch(ctx, one), fault.ErrNotPatched)
}

func TestDlsym(t *testing.T) {
	ctx := context.Background()
	p := attach(t, spawn(t))

	resolved, err := p.ResolveSymbol("libc.so", "printf")
	if err != nil {
		t.Skip("no libc in the child:", err)
	}
	before, err := p.Registers()
	require.NoError(t, err)

	addr, err := p.Dlsym(ctx, "printf")
	require.NoError(t, err)
	assert.Equal(t, resolved, addr)

	_, err = p.Dlsym(ctx, "hotpatch_no_such_symbol")
	assert.ErrorIs(t, err, fault.ErrSymbolNotFound)

	after, err := p.Registers()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDlopen(t *testing.T) {
	ctx := context.Background()
	pid := spawn(t)
	p := attach(t, pid)

	regions, err := procmaps.Read(pid)
	require.NoError(t, err)
	libc, err := regions.FindModule("libc.so")
	if err != nil {
		t.Skip("no libc in the child:", err)
	}

	// already loaded library gives its existing handle
	handle, err := p.Dlopen(ctx, libc.Path)
	require.NoError(t, err)
	assert.NotZero(t, handle)

	_, err = p.Dlopen(ctx, "/hotpatch/no/such/library.so")
	assert.ErrorIs(t, err, fault.ErrModuleNotFound)
}
