package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/ptreedb/pkg/pagefmt"
)

func tempVolumePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.vol")
}

func TestCreateAndReopen(t *testing.T) {
	path := tempVolumePath(t)
	v, err := Create(path, 4096, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.PageSize() != 4096 {
		t.Fatalf("PageSize() = %d, want 4096", v.PageSize())
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()
	if v2.PageSize() != 4096 {
		t.Fatalf("reopened PageSize() = %d, want 4096", v2.PageSize())
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	path := tempVolumePath(t)
	if err := os.WriteFile(path, make([]byte, HeaderPageSize), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, nil); err != ErrCorruptVolume {
		t.Fatalf("Open(garbage header) = %v, want ErrCorruptVolume", err)
	}
}

func TestAllocateAndReadWritePage(t *testing.T) {
	path := tempVolumePath(t)
	v, err := Create(path, 4096, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	id, err := v.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}

	p := pagefmt.New(4096, pagefmt.TypeData, 0, id)
	p.SetKeyCount(1)
	p.AppendKV(0, 0, []byte("k"), []byte("v"))
	if err := v.WritePage(p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := v.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.PageID() != id {
		t.Fatalf("ReadPage PageID() = %d, want %d", got.PageID(), id)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify() after write: %v", err)
	}
	if string(got.Key(0)) != "k" || string(got.Val(0)) != "v" {
		t.Fatalf("round-tripped page entry mismatch: %q=%q", got.Key(0), got.Val(0))
	}
}

func TestFreeChainRespectsMinReader(t *testing.T) {
	path := tempVolumePath(t)
	v, err := Create(path, 4096, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	v.FreePage(100, 50) // freed at commit-ts 50

	// A reader whose start-ts predates the free cannot reuse the page yet.
	if _, reused, err := v.AllocateFromFreeChain(10); err != nil {
		t.Fatalf("AllocateFromFreeChain: %v", err)
	} else if reused {
		t.Fatalf("AllocateFromFreeChain reused=true, want false (page not yet reclaimable)")
	}
	if v.FreeChainLength() != 1 {
		t.Fatalf("FreeChainLength() = %d, want 1 (page not yet reclaimable)", v.FreeChainLength())
	}

	// Once every live reader's start-ts has passed 50, the page is reused.
	id, reused, err := v.AllocateFromFreeChain(100)
	if err != nil {
		t.Fatalf("AllocateFromFreeChain: %v", err)
	}
	if !reused || id != 100 {
		t.Fatalf("AllocateFromFreeChain = (%d, %v), want (100, true) (reclaimed)", id, reused)
	}
	if v.FreeChainLength() != 0 {
		t.Fatalf("FreeChainLength() = %d, want 0 after reclaim", v.FreeChainLength())
	}
}

func TestDirectoryPersistsAcrossReopen(t *testing.T) {
	path := tempVolumePath(t)
	v, err := Create(path, 4096, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.SetDirectoryRoot("accounts", 42); err != nil {
		t.Fatalf("SetDirectoryRoot: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v2.Close()

	root, ok := v2.DirectoryRoot("accounts")
	if !ok || root != 42 {
		t.Fatalf("DirectoryRoot(accounts) = %d,%v want 42,true", root, ok)
	}
}

func TestDropDirectoryEntry(t *testing.T) {
	path := tempVolumePath(t)
	v, err := Create(path, 4096, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer v.Close()

	if err := v.SetDirectoryRoot("t1", 7); err != nil {
		t.Fatalf("SetDirectoryRoot: %v", err)
	}
	if err := v.DropDirectoryEntry("t1"); err != nil {
		t.Fatalf("DropDirectoryEntry: %v", err)
	}
	if _, ok := v.DirectoryRoot("t1"); ok {
		t.Fatalf("DirectoryRoot(t1) found after drop")
	}
}
