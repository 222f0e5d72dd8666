package filebackend

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/NebulousLabs/Sia/build"
	"github.com/NebulousLabs/fastrand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// pagingTester is a helper object to simplify testing
type pagingTester struct {
	pm   *MmapPageManager
	path string
}

// Close is a helper function for a clean pagingTester shutdown
func (pt *pagingTester) Close() error {
	return pt.pm.Close()
}

// newPagingTester returns a ready-to-rock pagingTester backed by a fresh file
func newPagingTester(name string, opts Options) (*pagingTester, error) {
	testdir := build.TempDir("filebackend", name)
	if err := os.RemoveAll(testdir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(testdir, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(testdir, "data.dat")
	pm, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &pagingTester{
		pm:   pm,
		path: path,
	}, nil
}

type mmapTestSuite struct {
	suite.Suite
	assert *assert.Assertions
	pt     *pagingTester
}

func (s *mmapTestSuite) SetupTest() {
	s.assert = assert.New(s.T())

	pt, err := newPagingTester(s.T().Name(), Options{BlockSize: 4096})
	require.NoError(s.T(), err)
	s.pt = pt
}

func (s *mmapTestSuite) TearDownTest() {
	if s.pt != nil {
		s.assert.NoError(s.pt.Close())
	}
	s.pt = nil
}

func (s *mmapTestSuite) TestLazyMapping() {
	stats := s.pt.pm.Stats()
	s.assert.Equal(uint64(0), stats.MappingSize)
	s.assert.Equal(int64(0), stats.LiveMappings)
	s.assert.Equal(uint64(0), stats.EndPos)
	s.assert.Equal(uint64(4096), stats.BlockSize)
}

func (s *mmapTestSuite) TestGrowthQuantum() {
	ref, err := s.pt.pm.AllocPage(2000000)
	require.NoError(s.T(), err)
	defer ref.Close()

	s.assert.Equal(Page{Offset: 0, Size: 2002944}, ref.Page())
	s.assert.Equal(uint64(2*mmapSizeMultiplier), s.pt.pm.Stats().MappingSize)
	s.assert.Len(ref.Bytes(), 2002944)

	fi, err := os.Stat(s.pt.path)
	require.NoError(s.T(), err)
	s.assert.Equal(int64(2*mmapSizeMultiplier), fi.Size())
}

func (s *mmapTestSuite) TestRemapPreservesOldHandles() {
	pm := s.pt.pm

	p1, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	m1 := p1.file
	s.assert.Equal(uint64(mmapSizeMultiplier), pm.Stats().MappingSize)

	data := fastrand.Bytes(4096)
	copy(p1.Bytes(), data)

	// This page ends past the first mapping
	p2, err := pm.AllocPage(mmapSizeMultiplier)
	require.NoError(s.T(), err)
	defer p2.Close()

	s.assert.NotSame(m1, p2.file)
	s.assert.Equal(uint64(2*mmapSizeMultiplier), pm.Stats().MappingSize)
	s.assert.Equal(int64(2), pm.Stats().LiveMappings)
	s.assert.Equal(int64(1), m1.refs.Load())

	// The old handle still reads and writes the same bytes
	s.assert.True(bytes.Equal(data, p1.Bytes()))
	data = fastrand.Bytes(4096)
	_, err = p1.WriteAt(data, 0)
	require.NoError(s.T(), err)

	p3, err := pm.GetPage(0, 4096)
	require.NoError(s.T(), err)
	defer p3.Close()
	s.assert.Same(p2.file, p3.file)
	s.assert.True(bytes.Equal(data, p3.Bytes()))

	// Dropping the last handle releases the old mapping
	s.assert.NoError(p1.Close())
	s.assert.Nil(m1.data)
	s.assert.Equal(int64(1), pm.Stats().LiveMappings)
}

func (s *mmapTestSuite) TestRefCounts() {
	pm := s.pt.pm
	first, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	mf := first.file
	s.assert.Equal(int64(2), mf.refs.Load())

	refs := []*PageRef{first}
	for i := 0; i < 20; i++ {
		ref, err := pm.GetPage(0, 4096)
		require.NoError(s.T(), err)
		s.assert.Same(mf, ref.file)
		refs = append(refs, ref)
	}
	s.assert.Equal(int64(len(refs)+1), mf.refs.Load())
	s.assert.Equal(int64(len(refs)), pm.Stats().OpenPageRefs)

	for _, i := range fastrand.Perm(len(refs)) {
		s.assert.NoError(refs[i].Close())
	}
	s.assert.Equal(int64(1), mf.refs.Load())
	s.assert.Equal(int64(0), pm.Stats().OpenPageRefs)
	s.assert.NotNil(mf.data)

	// Closing twice doesn't drop a second reference
	s.assert.NoError(first.Close())
	s.assert.Equal(int64(1), mf.refs.Load())
	s.assert.Nil(first.Bytes())
}

func (s *mmapTestSuite) TestMappingCoverage() {
	pm := s.pt.pm
	var refs []*PageRef
	defer func() {
		for _, ref := range refs {
			ref.Close()
		}
	}()
	for i := 0; i < 50; i++ {
		ref, err := pm.AllocPage(fastrand.Uint64n(200000) + 1)
		require.NoError(s.T(), err)
		refs = append(refs, ref)
		s.assert.LessOrEqual(ref.Page().End(), uint64(len(ref.file.data)))
		s.assert.Zero(len(ref.file.data) % mmapSizeMultiplier)
	}
}

func (s *mmapTestSuite) TestFreeAndReuse() {
	pm := s.pt.pm
	ref, err := pm.AllocPage(100)
	require.NoError(s.T(), err)
	page := ref.Page()
	s.assert.NoError(ref.Close())
	s.assert.NoError(pm.FreePage(page))
	s.assert.ErrorIs(pm.FreePage(page), ErrDoubleFree)

	ref, err = pm.AllocPage(50)
	require.NoError(s.T(), err)
	defer ref.Close()
	s.assert.Equal(page, ref.Page())
}

func (s *mmapTestSuite) TestInvalidRequests() {
	pm := s.pt.pm
	_, err := pm.AllocPage(0)
	s.assert.ErrorIs(err, ErrZeroSize)
	_, err = pm.GetPage(0, 0)
	s.assert.ErrorIs(err, ErrZeroSize)
	_, err = pm.GetPage(0, 4096)
	s.assert.ErrorIs(err, ErrInvalidPage)
	s.assert.Equal(int64(0), pm.Stats().LiveMappings)
}

func (s *mmapTestSuite) TestReopen() {
	pm := s.pt.pm
	ref, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	data := fastrand.Bytes(4096)
	copy(ref.Bytes(), data)
	page := ref.Page()
	s.assert.NoError(ref.Close())
	s.assert.NoError(pm.Sync())
	s.assert.NoError(pm.Close())

	pm, err = Open(s.pt.path, Options{BlockSize: 4096})
	require.NoError(s.T(), err)
	s.pt.pm = pm

	// The whole file counts as allocated after reopening
	s.assert.Equal(uint64(mmapSizeMultiplier), pm.Stats().EndPos)
	ref, err = pm.GetPage(page.Offset, page.Size)
	require.NoError(s.T(), err)
	defer ref.Close()
	s.assert.True(bytes.Equal(data, ref.Bytes()))
}

func (s *mmapTestSuite) TestClose() {
	pm := s.pt.pm
	ref, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)

	s.assert.NoError(pm.Close())
	s.assert.NoError(pm.Close())
	_, err = pm.AllocPage(4096)
	s.assert.ErrorIs(err, ErrClosed)
	_, err = pm.GetPage(0, 4096)
	s.assert.ErrorIs(err, ErrClosed)
	s.assert.ErrorIs(pm.FreePage(ref.Page()), ErrClosed)
	s.assert.ErrorIs(pm.Sync(), ErrClosed)

	// The handle kept the mapping alive
	s.assert.Equal(int64(1), pm.Stats().LiveMappings)
	s.assert.NoError(ref.Close())
	s.assert.Equal(int64(0), pm.Stats().LiveMappings)
}

func (s *mmapTestSuite) TestFailedGrowth() {
	pm := s.pt.pm
	ref, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	defer ref.Close()
	data := fastrand.Bytes(4096)
	copy(ref.Bytes(), data)

	// Put a small page on the free-list
	tmp, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	freed := tmp.Page()
	s.assert.NoError(tmp.Close())
	s.assert.NoError(pm.FreePage(freed))

	before := pm.Stats()
	_, err = pm.AllocPage(1 << 62)
	require.Error(s.T(), err)
	s.assert.True(IsOp(err, OpExtend) || IsOp(err, OpMap), "unexpected error %v", err)

	// Nothing changed and the current mapping still serves the old handle
	s.assert.Equal(before, pm.Stats())
	s.assert.True(bytes.Equal(data, ref.Bytes()))
	data = fastrand.Bytes(4096)
	_, err = ref.WriteAt(data, 0)
	require.NoError(s.T(), err)
	readBack := make([]byte, 4096)
	_, err = ref.ReadAt(readBack, 0)
	require.NoError(s.T(), err)
	s.assert.True(bytes.Equal(data, readBack))

	// Small allocations keep working: first the free page, then the tail
	next, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	defer next.Close()
	s.assert.Equal(freed, next.Page())
	tail, err := pm.AllocPage(4096)
	require.NoError(s.T(), err)
	defer tail.Close()
	s.assert.Equal(Page{Offset: before.EndPos, Size: 4096}, tail.Page())
}

func (s *mmapTestSuite) TestConcurrentClose() {
	pm := s.pt.pm
	var wg sync.WaitGroup
	refs := make(chan *PageRef, 64)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range refs {
				s.assert.NoError(ref.Close())
			}
		}()
	}

	// Every other allocation grows the file so mappings are retired while
	// other goroutines drop their handles
	for i := 0; i < 32; i++ {
		ref, err := pm.AllocPage(mmapSizeMultiplier / 2)
		require.NoError(s.T(), err)
		refs <- ref
	}
	close(refs)
	wg.Wait()

	stats := pm.Stats()
	s.assert.Equal(int64(0), stats.OpenPageRefs)
	s.assert.Equal(int64(1), stats.LiveMappings)
}

func TestOpenErrors(t *testing.T) {
	dir := build.TempDir("filebackend", t.Name())
	_, err := Open(filepath.Join(dir, "missing", "data.dat"), Options{})
	if !IsOp(err, OpOpen) {
		t.Fatalf("expected %v error but got %v", OpOpen, err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a not-exist error but got %v", err)
	}
}

func TestMmap(t *testing.T) {
	suite.Run(t, new(mmapTestSuite))
}
