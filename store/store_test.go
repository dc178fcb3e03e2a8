package store

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func memStore(t *testing.T, keep int) *Store {
	s, err := Open("checkpoints", Options{
		Options: pebble.Options{FS: vfs.NewMem()},
		Keep:    keep,
		Log:     utils.NopLogger(),
	})
	assert.Nil(t, err)
	return s
}

func TestStoreSaveLatest(t *testing.T) {
	s := memStore(t, 0)
	defer s.Close()

	_, err := s.Latest("farm")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	full := bytes.Repeat([]byte("corn "), 100)
	seq, err := s.Save("farm", clock.Version{3, 0, 1}, full)
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = s.Save("farm", clock.Version{4, 0, 1}, []byte("wheat"))
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), seq)
	_, err = s.Save("farmhouse", clock.Version{1}, []byte("roof"))
	assert.Nil(t, err)

	cp, err := s.Latest("farm")
	assert.Nil(t, err)
	assert.Equal(t, "farm", cp.Root)
	assert.Equal(t, uint64(2), cp.Seq)
	assert.Equal(t, []byte("wheat"), cp.Full)
	assert.Equal(t, clock.Version{4, 0, 1}, cp.Version)

	cp, err = s.Load("farm", 1)
	assert.Nil(t, err)
	assert.Equal(t, full, cp.Full)
	assert.Equal(t, clock.Version{3, 0, 1}, cp.Version)

	_, err = s.Load("farm", 9)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	seqs, err := s.History("farmhouse")
	assert.Nil(t, err)
	assert.Equal(t, []uint64{1}, seqs)
}

func TestStoreKeep(t *testing.T) {
	s := memStore(t, 2)
	defer s.Close()
	for i := 0; i < 5; i++ {
		_, err := s.Save("farm", clock.Version{uint32(i)}, []byte{byte(i)})
		assert.Nil(t, err)
	}
	seqs, err := s.History("farm")
	assert.Nil(t, err)
	assert.Equal(t, []uint64{4, 5}, seqs)
	cp, err := s.Latest("farm")
	assert.Nil(t, err)
	assert.Equal(t, []byte{4}, cp.Full)
}

func TestStoreClosed(t *testing.T) {
	s := memStore(t, 0)
	assert.Nil(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	_, err := s.Save("farm", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Latest("farm")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecodeGarbage(t *testing.T) {
	_, _, err := decodeValue([]byte("junk"))
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}

func TestCollector(t *testing.T) {
	s := memStore(t, 0)
	defer s.Close()
	_, err := s.Save("farm", clock.Version{1}, []byte("x"))
	assert.Nil(t, err)
	c := NewCollector(s)
	assert.Equal(t, 8, testutil.CollectAndCount(c))
}
