// Package store keeps full snapshots of session roots in pebble so a host
// can restart a session where it left off.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/utils"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrNoCheckpoint  = errors.New("store: no checkpoint")
	ErrBadCheckpoint = errors.New("store: malformed checkpoint")
	ErrClosed        = errors.New("store: closed")
)

// Checkpoint is one saved full snapshot of a root.
type Checkpoint struct {
	Root    string
	Seq     uint64
	Version clock.Version
	Full    []byte
}

type Options struct {
	pebble.Options

	// Keep is how many checkpoints per root survive a Save, 0 keeps all.
	Keep int
	Log  utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Store struct {
	db   *pebble.DB
	opts Options
}

func Open(dirname string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dirname, &opts.Options)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, opts: opts}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// key layout: 'C' root 0x00 seq(BE u64)
func rootPrefix(root string) []byte {
	key := make([]byte, 0, len(root)+2)
	key = append(key, 'C')
	key = append(key, root...)
	return append(key, 0)
}

func checkpointKey(root string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(rootPrefix(root), seq)
}

func rootBounds(root string) (lower, upper []byte) {
	lower = rootPrefix(root)
	upper = append(rootPrefix(root)[:len(lower)-1], 1)
	return
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

func encodeValue(version clock.Version, full []byte) ([]byte, error) {
	packed, err := compress(full)
	if err != nil {
		return nil, err
	}
	return protocol.Concat(
		protocol.Record('V', version.TLV()),
		protocol.Record('F', packed),
	), nil
}

func decodeValue(val []byte) (version clock.Version, full []byte, err error) {
	vbody, rest, err := protocol.TakeWary('V', val)
	if err != nil {
		return nil, nil, errors.Join(ErrBadCheckpoint, err)
	}
	fbody, rest, err := protocol.TakeWary('F', rest)
	if err != nil || len(rest) != 0 {
		return nil, nil, errors.Join(ErrBadCheckpoint, err)
	}
	if version, err = clock.VersionFromTLV(vbody); err != nil {
		return nil, nil, errors.Join(ErrBadCheckpoint, err)
	}
	if full, err = decompress(fbody); err != nil {
		return nil, nil, errors.Join(ErrBadCheckpoint, err)
	}
	return version, full, nil
}

// Save stores full as the next checkpoint of root and returns its sequence
// number. Older checkpoints beyond Keep are removed.
func (s *Store) Save(root string, version clock.Version, full []byte) (uint64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	seqs, err := s.History(root)
	if err != nil {
		return 0, err
	}
	var seq uint64 = 1
	if len(seqs) > 0 {
		seq = seqs[len(seqs)-1] + 1
	}
	val, err := encodeValue(version, full)
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(checkpointKey(root, seq), val, nil); err != nil {
		return 0, err
	}
	if s.opts.Keep > 0 && len(seqs)+1 > s.opts.Keep {
		drop := seqs[len(seqs)-s.opts.Keep]
		lower, _ := rootBounds(root)
		if err := batch.DeleteRange(lower, checkpointKey(root, drop+1), nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	s.opts.Log.Debug("store: checkpoint saved", "root", root, "seq", seq, "version", version.String(), "len", len(full))
	return seq, nil
}

// History lists the stored sequence numbers of root in ascending order.
func (s *Store) History(root string) (seqs []uint64, err error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	lower, upper := rootBounds(root)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		if len(key) != len(lower)+8 {
			continue
		}
		seqs = append(seqs, binary.BigEndian.Uint64(key[len(lower):]))
	}
	return seqs, iter.Error()
}

// Latest loads the newest checkpoint of root.
func (s *Store) Latest(root string) (cp Checkpoint, err error) {
	if s.db == nil {
		return cp, ErrClosed
	}
	lower, upper := rootBounds(root)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return cp, err
	}
	defer iter.Close()
	if !iter.Last() {
		if err = iter.Error(); err != nil {
			return cp, err
		}
		return cp, ErrNoCheckpoint
	}
	key := iter.Key()
	if len(key) != len(lower)+8 {
		return cp, ErrBadCheckpoint
	}
	cp.Root = root
	cp.Seq = binary.BigEndian.Uint64(key[len(lower):])
	cp.Version, cp.Full, err = decodeValue(iter.Value())
	return cp, err
}

// Load reads one specific checkpoint of root.
func (s *Store) Load(root string, seq uint64) (cp Checkpoint, err error) {
	if s.db == nil {
		return cp, ErrClosed
	}
	val, closer, err := s.db.Get(checkpointKey(root, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return cp, ErrNoCheckpoint
	}
	if err != nil {
		return cp, err
	}
	defer closer.Close()
	cp.Root, cp.Seq = root, seq
	cp.Version, cp.Full, err = decodeValue(val)
	return cp, err
}

func (s *Store) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}
