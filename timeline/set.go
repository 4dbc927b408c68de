package timeline

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/dgraph-io/badger/v4"
)

const (
	memberTag = 'm'
	scoreTag  = 's'
)

// Entry is one member of a set with its score.
type Entry struct {
	Member int64
	Score  int64
}

// Set is an ordered set of int64 members scored by int64, the semantics of a
// sorted set. Every member is stored twice: under a member key holding its
// score, and under a score key that sorts by (score, member).
type Set struct {
	txn *badger.Txn
	key string
}

func (s *Set) prefix(tag byte) []byte {
	p := make([]byte, 0, len(s.key)+2)
	p = append(p, s.key...)
	return append(p, 0, tag)
}

func (s *Set) memberKey(member int64) []byte {
	return binary.BigEndian.AppendUint64(s.prefix(memberTag), orderable(member))
}

func (s *Set) scoreKey(score, member int64) []byte {
	k := binary.BigEndian.AppendUint64(s.prefix(scoreTag), orderable(score))
	return binary.BigEndian.AppendUint64(k, orderable(member))
}

// orderable maps int64 onto uint64 so that byte order equals numeric order.
func orderable(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

func fromOrderable(v uint64) int64 {
	return int64(v ^ (1 << 63))
}

func decodeScoreKey(key []byte) Entry {
	n := len(key)
	return Entry{
		Score:  fromOrderable(binary.BigEndian.Uint64(key[n-16 : n-8])),
		Member: fromOrderable(binary.BigEndian.Uint64(key[n-8:])),
	}
}

// Score returns the member's score and whether it is present.
func (s *Set) Score(member int64) (int64, bool, error) {
	item, err := s.txn.Get(s.memberKey(member))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var score int64
	err = item.Value(func(val []byte) error {
		score = fromOrderable(binary.BigEndian.Uint64(val))
		return nil
	})
	return score, err == nil, err
}

// Add inserts member or moves it to score. It reports whether the member is
// new.
func (s *Set) Add(member, score int64) (bool, error) {
	old, exists, err := s.Score(member)
	if err != nil {
		return false, err
	}
	if exists {
		if old == score {
			return false, nil
		}
		if err := s.txn.Delete(s.scoreKey(old, member)); err != nil {
			return false, err
		}
	}
	val := binary.BigEndian.AppendUint64(nil, orderable(score))
	if err := s.txn.Set(s.memberKey(member), val); err != nil {
		return false, err
	}
	if err := s.txn.Set(s.scoreKey(score, member), nil); err != nil {
		return false, err
	}
	return !exists, nil
}

// AddNX inserts member only if it is absent.
func (s *Set) AddNX(member, score int64) (bool, error) {
	_, exists, err := s.Score(member)
	if err != nil || exists {
		return false, err
	}
	return s.Add(member, score)
}

// Remove deletes member and reports whether it was present.
func (s *Set) Remove(member int64) (bool, error) {
	score, exists, err := s.Score(member)
	if err != nil || !exists {
		return false, err
	}
	if err := s.txn.Delete(s.memberKey(member)); err != nil {
		return false, err
	}
	if err := s.txn.Delete(s.scoreKey(score, member)); err != nil {
		return false, err
	}
	return true, nil
}

// Card returns the number of members.
func (s *Set) Card() (int, error) {
	n := 0
	err := s.scan(false, func(Entry) bool {
		n++
		return true
	})
	return n, err
}

// RevRank returns the 0-based position of member counted from the highest
// score.
func (s *Set) RevRank(member int64) (int, bool, error) {
	score, exists, err := s.Score(member)
	if err != nil || !exists {
		return 0, false, err
	}
	rank := 0
	err = s.scan(true, func(e Entry) bool {
		if e.Score == score && e.Member == member {
			return false
		}
		rank++
		return true
	})
	return rank, true, err
}

// RevRange returns the entries at positions start..stop (inclusive) counted
// from the highest score. A negative stop means the last entry.
func (s *Set) RevRange(start, stop int) ([]Entry, error) {
	var entries []Entry
	pos := 0
	err := s.scan(true, func(e Entry) bool {
		if stop >= 0 && pos > stop {
			return false
		}
		if pos >= start {
			entries = append(entries, e)
		}
		pos++
		return true
	})
	return entries, err
}

// RangeByScore returns the entries with min <= score <= max, lowest first.
func (s *Set) RangeByScore(min, max int64) ([]Entry, error) {
	var entries []Entry
	err := s.scanFrom(s.scoreKey(min, math.MinInt64), func(e Entry) bool {
		if e.Score > max {
			return false
		}
		entries = append(entries, e)
		return true
	})
	return entries, err
}

// TrimToNewest keeps the n highest-scored members and reports how many were
// evicted.
func (s *Set) TrimToNewest(n int) (int, error) {
	var evicted []Entry
	pos := 0
	err := s.scan(true, func(e Entry) bool {
		if pos >= n {
			evicted = append(evicted, e)
		}
		pos++
		return true
	})
	if err != nil {
		return 0, err
	}
	return len(evicted), s.delete(evicted)
}

// RemoveRangeByScore deletes the entries with min <= score <= max.
func (s *Set) RemoveRangeByScore(min, max int64) (int, error) {
	entries, err := s.RangeByScore(min, max)
	if err != nil {
		return 0, err
	}
	return len(entries), s.delete(entries)
}

// Clear removes every member.
func (s *Set) Clear() (int, error) {
	entries, err := s.RevRange(0, -1)
	if err != nil {
		return 0, err
	}
	return len(entries), s.delete(entries)
}

func (s *Set) delete(entries []Entry) error {
	for _, e := range entries {
		if err := s.txn.Delete(s.memberKey(e.Member)); err != nil {
			return err
		}
		if err := s.txn.Delete(s.scoreKey(e.Score, e.Member)); err != nil {
			return err
		}
	}
	return nil
}

// scan walks the score index; fn returning false stops the walk.
func (s *Set) scan(reverse bool, fn func(Entry) bool) error {
	prefix := s.prefix(scoreTag)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	opts.Prefix = prefix

	it := s.txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		// past every score key of this set
		seek = append(append([]byte{}, prefix...), make([]byte, 17)...)
		for i := len(prefix); i < len(seek); i++ {
			seek[i] = 0xff
		}
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if !fn(decodeScoreKey(it.Item().Key())) {
			break
		}
	}
	return nil
}

func (s *Set) scanFrom(start []byte, fn func(Entry) bool) error {
	prefix := s.prefix(scoreTag)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := s.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		if !fn(decodeScoreKey(it.Item().Key())) {
			break
		}
	}
	return nil
}
