// Package rank encodes and generates the order keys used to sort tasks inside a
// board column. Keys look like "0|hz": a numeric bucket, a delimiter and a rank
// drawn from a 36 symbol alphabet that is only ever compared byte-wise.
package rank

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Alphabet is the ordered symbol set ranks are built from.
	Alphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
	Delimiter = '|'

	DefaultBucket = 0
	SeedRank      = "h"

	// RebalanceThreshold is the rank length past which a partition has run
	// out of room between neighbours and must be respread.
	RebalanceThreshold = 32

	// SpreadWidth is the number of symbols used for keys produced by Spread.
	SpreadWidth = 8

	base = len(Alphabet)
)

var (
	ErrInvalidKey = errors.New("rank: invalid key")
	ErrOutOfOrder = errors.New("rank: lower bound is not below upper bound")
	ErrNoSpace    = errors.New("rank: no key fits between bounds")
)

// Key is a parsed order key.
type Key struct {
	Bucket int
	Rank   string
}

func (k Key) String() string {
	return strconv.Itoa(k.Bucket) + string(Delimiter) + k.Rank
}

// Parse splits a key into bucket and rank. Keys without a delimiter belong to
// the default bucket.
func Parse(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	k := Key{Bucket: DefaultBucket, Rank: s}
	if i := strings.IndexByte(s, Delimiter); i >= 0 {
		b, err := strconv.Atoi(s[:i])
		if err != nil || b < 0 || (len(s[:i]) > 1 && s[0] == '0') {
			return Key{}, fmt.Errorf("%w: bad bucket in %q", ErrInvalidKey, s)
		}
		k = Key{Bucket: b, Rank: s[i+1:]}
	}
	if k.Rank == "" {
		return Key{}, fmt.Errorf("%w: empty rank in %q", ErrInvalidKey, s)
	}
	for i := 0; i < len(k.Rank); i++ {
		if digit(k.Rank[i]) < 0 {
			return Key{}, fmt.Errorf("%w: symbol %q in %q", ErrInvalidKey, k.Rank[i], s)
		}
	}
	return k, nil
}

// Valid reports whether s parses as a key.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Canonical returns s with its bucket spelled out, so that a bare rank sorts
// byte-wise next to the keys of bucket 0.
func Canonical(s string) (string, error) {
	k, err := Parse(s)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// Seed is the key handed to the first task of an empty partition.
func Seed() string {
	return Key{Bucket: DefaultBucket, Rank: SeedRank}.String()
}

// Generate returns a key strictly between prev and next. Either bound may be
// empty, meaning the partition edge on that side.
func Generate(prev, next string) (string, error) {
	if prev == "" && next == "" {
		return Seed(), nil
	}
	var p, n Key
	var err error
	if prev != "" {
		if p, err = Parse(prev); err != nil {
			return "", err
		}
	}
	if next != "" {
		if n, err = Parse(next); err != nil {
			return "", err
		}
	}

	bucket, upper := p.Bucket, n.Rank
	switch {
	case prev == "":
		bucket = n.Bucket
	case next != "" && p.Bucket != n.Bucket:
		// Any key extending prev within its own bucket still sorts below
		// next, which differs from prev inside the bucket digits.
		if p.String() >= n.String() {
			return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, prev, next)
		}
		upper = ""
	}

	r, err := Between(p.Rank, upper)
	if err != nil {
		return "", err
	}
	return Key{Bucket: bucket, Rank: r}.String(), nil
}

// Between returns a rank strictly between prev and next. An empty prev stands
// for the start of the alphabet and an empty next for its end repeated.
func Between(prev, next string) (string, error) {
	if next != "" && prev >= next {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, prev, next)
	}
	var b strings.Builder
	bounded := next != ""
	for i := 0; ; i++ {
		lo := 0
		if i < len(prev) {
			lo = digit(prev[i])
		}
		hi := base - 1
		if bounded {
			// Everything emitted so far equals next; nothing shorter or
			// longer can still sort below it.
			if i >= len(next) {
				return "", fmt.Errorf("%w: %q and %q", ErrNoSpace, prev, next)
			}
			hi = digit(next[i])
		}
		if hi-lo > 1 {
			b.WriteByte(Alphabet[(lo+hi)/2])
			return b.String(), nil
		}
		b.WriteByte(Alphabet[lo])
		if hi > lo {
			bounded = false
		}
	}
}

// Compare orders keys byte-wise, the order readers and the table index see.
// Within one bucket this is rank order.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// NeedsRebalance reports whether key has grown past RebalanceThreshold.
func NeedsRebalance(key string) bool {
	k, err := Parse(key)
	if err != nil {
		return false
	}
	return len(k.Rank) > RebalanceThreshold
}

// BucketOf returns the bucket of key, or DefaultBucket when key is malformed.
func BucketOf(key string) int {
	k, err := Parse(key)
	if err != nil {
		return DefaultBucket
	}
	return k.Bucket
}

// Spread returns count evenly spaced keys in bucket, ascending.
func Spread(bucket, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	space := pow(base, SpreadWidth)
	step := space / int64(count+1)
	if step == 0 {
		return nil, fmt.Errorf("%w: %d keys do not fit in width %d", ErrNoSpace, count, SpreadWidth)
	}
	keys := make([]string, count)
	for i := range keys {
		keys[i] = Key{Bucket: bucket, Rank: encode(step * int64(i+1))}.String()
	}
	return keys, nil
}

// encode writes v in base 36, padded to SpreadWidth, without trailing minimum
// symbols so that no spread key ends in '0'.
func encode(v int64) string {
	buf := make([]byte, SpreadWidth)
	for i := SpreadWidth - 1; i >= 0; i-- {
		buf[i] = Alphabet[v%int64(base)]
		v /= int64(base)
	}
	return strings.TrimRight(string(buf), Alphabet[:1])
}

func digit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	}
	return -1
}

func pow(b, e int) int64 {
	r := int64(1)
	for i := 0; i < e; i++ {
		r *= int64(b)
	}
	return r
}
