// Package fracindex generates order keys for block lists. Keys live in a
// densely ordered string space: between any two distinct keys another key can
// always be computed, so concurrent inserts at the same position never force a
// renumbering pass. Lexicographic byte order of the keys is the canonical
// block order.
//
// A key is a variable-length base-62 integer followed by an optional
// fractional digit string. The first character encodes the integer's length
// ('a' means two characters, 'b' three, and so on; 'A'..'Z' cover the negative
// range) so that lexicographic order matches numeric order.
package fracindex

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// smallestKey is the bottom of the key space; no key may sort at or below it.
const smallestKey = "A00000000000000000000000000"

// jitterLen is the number of random digits appended to generated keys so that
// uncoordinated callers computing a key between the same bounds still receive
// distinct values.
const jitterLen = 3

var ErrInvalidKey = errors.New("invalid order key")

// DefaultKey returns the canonical first key for an empty list.
func DefaultKey() string {
	return "a0"
}

// KeyBetween returns a key strictly greater than lower and strictly less than
// upper. An empty string means the bound is absent: no lower bound inserts at
// the head, no upper bound appends at the tail. With both bounds absent the
// canonical default key is returned.
func KeyBetween(lower, upper string) (string, error) {
	key, err := keyBetween(lower, upper)
	if err != nil {
		return "", err
	}
	if lower == "" && upper == "" {
		return key, nil
	}
	jittered := key + jitter()
	if upper == "" || jittered < upper {
		return jittered, nil
	}
	return key, nil
}

// SortByKey returns a copy of items stably sorted ascending by key. This is
// the canonical display and storage order.
func SortByKey[T any](items []T, key func(T) string) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return key(out[i]) < key(out[j])
	})
	return out
}

func keyBetween(lower, upper string) (string, error) {
	if lower != "" {
		if err := validateKey(lower); err != nil {
			return "", err
		}
	}
	if upper != "" {
		if err := validateKey(upper); err != nil {
			return "", err
		}
	}
	if lower != "" && upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidKey, lower, upper)
	}

	if lower == "" {
		if upper == "" {
			return DefaultKey(), nil
		}
		intUpper, err := integerPart(upper)
		if err != nil {
			return "", err
		}
		fracUpper := upper[len(intUpper):]
		if intUpper == smallestKey {
			mid, err := midpoint("", fracUpper, true)
			if err != nil {
				return "", err
			}
			return intUpper + mid, nil
		}
		if intUpper < upper {
			return intUpper, nil
		}
		dec, err := decrementInteger(intUpper)
		if err != nil {
			return "", err
		}
		if dec == "" {
			return "", fmt.Errorf("%w: key space exhausted below %q", ErrInvalidKey, upper)
		}
		return dec, nil
	}

	intLower, err := integerPart(lower)
	if err != nil {
		return "", err
	}
	fracLower := lower[len(intLower):]

	if upper == "" {
		inc, err := incrementInteger(intLower)
		if err != nil {
			return "", err
		}
		if inc == "" {
			mid, merr := midpoint(fracLower, "", false)
			if merr != nil {
				return "", merr
			}
			return intLower + mid, nil
		}
		return inc, nil
	}

	intUpper, err := integerPart(upper)
	if err != nil {
		return "", err
	}
	fracUpper := upper[len(intUpper):]
	if intLower == intUpper {
		mid, merr := midpoint(fracLower, fracUpper, true)
		if merr != nil {
			return "", merr
		}
		return intLower + mid, nil
	}
	inc, err := incrementInteger(intLower)
	if err != nil {
		return "", err
	}
	if inc != "" && inc < upper {
		return inc, nil
	}
	mid, err := midpoint(fracLower, "", false)
	if err != nil {
		return "", err
	}
	return intLower + mid, nil
}

// midpoint returns a fraction string strictly between a and b. When bounded is
// false there is no upper bound and b must be empty.
func midpoint(a, b string, bounded bool) (string, error) {
	if bounded && a >= b {
		return "", fmt.Errorf("%w: fraction %q >= %q", ErrInvalidKey, a, b)
	}
	if bounded {
		// Shared prefix stays; subdivide the first differing position.
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest, err := midpoint(sliceFrom(a, n), b[n:], true)
			if err != nil {
				return "", err
			}
			return b[:n] + rest, nil
		}
	}
	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if bounded && b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}
	if digitB-digitA > 1 {
		mid := (digitA + digitB + 1) / 2
		return string(digits[mid]), nil
	}
	if bounded && len(b) > 1 {
		return b[:1], nil
	}
	rest, err := midpoint(sliceFrom(a, 1), "", false)
	if err != nil {
		return "", err
	}
	return string(digits[digitA]) + rest, nil
}

// incrementInteger returns the next integer part, or "" when the positive key
// space is exhausted and the caller must subdivide instead.
func incrementInteger(x string) (string, error) {
	if err := validateInteger(x); err != nil {
		return "", err
	}
	head := x[0]
	digs := []byte(x[1:])
	for i := len(digs) - 1; i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i])
		if d == len(digits)-1 {
			digs[i] = digits[0]
			continue
		}
		digs[i] = digits[d+1]
		return string(head) + string(digs), nil
	}
	// Carried past every digit: move to the next integer length.
	switch {
	case head == 'Z':
		return "a0", nil
	case head == 'z':
		return "", nil
	}
	next := head + 1
	if next > 'a' {
		digs = append(digs, digits[0])
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(next) + string(digs), nil
}

// decrementInteger returns the previous integer part, or "" when the negative
// key space is exhausted.
func decrementInteger(x string) (string, error) {
	if err := validateInteger(x); err != nil {
		return "", err
	}
	head := x[0]
	digs := []byte(x[1:])
	for i := len(digs) - 1; i >= 0; i-- {
		if digs[i] == digits[0] {
			digs[i] = digits[len(digits)-1]
			continue
		}
		d := strings.IndexByte(digits, digs[i])
		digs[i] = digits[d-1]
		return string(head) + string(digs), nil
	}
	switch {
	case head == 'a':
		return "Z" + string(digits[len(digits)-1]), nil
	case head == 'A':
		return "", nil
	}
	prev := head - 1
	if prev < 'Z' {
		digs = append(digs, digits[len(digits)-1])
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(prev) + string(digs), nil
}

func integerPart(key string) (string, error) {
	n, err := integerLength(key[0])
	if err != nil {
		return "", err
	}
	if n > len(key) {
		return "", fmt.Errorf("%w: %q shorter than its integer part", ErrInvalidKey, key)
	}
	return key[:n], nil
}

func integerLength(head byte) (int, error) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, nil
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, nil
	}
	return 0, fmt.Errorf("%w: bad head byte %q", ErrInvalidKey, string(head))
}

func validateInteger(x string) error {
	n, err := integerLength(x[0])
	if err != nil {
		return err
	}
	if len(x) != n {
		return fmt.Errorf("%w: integer part %q has wrong length", ErrInvalidKey, x)
	}
	for i := 1; i < len(x); i++ {
		if strings.IndexByte(digits, x[i]) < 0 {
			return fmt.Errorf("%w: bad digit in %q", ErrInvalidKey, x)
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key == smallestKey {
		return fmt.Errorf("%w: %q is the exclusive lower bound of the key space", ErrInvalidKey, key)
	}
	intPart, err := integerPart(key)
	if err != nil {
		return err
	}
	frac := key[len(intPart):]
	if strings.HasSuffix(frac, "0") {
		return fmt.Errorf("%w: %q has a trailing zero", ErrInvalidKey, key)
	}
	for i := 0; i < len(frac); i++ {
		if strings.IndexByte(digits, frac[i]) < 0 {
			return fmt.Errorf("%w: bad digit in %q", ErrInvalidKey, key)
		}
	}
	return validateInteger(intPart)
}

// jitter returns random fraction digits whose last digit is never '0', so
// appending them to a valid key yields another valid key.
func jitter() string {
	buf := make([]byte, jitterLen)
	_, _ = rand.Read(buf)
	out := make([]byte, jitterLen)
	for i, b := range buf {
		if i == jitterLen-1 {
			out[i] = digits[1+int(b)%(len(digits)-1)]
		} else {
			out[i] = digits[int(b)%len(digits)]
		}
	}
	return string(out)
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return digits[0]
}

func sliceFrom(s string, i int) string {
	if i < len(s) {
		return s[i:]
	}
	return ""
}
